package models

import (
	"encoding/json"
)

// Question is a clarifying question attached to a draft category
type Question struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Question string `json:"question"`
}

// AnsweredQuestion carries one answer for one merge call
type AnsweredQuestion struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

// SpecResponse is the unit exchanged with the synthesis and merge boundary
type SpecResponse struct {
	SpecDraft      Draft      `json:"specDraft"`
	QuestionsToAsk []Question `json:"questionsToAsk"`
}

// MarshalJSON always emits questionsToAsk as an array
func (r SpecResponse) MarshalJSON() ([]byte, error) {
	type alias SpecResponse
	out := alias(r)
	if out.QuestionsToAsk == nil {
		out.QuestionsToAsk = []Question{}
	}
	return json.Marshal(out)
}

// Clone returns an independent snapshot
func (r SpecResponse) Clone() SpecResponse {
	questions := make([]Question, len(r.QuestionsToAsk))
	copy(questions, r.QuestionsToAsk)
	return SpecResponse{
		SpecDraft:      r.SpecDraft.Clone(),
		QuestionsToAsk: questions,
	}
}

// QuestionIDs lists question ids in order
func (r SpecResponse) QuestionIDs() []string {
	ids := make([]string, 0, len(r.QuestionsToAsk))
	for _, q := range r.QuestionsToAsk {
		ids = append(ids, q.ID)
	}
	return ids
}

// FindQuestion looks up a question by id
func (r SpecResponse) FindQuestion(id string) (Question, bool) {
	for _, q := range r.QuestionsToAsk {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// NextQuestion returns the question the chat should ask next
func (r SpecResponse) NextQuestion() (Question, bool) {
	if len(r.QuestionsToAsk) == 0 {
		return Question{}, false
	}
	return r.QuestionsToAsk[0], true
}
