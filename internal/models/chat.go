package models

import (
	"time"
)

// Sender identifies who authored a chat message
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Sentinel question ids for system generated messages
const (
	LoadingQuestionID = "loading-question"
	NoMoreQuestionsID = "no-more-questions"
)

// Fixed texts of system generated messages
const (
	LoadingContent    = "Loading next question..."
	CompletionContent = "That was the last question. You have completed the analysis."
)

// ChatMessage is one entry of the session's interaction ledger
type ChatMessage struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"questionId"`
	Content    string    `json:"content"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsLoading reports whether the message is the transient loading sentinel
func (m ChatMessage) IsLoading() bool {
	return m.ID == LoadingQuestionID
}
