package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// schemaName is the json_schema format name sent with every request
const schemaName = "spec_draft"

const analystRole = "You are a senior Business Analyst in a software development team. "

func synthesisInstructions(quota int) string {
	return analystRole +
		"You will receive raw project requirements, either as text or as an attached document. " +
		"Extract ONLY facts directly supported by the input into specDraft. " +
		"Do NOT invent facts. If unknown: strings='', arrays=[]. " +
		"Generate questionsToAsk based on category guidelines and missing/ambiguous info. " +
		"Rules for questionsToAsk: " +
		"(1) Ask only questions that are NOT answered in the input. " +
		"(2) Questions must be specific and actionable (no generic 'please clarify'). " +
		"(3) Ensure IDs are unique and follow q-<category>-<number>, numbering starts at 1 per category. " +
		fmt.Sprintf("(4) Add up to %d questions per category IF there are meaningful gaps; otherwise 0 for that category.", quota)
}

func mergeInstructions() string {
	return analystRole +
		"You will receive a previously generated JSON that matches the schema, plus a single answer to one of its questions. " +
		"Update ONLY the specDraft fields the answer supports; every other field must stay exactly as it is. " +
		"Do NOT invent facts and do NOT remove facts already present. " +
		"Delete the question whose id equals the answered id from questionsToAsk. " +
		"Add zero new questions. " +
		"Keep the ids and wording of the remaining questions unchanged."
}

const synthesisOutput = "\n\nOutput requirements:\n" +
	"- Return ONLY valid JSON matching the schema.\n" +
	"- For missing/unclear items, leave specDraft fields empty and generate questionsToAsk.\n"

const mergeOutput = "\n\nOutput requirements:\n" +
	"- Return ONLY valid JSON matching the schema.\n" +
	"- Do not add questions; questionsToAsk is the input list minus the answered id.\n" +
	"- Leave fields the answer does not address exactly as they are.\n"

func synthesisPayload(in SynthesisInput, guidelines []spec.CategoryGuideline) (string, error) {
	g, err := json.Marshal(guidelines)
	if err != nil {
		return "", fmt.Errorf("failed to marshal guidelines: %w", err)
	}

	var b strings.Builder
	if in.Document != nil {
		b.WriteString("Requirements document (attached): ")
		b.WriteString(in.Document.name())
	} else {
		b.WriteString("Requirements text:\n")
		b.WriteString(in.Text)
	}
	b.WriteString("\n\nCategory guidelines for generating questions (shortDescription + mustHave checklist):\n")
	b.Write(g)
	b.WriteString(synthesisOutput)
	return b.String(), nil
}

// answeredContext is the answered question as shown to the boundary
type answeredContext struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type mergeDocument struct {
	SpecDraft        models.Draft      `json:"specDraft"`
	QuestionsToAsk   []models.Question `json:"questionsToAsk"`
	AnsweredQuestion answeredContext   `json:"answeredQuestion"`
}

func mergePayload(current models.SpecResponse, q models.Question, answer string, guidelines []spec.CategoryGuideline) (string, error) {
	questions := current.QuestionsToAsk
	if questions == nil {
		questions = []models.Question{}
	}
	doc, err := json.Marshal(mergeDocument{
		SpecDraft:      current.SpecDraft,
		QuestionsToAsk: questions,
		AnsweredQuestion: answeredContext{
			ID:       q.ID,
			Category: q.Category,
			Question: q.Question,
			Answer:   answer,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal current response: %w", err)
	}
	g, err := json.Marshal(guidelines)
	if err != nil {
		return "", fmt.Errorf("failed to marshal guidelines: %w", err)
	}

	var b strings.Builder
	b.WriteString("Previously generated JSON (schema-compliant) with answered question:\n")
	b.Write(doc)
	b.WriteString("\n\nCategory guidelines (shortDescription + mustHave checklist):\n")
	b.Write(g)
	b.WriteString(mergeOutput)
	return b.String(), nil
}
