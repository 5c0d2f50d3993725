package orchestration

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

func TestSynthesizer_RejectsEmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		input SynthesisInput
	}{
		{name: "empty_text", input: SynthesisInput{}},
		{name: "whitespace_text", input: SynthesisInput{Text: "  \n\t "}},
		{name: "empty_document", input: SynthesisInput{Document: &Document{Filename: "brief.pdf"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &MockGenerator{}
			_, err := NewSynthesizer(gen, 0).Synthesize(context.Background(), spec.Default(), tt.input)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.Equal(t, 0, gen.calls())
		})
	}
}

func TestSynthesizer_Synthesize(t *testing.T) {
	draft := defaultDraft("Internal reporting dashboard for finance", "Cut month-end close time")
	gen := &MockGenerator{responses: []string{responseJSON(t, draft,
		models.Question{ID: "q-context-3", Category: "context", Question: "Who are the primary users of the dashboard?"},
		models.Question{ID: "q-context-4", Category: "context", Question: "Which systems must it integrate with?"},
		models.Question{ID: "q-context-5", Category: "context", Question: "What data residency constraints apply?"},
		models.Question{ID: "q-goals-2", Category: "goals", Question: "Please clarify your goals."},
		models.Question{ID: "q-budget-1", Category: "budget", Question: "What is the budget?"},
		models.Question{ID: "q-goals-7", Category: "goals", Question: "Which KPI defines success for the MVP?"},
	)}}

	result, err := NewSynthesizer(gen, 2).Synthesize(context.Background(), spec.Default(),
		SynthesisInput{Text: "We need a reporting dashboard for finance."})
	require.NoError(t, err)

	assert.True(t, result.Response.SpecDraft.Equal(draft))
	assert.Equal(t, []string{"q-context-1", "q-context-2", "q-goals-1"}, result.Response.QuestionIDs())
	assert.Equal(t, "Who are the primary users of the dashboard?", result.Response.QuestionsToAsk[0].Question)
	assert.Len(t, result.Dropped, 3)

	require.Equal(t, 1, gen.calls())
	req := gen.requests[0]
	assert.Equal(t, "synthesize", req.Operation)
	assert.Equal(t, schemaName, req.SchemaName)
	assert.Nil(t, req.Document)
	assert.Contains(t, req.SystemInstructions, "Add up to 2 questions per category")
	assert.Contains(t, req.SystemInstructions, "Do NOT invent facts")
	assert.Contains(t, req.UserPayload, "We need a reporting dashboard for finance.")
	assert.Contains(t, req.UserPayload, `"mustHave"`)
	assert.NotNil(t, req.Schema["properties"])
}

func TestSynthesizer_Document(t *testing.T) {
	gen := &MockGenerator{responses: []string{responseJSON(t, defaultDraft(""))}}
	doc := &Document{Filename: "brief.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}

	result, err := NewSynthesizer(gen, 0).Synthesize(context.Background(), spec.Default(), SynthesisInput{Document: doc})
	require.NoError(t, err)

	assert.Empty(t, result.Response.QuestionsToAsk)
	require.Equal(t, 1, gen.calls())
	assert.Same(t, doc, gen.requests[0].Document)
	assert.Contains(t, gen.requests[0].UserPayload, "brief.pdf")
	assert.Contains(t, gen.requests[0].SystemInstructions, fmt.Sprintf("Add up to %d questions", DefaultQuestionQuota))
}

func TestSynthesizer_Failures(t *testing.T) {
	tests := []struct {
		name     string
		gen      *MockGenerator
		expected error
	}{
		{
			name:     "unparseable_output",
			gen:      &MockGenerator{responses: []string{"Sure! Here is the draft."}},
			expected: ErrSchemaViolation,
		},
		{
			name:     "empty_output",
			gen:      &MockGenerator{responses: []string{""}},
			expected: ErrSchemaViolation,
		},
		{
			name:     "draft_missing_field",
			gen:      &MockGenerator{responses: []string{`{"specDraft":{"context":"","goals":[]},"questionsToAsk":[]}`}},
			expected: ErrSchemaViolation,
		},
		{
			name:     "boundary_down",
			gen:      &MockGenerator{err: fmt.Errorf("%w: dial tcp: connection refused", ErrBoundaryUnavailable)},
			expected: ErrBoundaryUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthesizer(tt.gen, 0).Synthesize(context.Background(), spec.Default(), SynthesisInput{Text: "a CRM"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expected))
		})
	}
}

func TestSynthesizer_QuestionIDsAreUniqueForEveryTemplate(t *testing.T) {
	for _, name := range spec.Names() {
		t.Run(string(name), func(t *testing.T) {
			tmpl, err := spec.Lookup(string(name))
			require.NoError(t, err)

			var questions []models.Question
			for _, c := range tmpl.Categories() {
				questions = append(questions,
					models.Question{ID: spec.FormatID(c, 1), Category: c, Question: "Which owner signs off " + c + "?"},
					models.Question{ID: spec.FormatID(c, 1), Category: c, Question: "Which deadline applies to " + c + "?"},
				)
			}
			gen := &MockGenerator{responses: []string{responseJSON(t, tmpl.EmptyDraft(), questions...)}}

			result, err := NewSynthesizer(gen, 2).Synthesize(context.Background(), tmpl, SynthesisInput{Text: "an app"})
			require.NoError(t, err)

			ids := result.Response.QuestionIDs()
			assert.True(t, spec.AssertUnique(ids))
			for _, q := range result.Response.QuestionsToAsk {
				assert.True(t, spec.ValidateID(q.ID, q.Category), q.ID)
			}
		})
	}
}
