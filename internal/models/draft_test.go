package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraft_UnmarshalPreservesOrder(t *testing.T) {
	raw := `{"goals":["ship"],"context":"ctx","technicalStack":{"frontend":[],"backend":["go"]}}`

	var d Draft
	require.NoError(t, json.Unmarshal([]byte(raw), &d))

	assert.Equal(t, KindObject, d.Kind)
	assert.Equal(t, []string{"goals", "context", "technicalStack"}, d.Keys())

	stack, ok := d.Get("technicalStack")
	require.True(t, ok)
	assert.Equal(t, []string{"frontend", "backend"}, stack.Keys())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
	assert.Equal(t, raw, string(out))
}

func TestDraft_UnmarshalRejectsUnsupportedShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "number", raw: `{"context": 12}`},
		{name: "bool", raw: `{"context": true}`},
		{name: "object_in_list", raw: `{"goals": [{"a": "b"}]}`},
		{name: "number_in_list", raw: `{"goals": ["a", 1]}`},
		{name: "duplicate_key", raw: `{"context": "a", "context": "b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Draft
			assert.Error(t, json.Unmarshal([]byte(tt.raw), &d))
		})
	}
}

func TestDraft_MarshalEmptyValues(t *testing.T) {
	d := Object(
		Field("context", String("")),
		Field("goals", List()),
		Field("missing", Draft{}),
	)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `{"context":"","goals":[],"missing":null}`, string(out))
}

func TestDraft_CloneIsIndependent(t *testing.T) {
	original := Object(Field("goals", List("a", "b")))
	clone := original.Clone()

	clone.Members[0].Value.Items[0] = "changed"

	goals, _ := original.Get("goals")
	assert.Equal(t, []string{"a", "b"}, goals.Items)
	assert.False(t, original.Equal(clone))
}

func TestDraft_With(t *testing.T) {
	d := Object(Field("context", String("")), Field("goals", List()))

	updated := d.With("context", String("internal analysts"))
	appended := d.With("extra", List("x"))

	ctx, _ := d.Get("context")
	assert.Equal(t, "", ctx.Text, "With must not mutate the receiver")

	ctx, _ = updated.Get("context")
	assert.Equal(t, "internal analysts", ctx.Text)
	assert.Equal(t, []string{"context", "goals"}, updated.Keys())
	assert.Equal(t, []string{"context", "goals", "extra"}, appended.Keys())
}

func TestDraft_IsEmpty(t *testing.T) {
	assert.True(t, Draft{}.IsEmpty())
	assert.True(t, String("").IsEmpty())
	assert.True(t, List().IsEmpty())
	assert.True(t, Object(Field("a", List()), Field("b", String(""))).IsEmpty())
	assert.False(t, Object(Field("a", List("x"))).IsEmpty())
	assert.False(t, String("x").IsEmpty())
}

func TestSpecResponse_MarshalNilQuestions(t *testing.T) {
	out, err := json.Marshal(SpecResponse{SpecDraft: Object(Field("context", String("")))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"specDraft":{"context":""},"questionsToAsk":[]}`, string(out))
}

func TestSpecResponse_Lookup(t *testing.T) {
	resp := SpecResponse{
		QuestionsToAsk: []Question{
			{ID: "q-context-1", Category: "context", Question: "Who are the users?"},
			{ID: "q-goals-1", Category: "goals", Question: "What is the KPI?"},
		},
	}

	q, ok := resp.FindQuestion("q-goals-1")
	require.True(t, ok)
	assert.Equal(t, "What is the KPI?", q.Question)

	_, ok = resp.FindQuestion("q-goals-9")
	assert.False(t, ok)

	next, ok := resp.NextQuestion()
	require.True(t, ok)
	assert.Equal(t, "q-context-1", next.ID)
	assert.Equal(t, []string{"q-context-1", "q-goals-1"}, resp.QuestionIDs())
}
