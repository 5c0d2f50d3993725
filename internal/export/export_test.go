package export

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

func sampleDraft() models.Draft {
	return models.Object(
		models.Field("context", models.String("Internal CRM for the sales team")),
		models.Field("goals", models.List("Reduce churn", "Track pipeline")),
		models.Field("technicalStack", models.Object(
			models.Field("frontend", models.List("React")),
			models.Field("backend", models.List()),
			models.Field("database", models.List("PostgreSQL")),
			models.Field("infrastructure", models.List()),
		)),
	)
}

func TestJSON(t *testing.T) {
	out, err := JSON(sampleDraft())
	require.NoError(t, err)

	expected := `{
  "context": "Internal CRM for the sales team",
  "goals": [
    "Reduce churn",
    "Track pipeline"
  ],
  "technicalStack": {
    "frontend": [
      "React"
    ],
    "backend": [],
    "database": [
      "PostgreSQL"
    ],
    "infrastructure": []
  }
}
`
	assert.Equal(t, expected, string(out))

	var back models.Draft
	require.NoError(t, json.Unmarshal(out, &back))
	assert.True(t, back.Equal(sampleDraft()))
	assert.NoError(t, spec.Default().ValidateDraft(back))
}

func TestMarkdown(t *testing.T) {
	expected := `# Project Specification

## Context

Internal CRM for the sales team

## Goals

- Reduce churn
- Track pipeline

## Technical stack

### Frontend

- React

### Backend

_Not specified_

### Database

- PostgreSQL

### Infrastructure

_Not specified_
`
	assert.Equal(t, expected, Markdown(sampleDraft(), ""))
}

func TestMarkdown_Title(t *testing.T) {
	out := Markdown(spec.Default().EmptyDraft(), "  Billing Revamp ")
	assert.Contains(t, out, "# Billing Revamp\n")
	assert.Contains(t, out, "## Context\n\n_Not specified_\n")
	assert.Contains(t, out, "## Goals\n\n_Not specified_\n")
}

func TestMarkdown_HeadingDepthIsCapped(t *testing.T) {
	deep := models.String("bottom")
	for _, key := range []string{"f", "e", "d", "c", "b", "a"} {
		deep = models.Object(models.Field(key, deep))
	}

	out := Markdown(deep, "Deep")
	assert.Contains(t, out, "##### D\n")
	assert.Contains(t, out, "###### E\n")
	assert.Contains(t, out, "###### F\n\nbottom\n")
	assert.NotContains(t, out, "#######")
}

func TestHumanize(t *testing.T) {
	tests := map[string]string{
		"context":                "Context",
		"technicalStack":         "Technical stack",
		"technical_stack":        "Technical stack",
		"sourceAndTargetSystems": "Source and target systems",
		"technicalStackMobile":   "Technical stack mobile",
		"APIGateway":             "API gateway",
		"":                       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Humanize(in), in)
	}
}
