package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

// MockGenerator implements Generator with scripted responses
type MockGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	healthy   bool
	requests  []GenerationRequest
}

func (m *MockGenerator) Generate(ctx context.Context, req GenerationRequest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	out := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return []byte(out), nil
}

func (m *MockGenerator) IsHealthy(ctx context.Context) bool {
	return m.healthy
}

func (m *MockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func defaultDraft(context string, goals ...string) models.Draft {
	return models.Object(
		models.Field("context", models.String(context)),
		models.Field("goals", models.List(goals...)),
		models.Field("technicalStack", models.Object(
			models.Field("frontend", models.List()),
			models.Field("backend", models.List()),
			models.Field("database", models.List()),
			models.Field("infrastructure", models.List()),
		)),
	)
}

func responseJSON(t *testing.T, draft models.Draft, questions ...models.Question) string {
	t.Helper()
	out, err := json.Marshal(models.SpecResponse{SpecDraft: draft, QuestionsToAsk: questions})
	require.NoError(t, err)
	return string(out)
}
