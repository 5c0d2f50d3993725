//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/chat"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
	"github.com/bizmatters/agent-builder/spec-drafter/tests/helpers"
)

type stubDrafter struct {
	resp models.SpecResponse
}

func (d stubDrafter) Synthesize(ctx context.Context, tmpl *spec.Template, in orchestration.SynthesisInput) (models.SpecResponse, error) {
	return d.resp.Clone(), nil
}

func (d stubDrafter) Refine(ctx context.Context, tmpl *spec.Template, current models.SpecResponse, answered models.AnsweredQuestion) (models.SpecResponse, error) {
	out := current.Clone()
	out.QuestionsToAsk = out.QuestionsToAsk[1:]
	out.SpecDraft = out.SpecDraft.With("context", models.String(answered.Answer))
	return out, nil
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db := helpers.NewTestDatabase(t)
	store := session.NewPostgresStore(db.Pool)
	ctx := context.Background()

	id, key := db.SessionKey("roundtrip")

	_, err := store.Load(ctx, key)
	assert.True(t, errors.Is(err, session.ErrNotFound))

	migration, err := spec.Lookup("migration")
	require.NoError(t, err)
	snap := session.Snapshot{
		SessionID: id,
		Owner:     "user-1",
		Template:  migration.Name,
		Response: models.SpecResponse{
			SpecDraft:      migration.EmptyDraft().With("migrationContext", models.String("Legacy billing")),
			QuestionsToAsk: []models.Question{{ID: "q-migrationStrategy-1", Category: "migrationStrategy", Question: "Big bang or phased?"}},
		},
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Save(ctx, key, snap))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snap.Owner, loaded.Owner)
	assert.Equal(t, snap.Template, loaded.Template)
	assert.True(t, snap.Response.SpecDraft.Equal(loaded.Response.SpecDraft))
	assert.Equal(t, migration.Categories(), loaded.Response.SpecDraft.Keys())
	assert.Equal(t, snap.Response.QuestionsToAsk, loaded.Response.QuestionsToAsk)

	snap.Response.QuestionsToAsk = nil
	require.NoError(t, store.Save(ctx, key, snap))
	loaded, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, loaded.Response.QuestionsToAsk)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Load(ctx, key)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestManager_RehydratesFromPostgres(t *testing.T) {
	db := helpers.NewTestDatabase(t)
	store := session.NewPostgresStore(db.Pool)
	ctx := context.Background()

	id, _ := db.SessionKey("rehydrate")
	drafter := stubDrafter{resp: models.SpecResponse{
		SpecDraft: spec.Default().EmptyDraft(),
		QuestionsToAsk: []models.Question{
			{ID: "q-context-1", Category: "context", Question: "Who are the users?"},
			{ID: "q-goals-1", Category: "goals", Question: "Which KPI defines success?"},
		},
	}}

	first := session.NewManager(drafter, store, session.WithSessionIDs(func() string { return id }))
	_, err := first.Create(ctx, "user-1", "", orchestration.SynthesisInput{Text: "A CRM"})
	require.NoError(t, err)
	_, err = first.Answer(ctx, "user-1", id, "Sales analysts")
	require.NoError(t, err)

	restarted := session.NewManager(drafter, store)
	view, err := restarted.Get(ctx, "user-1", id)
	require.NoError(t, err)

	assert.Equal(t, chat.StateAwaitingAnswer, view.State)
	require.NotNil(t, view.CurrentQuestion)
	assert.Equal(t, "q-goals-1", view.CurrentQuestion.ID)
	assert.Len(t, view.Messages, 1)
	contextField, _ := view.Response.SpecDraft.Get("context")
	assert.Equal(t, "Sales analysts", contextField.Text)

	_, err = restarted.Get(ctx, "user-2", id)
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))
}
