package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecMetrics_Creation(t *testing.T) {
	t.Run("successfully create spec metrics", func(t *testing.T) {
		metrics, err := NewSpecMetrics()
		require.NoError(t, err)
		assert.NotNil(t, metrics)
		assert.NotNil(t, metrics.synthesisCounter)
		assert.NotNil(t, metrics.synthesisDuration)
		assert.NotNil(t, metrics.refineCounter)
		assert.NotNil(t, metrics.refineDuration)
		assert.NotNil(t, metrics.refinesActiveGauge)
		assert.NotNil(t, metrics.droppedCounter)
	})
}

func TestSpecMetrics_RecordSynthesis(t *testing.T) {
	metrics, err := NewSpecMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("record text synthesis", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordSynthesis(ctx, "default", "text", OutcomeSuccess, 2*time.Second)
		})
	})

	t.Run("record failed document synthesis", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordSynthesis(ctx, "mobile", "document", OutcomeSchemaViolation, 500*time.Millisecond)
		})
	})
}

func TestSpecMetrics_RecordRefine(t *testing.T) {
	metrics, err := NewSpecMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("record refine lifecycle", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordRefineStarted(ctx, "default")
			metrics.RecordRefineFinished(ctx, "default", OutcomeSuccess, 3*time.Second)
		})
	})

	t.Run("record multiple failed refines", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			metrics.RecordRefineStarted(ctx, "migration")
			metrics.RecordRefineFinished(ctx, "migration", OutcomeBoundaryFailure, time.Duration(i)*time.Second)
		}
	})
}

func TestSpecMetrics_RecordQuestionDropped(t *testing.T) {
	metrics, err := NewSpecMetrics()
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		metrics.RecordQuestionDropped(context.Background(), "default", "synthesize", "generic_question")
		metrics.RecordQuestionDropped(context.Background(), "default", "refine", "not_in_input")
	})
}
