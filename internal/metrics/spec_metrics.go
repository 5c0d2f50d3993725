package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("spec-drafter-metrics")

// Outcome labels a finished synthesis or refine call
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeInvalidInput       Outcome = "invalid_input"
	OutcomeSchemaViolation    Outcome = "schema_violation"
	OutcomeBoundaryFailure    Outcome = "boundary_unavailable"
	OutcomeUnknownQuestion    Outcome = "unknown_question"
	OutcomeUnclassifiedFailed Outcome = "failed"
)

// SpecMetrics provides metrics collection for draft synthesis and refinement
type SpecMetrics struct {
	synthesisCounter   metric.Int64Counter
	synthesisDuration  metric.Float64Histogram
	refineCounter      metric.Int64Counter
	refineDuration     metric.Float64Histogram
	refinesActiveGauge metric.Int64UpDownCounter
	droppedCounter     metric.Int64Counter
}

// NewSpecMetrics creates a new spec metrics collector
func NewSpecMetrics() (*SpecMetrics, error) {
	synthesisCounter, err := meter.Int64Counter(
		"spec_drafter.synthesis.total",
		metric.WithDescription("Total number of draft synthesis calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	synthesisDuration, err := meter.Float64Histogram(
		"spec_drafter.synthesis.duration",
		metric.WithDescription("Duration of draft synthesis in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	refineCounter, err := meter.Int64Counter(
		"spec_drafter.refine.total",
		metric.WithDescription("Total number of answer merge calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	refineDuration, err := meter.Float64Histogram(
		"spec_drafter.refine.duration",
		metric.WithDescription("Duration of answer merges in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	refinesActiveGauge, err := meter.Int64UpDownCounter(
		"spec_drafter.refine.active",
		metric.WithDescription("Number of answer merges currently in flight"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	droppedCounter, err := meter.Int64Counter(
		"spec_drafter.questions.dropped",
		metric.WithDescription("Generated questions rejected by the question ledger"),
		metric.WithUnit("{question}"),
	)
	if err != nil {
		return nil, err
	}

	return &SpecMetrics{
		synthesisCounter:   synthesisCounter,
		synthesisDuration:  synthesisDuration,
		refineCounter:      refineCounter,
		refineDuration:     refineDuration,
		refinesActiveGauge: refinesActiveGauge,
		droppedCounter:     droppedCounter,
	}, nil
}

// RecordSynthesis records one finished synthesis call
func (sm *SpecMetrics) RecordSynthesis(ctx context.Context, template, source string, outcome Outcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("template", template),
		attribute.String("source", source),
		attribute.String("outcome", string(outcome)),
	)
	sm.synthesisCounter.Add(ctx, 1, attrs)
	sm.synthesisDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRefineStarted marks a merge as in flight
func (sm *SpecMetrics) RecordRefineStarted(ctx context.Context, template string) {
	sm.refinesActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("template", template),
		),
	)
}

// RecordRefineFinished records a finished merge and releases the in-flight slot
func (sm *SpecMetrics) RecordRefineFinished(ctx context.Context, template string, outcome Outcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("template", template),
		attribute.String("outcome", string(outcome)),
	)
	sm.refineCounter.Add(ctx, 1, attrs)
	sm.refineDuration.Record(ctx, duration.Seconds(), attrs)
	sm.refinesActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("template", template),
		),
	)
}

// RecordQuestionDropped counts one question rejected by the ledger
func (sm *SpecMetrics) RecordQuestionDropped(ctx context.Context, template, operation, reason string) {
	sm.droppedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("template", template),
			attribute.String("operation", operation),
			attribute.String("reason", reason),
		),
	)
}
