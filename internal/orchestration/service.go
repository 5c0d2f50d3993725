package orchestration

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/metrics"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// ServiceConfig holds the synthesis and merge policy
type ServiceConfig struct {
	QuestionQuota int
	Merge         MergeOptions
}

// Service runs synthesis and refinement against the generation boundary
// and records metrics for both
type Service struct {
	generator   Generator
	synthesizer *Synthesizer
	merger      *Merger
	metrics     *metrics.SpecMetrics
}

// NewService creates a new orchestration service. specMetrics may be nil.
func NewService(generator Generator, specMetrics *metrics.SpecMetrics, cfg ServiceConfig) *Service {
	mergeOpts := cfg.Merge
	if mergeOpts.Quota <= 0 {
		mergeOpts.Quota = cfg.QuestionQuota
	}
	return &Service{
		generator:   generator,
		synthesizer: NewSynthesizer(generator, cfg.QuestionQuota),
		merger:      NewMerger(generator, mergeOpts),
		metrics:     specMetrics,
	}
}

// Synthesize builds the initial SpecResponse for tmpl from raw input
func (s *Service) Synthesize(ctx context.Context, tmpl *spec.Template, in SynthesisInput) (models.SpecResponse, error) {
	start := time.Now()
	result, err := s.synthesizer.Synthesize(ctx, tmpl, in)

	if s.metrics != nil {
		s.metrics.RecordSynthesis(ctx, string(tmpl.Name), in.Source(), outcomeOf(err), time.Since(start))
		s.recordDropped(ctx, tmpl, "synthesize", result.Dropped)
	}
	if err != nil {
		log.Printf(`{"level":"error","message":"synthesis failed","template":"%s","source":"%s","error":%q}`, tmpl.Name, in.Source(), err.Error())
		return models.SpecResponse{}, err
	}
	return result.Response, nil
}

// Refine merges one answer into current. An unknown question id is a no-op
// that returns a copy of current without error.
func (s *Service) Refine(ctx context.Context, tmpl *spec.Template, current models.SpecResponse, answered models.AnsweredQuestion) (models.SpecResponse, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RecordRefineStarted(ctx, string(tmpl.Name))
	}

	result, err := s.merger.Merge(ctx, tmpl, current, answered)

	if s.metrics != nil {
		s.metrics.RecordRefineFinished(ctx, string(tmpl.Name), outcomeOf(err), time.Since(start))
		s.recordDropped(ctx, tmpl, "refine", result.Dropped)
	}
	if errors.Is(err, ErrUnknownQuestionID) {
		return result.Response, nil
	}
	if err != nil {
		log.Printf(`{"level":"error","message":"refine failed","template":"%s","question_id":%q,"error":%q}`, tmpl.Name, answered.ID, err.Error())
		return models.SpecResponse{}, err
	}
	return result.Response, nil
}

// IsHealthy reports whether the generation boundary can take requests
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.generator.IsHealthy(ctx)
}

func (s *Service) recordDropped(ctx context.Context, tmpl *spec.Template, operation string, dropped []spec.Dropped) {
	for _, d := range dropped {
		s.metrics.RecordQuestionDropped(ctx, string(tmpl.Name), operation, string(d.Reason))
	}
}

func outcomeOf(err error) metrics.Outcome {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrInvalidInput):
		return metrics.OutcomeInvalidInput
	case errors.Is(err, ErrSchemaViolation):
		return metrics.OutcomeSchemaViolation
	case errors.Is(err, ErrBoundaryUnavailable):
		return metrics.OutcomeBoundaryFailure
	case errors.Is(err, ErrUnknownQuestionID):
		return metrics.OutcomeUnknownQuestion
	default:
		return metrics.OutcomeUnclassifiedFailed
	}
}
