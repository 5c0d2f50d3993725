package orchestration

import (
	"context"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// MergeOptions tunes how much of the boundary output the merger accepts
type MergeOptions struct {
	// Strict drops every question id the input did not already carry
	Strict bool
	// AllowCrossCategoryUpdates lets an answer change sections other than
	// the answered question's category
	AllowCrossCategoryUpdates bool
	// Quota caps questions per category when Strict is off
	Quota int
}

// DefaultMergeOptions returns strict, category-scoped merging
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{Strict: true, Quota: DefaultQuestionQuota}
}

// Merger folds one answer into a SpecResponse. The boundary output is
// untrusted: removal, question stability and draft scope are enforced here.
type Merger struct {
	generator Generator
	opts      MergeOptions
	tracer    trace.Tracer
}

// NewMerger creates an answer merger
func NewMerger(generator Generator, opts MergeOptions) *Merger {
	if opts.Quota <= 0 {
		opts.Quota = DefaultQuestionQuota
	}
	return &Merger{
		generator: generator,
		opts:      opts,
		tracer:    otel.Tracer("answer-merger"),
	}
}

// Merge returns a new SpecResponse with the answer applied and the answered
// question removed. An id missing from current yields a copy of current
// together with ErrUnknownQuestionID, without calling the boundary.
func (m *Merger) Merge(ctx context.Context, tmpl *spec.Template, current models.SpecResponse, answered models.AnsweredQuestion) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "merger.merge")
	defer span.End()

	id := strings.TrimSpace(answered.ID)
	answer := strings.TrimSpace(answered.Answer)
	span.SetAttributes(
		attribute.String("template", string(tmpl.Name)),
		attribute.String("question_id", id),
		attribute.Bool("strict", m.opts.Strict),
	)

	if answer == "" {
		err := fmt.Errorf("%w: answer is empty", ErrInvalidInput)
		span.RecordError(err)
		return Result{}, err
	}

	draft, err := tmpl.ConformDraft(current.SpecDraft)
	if err != nil {
		err = fmt.Errorf("%w: current draft: %v", ErrInvalidInput, err)
		span.RecordError(err)
		return Result{}, err
	}

	question, ok := current.FindQuestion(id)
	if !ok {
		log.Printf(`{"level":"warn","message":"answer for unknown question ignored","template":"%s","question_id":%q}`, tmpl.Name, id)
		span.SetAttributes(attribute.Bool("no_op", true))
		return Result{Response: current.Clone()}, fmt.Errorf("%w: %q", ErrUnknownQuestionID, id)
	}

	input := models.SpecResponse{SpecDraft: draft, QuestionsToAsk: current.QuestionsToAsk}
	payload, err := mergePayload(input, question, answer, tmpl.Guidelines)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	raw, err := m.generator.Generate(ctx, GenerationRequest{
		Operation:          "refine",
		SystemInstructions: mergeInstructions(),
		UserPayload:        payload,
		SchemaName:         schemaName,
		Schema:             tmpl.JSONSchema(),
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	out, err := tmpl.DecodeResponse(raw)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	merged, changed := m.scopeDraft(draft, out.SpecDraft, question.Category)
	questions, dropped := m.reconcileQuestions(tmpl, current.QuestionsToAsk, out.QuestionsToAsk, id)
	logDropped("refine", tmpl.Name, dropped)

	span.SetAttributes(
		attribute.Int("questions", len(questions)),
		attribute.Int("questions_dropped", len(dropped)),
		attribute.Bool("draft_changed", len(changed) > 0),
	)
	return Result{
		Response: models.SpecResponse{SpecDraft: merged, QuestionsToAsk: questions},
		Dropped:  dropped,
	}, nil
}

// scopeDraft keeps every section outside the answered category as it was
// and restores facts the boundary blanked. Both drafts are in template order.
// It returns the merged draft and the set of top-level sections that changed.
func (m *Merger) scopeDraft(input, output models.Draft, category string) (models.Draft, map[string]bool) {
	changed := make(map[string]bool)
	members := make([]models.Member, 0, len(input.Members))
	for _, in := range input.Members {
		value := in.Value.Clone()
		if m.opts.AllowCrossCategoryUpdates || in.Key == category {
			if out, ok := output.Get(in.Key); ok {
				value = keepFacts(in.Value, out)
			}
		}
		if !value.Equal(in.Value) {
			changed[in.Key] = true
		}
		members = append(members, models.Field(in.Key, value))
	}
	return models.Object(members...), changed
}

// keepFacts takes out, except where out is empty and in was not
func keepFacts(in, out models.Draft) models.Draft {
	if in.Kind == models.KindObject {
		members := make([]models.Member, 0, len(in.Members))
		for _, child := range in.Members {
			value := child.Value.Clone()
			if o, ok := out.Get(child.Key); ok {
				value = keepFacts(child.Value, o)
			}
			members = append(members, models.Field(child.Key, value))
		}
		return models.Object(members...)
	}
	if out.IsEmpty() && !in.IsEmpty() {
		return in.Clone()
	}
	return out.Clone()
}

// reconcileQuestions rebuilds the question list from the input. Every input
// question except the answered one survives with its wording and order,
// whatever the boundary returned.
func (m *Merger) reconcileQuestions(tmpl *spec.Template, input, output []models.Question, answeredID string) ([]models.Question, []spec.Dropped) {
	var dropped []spec.Dropped

	inputIDs := make(map[string]bool, len(input))
	for _, q := range input {
		inputIDs[q.ID] = true
	}

	var fresh []models.Question
	for _, q := range output {
		switch {
		case q.ID == answeredID:
			dropped = append(dropped, spec.Dropped{Question: q, Reason: spec.DropAnswered})
		case inputIDs[q.ID]:
			// kept from input below
		case m.opts.Strict:
			dropped = append(dropped, spec.Dropped{Question: q, Reason: spec.DropNotInInput})
		default:
			fresh = append(fresh, q)
		}
	}

	kept := make([]models.Question, 0, len(input))
	used := map[string]bool{answeredID: true}
	for _, q := range input {
		if q.ID == answeredID || used[q.ID] {
			continue
		}
		used[q.ID] = true
		kept = append(kept, q)
	}

	for _, q := range fresh {
		admitted, reason, ok := m.admitNew(tmpl, q, kept, used)
		if !ok {
			dropped = append(dropped, spec.Dropped{Question: q, Reason: reason})
			continue
		}
		used[admitted.ID] = true
		kept = append(kept, admitted)
	}

	return kept, dropped
}

// admitNew validates a net-new question in non-strict mode, renumbering
// malformed or colliding ids
func (m *Merger) admitNew(tmpl *spec.Template, q models.Question, kept []models.Question, used map[string]bool) (models.Question, spec.DropReason, bool) {
	switch {
	case !tmpl.HasCategory(q.Category):
		return q, spec.DropUnknownCategory, false
	case strings.TrimSpace(q.Question) == "":
		return q, spec.DropEmptyQuestion, false
	case spec.IsGeneric(q.Question):
		return q, spec.DropGenericQuestion, false
	}

	count := 0
	for _, k := range kept {
		if k.Category == q.Category {
			count++
		}
	}
	if count >= m.opts.Quota {
		return q, spec.DropQuotaExceeded, false
	}

	if !spec.ValidateID(q.ID, q.Category) || used[q.ID] {
		ids := make([]string, 0, len(used))
		for id := range used {
			ids = append(ids, id)
		}
		q.ID = spec.FormatID(q.Category, spec.NextNumber(ids, q.Category))
	}
	return q, "", true
}
