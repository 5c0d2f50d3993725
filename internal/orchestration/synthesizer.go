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

// DefaultQuestionQuota caps generated questions per category
const DefaultQuestionQuota = 2

const defaultDocumentName = "document.pdf"

// Document is an opaque uploaded requirements document
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (d *Document) name() string {
	if n := strings.TrimSpace(d.Filename); n != "" {
		return n
	}
	return defaultDocumentName
}

func (d *Document) contentType() string {
	ct := strings.TrimSpace(d.ContentType)
	if ct == "" || ct == "application/octet-stream" {
		return defaultDocumentType
	}
	return ct
}

// SynthesisInput is either requirements text or a document
type SynthesisInput struct {
	Text     string
	Document *Document
}

// Source labels the input variant for traces and metrics
func (in SynthesisInput) Source() string {
	if in.Document != nil {
		return "document"
	}
	return "text"
}

func (in SynthesisInput) validate() error {
	if in.Document != nil {
		if len(in.Document.Data) == 0 {
			return fmt.Errorf("%w: document is empty", ErrInvalidInput)
		}
		return nil
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: requirements text is empty", ErrInvalidInput)
	}
	return nil
}

// Result is a validated response plus the questions the ledger rejected
type Result struct {
	Response models.SpecResponse
	Dropped  []spec.Dropped
}

// Synthesizer turns raw input into an initial draft and question list
type Synthesizer struct {
	generator Generator
	quota     int
	tracer    trace.Tracer
}

// NewSynthesizer creates a synthesizer. A non-positive quota falls back to DefaultQuestionQuota.
func NewSynthesizer(generator Generator, quota int) *Synthesizer {
	if quota <= 0 {
		quota = DefaultQuestionQuota
	}
	return &Synthesizer{
		generator: generator,
		quota:     quota,
		tracer:    otel.Tracer("draft-synthesizer"),
	}
}

// Synthesize produces the first SpecResponse for a session
func (s *Synthesizer) Synthesize(ctx context.Context, tmpl *spec.Template, in SynthesisInput) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "synthesizer.synthesize")
	defer span.End()

	span.SetAttributes(
		attribute.String("template", string(tmpl.Name)),
		attribute.String("source", in.Source()),
	)

	if err := in.validate(); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	payload, err := synthesisPayload(in, tmpl.Guidelines)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	raw, err := s.generator.Generate(ctx, GenerationRequest{
		Operation:          "synthesize",
		SystemInstructions: synthesisInstructions(s.quota),
		UserPayload:        payload,
		SchemaName:         schemaName,
		Schema:             tmpl.JSONSchema(),
		Document:           in.Document,
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	resp, err := tmpl.DecodeResponse(raw)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	kept, dropped := tmpl.Sanitize(resp.QuestionsToAsk, s.quota)
	logDropped("synthesize", tmpl.Name, dropped)
	resp.QuestionsToAsk = renumber(kept)

	span.SetAttributes(
		attribute.Int("questions", len(resp.QuestionsToAsk)),
		attribute.Int("questions_dropped", len(dropped)),
	)
	return Result{Response: resp, Dropped: dropped}, nil
}

// renumber assigns q-<category>-1..n in order of appearance
func renumber(questions []models.Question) []models.Question {
	next := make(map[string]int)
	out := make([]models.Question, 0, len(questions))
	for _, q := range questions {
		next[q.Category]++
		q.ID = spec.FormatID(q.Category, next[q.Category])
		out = append(out, q)
	}
	return out
}

func logDropped(operation string, template spec.TemplateName, dropped []spec.Dropped) {
	for _, d := range dropped {
		log.Printf(`{"level":"warn","message":"dropped generated question","operation":"%s","template":"%s","question_id":%q,"category":%q,"reason":"%s"}`,
			operation, template, d.Question.ID, d.Question.Category, d.Reason)
	}
}
