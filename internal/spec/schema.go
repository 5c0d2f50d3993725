package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

// ConformDraft validates d against the template and returns a copy with
// members in template order. Missing fields, extra fields, nulls and kind
// mismatches are schema violations.
func (t *Template) ConformDraft(d models.Draft) (models.Draft, error) {
	out, err := conformObject("specDraft", t.Fields, d)
	if err != nil {
		return models.Draft{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return out, nil
}

// ValidateDraft reports whether d conforms to the template
func (t *Template) ValidateDraft(d models.Draft) error {
	_, err := t.ConformDraft(d)
	return err
}

func conformObject(path string, fields []FieldSpec, d models.Draft) (models.Draft, error) {
	if d.Kind != models.KindObject {
		return models.Draft{}, fmt.Errorf("%s must be an object", path)
	}

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
	}
	for _, m := range d.Members {
		if !declared[m.Key] {
			return models.Draft{}, fmt.Errorf("%s has undeclared field %q", path, m.Key)
		}
	}

	members := make([]models.Member, 0, len(fields))
	for _, f := range fields {
		v, ok := d.Get(f.Name)
		if !ok {
			return models.Draft{}, fmt.Errorf("%s is missing field %q", path, f.Name)
		}
		child := path + "." + f.Name
		switch f.Kind {
		case models.KindObject:
			obj, err := conformObject(child, f.Fields, v)
			if err != nil {
				return models.Draft{}, err
			}
			members = append(members, models.Field(f.Name, obj))
		default:
			if v.Kind != f.Kind {
				return models.Draft{}, fmt.Errorf("%s must be a %s, got %s", child, f.Kind, kindName(v))
			}
			members = append(members, models.Field(f.Name, v.Clone()))
		}
	}
	return models.Object(members...), nil
}

func kindName(d models.Draft) string {
	if d.Kind == "" {
		return string(models.KindNull)
	}
	return string(d.Kind)
}

// wireResponse mirrors the closed response shape for strict decoding
type wireResponse struct {
	SpecDraft      *models.Draft      `json:"specDraft"`
	QuestionsToAsk *[]models.Question `json:"questionsToAsk"`
}

// DecodeResponse parses generated content into a SpecResponse. The draft must
// conform to the template; questions are only checked for shape here and are
// filtered by the ledger afterwards.
func (t *Template) DecodeResponse(data []byte) (models.SpecResponse, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return models.SpecResponse{}, fmt.Errorf("%w: empty content", ErrSchemaViolation)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var wire wireResponse
	if err := dec.Decode(&wire); err != nil {
		return models.SpecResponse{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if dec.More() {
		return models.SpecResponse{}, fmt.Errorf("%w: trailing content after response", ErrSchemaViolation)
	}
	if wire.SpecDraft == nil {
		return models.SpecResponse{}, fmt.Errorf("%w: missing specDraft", ErrSchemaViolation)
	}
	if wire.QuestionsToAsk == nil {
		return models.SpecResponse{}, fmt.Errorf("%w: missing questionsToAsk", ErrSchemaViolation)
	}

	draft, err := t.ConformDraft(*wire.SpecDraft)
	if err != nil {
		return models.SpecResponse{}, err
	}

	questions := make([]models.Question, 0, len(*wire.QuestionsToAsk))
	for _, q := range *wire.QuestionsToAsk {
		questions = append(questions, models.Question{
			ID:       strings.TrimSpace(q.ID),
			Category: strings.TrimSpace(q.Category),
			Question: strings.TrimSpace(q.Question),
		})
	}

	return models.SpecResponse{SpecDraft: draft, QuestionsToAsk: questions}, nil
}

// DecodeDraft parses and conforms a standalone draft document
func (t *Template) DecodeDraft(data []byte) (models.Draft, error) {
	var d models.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return models.Draft{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return t.ConformDraft(d)
}

// JSONSchema renders the strict response schema handed to the generation
// boundary: closed objects, every field required, enumerated categories.
func (t *Template) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"specDraft": objectSchema(t.Fields),
			"questionsToAsk": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]interface{}{
						"id":       map[string]interface{}{"type": "string"},
						"category": map[string]interface{}{"type": "string", "enum": t.Categories()},
						"question": map[string]interface{}{"type": "string"},
					},
					"required": []string{"id", "category", "question"},
				},
			},
		},
		"required": []string{"specDraft", "questionsToAsk"},
	}
}

func objectSchema(fields []FieldSpec) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		required = append(required, f.Name)
		switch f.Kind {
		case models.KindString:
			props[f.Name] = map[string]interface{}{"type": "string"}
		case models.KindList:
			props[f.Name] = map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			}
		case models.KindObject:
			props[f.Name] = objectSchema(f.Fields)
		}
	}
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}
