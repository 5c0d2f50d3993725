// Package spec holds the schema contract of specification drafts: the closed
// set of templates, their category guideline registries, draft validation and
// the question ledger shared by synthesis and merge.
package spec

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

var (
	// ErrSchemaViolation marks generated content that does not match the template
	ErrSchemaViolation = errors.New("schema violation")
	// ErrUnknownTemplate is returned for names outside the closed template set
	ErrUnknownTemplate = errors.New("unknown template")
)

// TemplateName tags one of the closed set of draft templates
type TemplateName string

const (
	TemplateDefault   TemplateName = "default"
	TemplateMigration TemplateName = "migration"
	TemplateMobile    TemplateName = "mobile"
)

// FieldSpec declares one field of a draft template
type FieldSpec struct {
	Name   string           `yaml:"name" json:"name"`
	Kind   models.DraftKind `yaml:"kind" json:"kind"`
	Fields []FieldSpec      `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// CategoryGuideline describes what a category must eventually contain
type CategoryGuideline struct {
	Category         string   `yaml:"category" json:"category"`
	ShortDescription string   `yaml:"shortDescription" json:"shortDescription"`
	MustHave         []string `yaml:"mustHave" json:"mustHave"`
}

// Template is one closed draft schema plus its guideline registry.
// The top-level fields are the question categories.
type Template struct {
	Name       TemplateName        `yaml:"name" json:"name"`
	Title      string              `yaml:"title" json:"title"`
	Fields     []FieldSpec         `yaml:"fields" json:"fields"`
	Guidelines []CategoryGuideline `yaml:"guidelines" json:"guidelines"`
}

//go:embed templates.yaml
var templatesYAML []byte

var registry = mustLoadRegistry(templatesYAML)

type registryFile struct {
	Templates []*Template `yaml:"templates"`
}

func mustLoadRegistry(data []byte) map[TemplateName]*Template {
	reg, err := loadRegistry(data)
	if err != nil {
		panic(fmt.Sprintf("spec: invalid embedded templates: %v", err))
	}
	return reg
}

func loadRegistry(data []byte) (map[TemplateName]*Template, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	reg := make(map[TemplateName]*Template, len(file.Templates))
	for _, t := range file.Templates {
		if _, dup := reg[t.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q", t.Name)
		}
		if err := t.check(); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		reg[t.Name] = t
	}
	return reg, nil
}

// check verifies field kinds and that guidelines cover exactly the categories
func (t *Template) check() error {
	if len(t.Fields) == 0 {
		return errors.New("no fields declared")
	}
	if err := checkFields(t.Fields); err != nil {
		return err
	}

	covered := make(map[string]bool, len(t.Guidelines))
	for _, g := range t.Guidelines {
		if !t.HasCategory(g.Category) {
			return fmt.Errorf("guideline for undeclared category %q", g.Category)
		}
		if covered[g.Category] {
			return fmt.Errorf("duplicate guideline for %q", g.Category)
		}
		covered[g.Category] = true
	}
	for _, c := range t.Categories() {
		if !covered[c] {
			return fmt.Errorf("category %q has no guideline", c)
		}
	}
	return nil
}

func checkFields(fields []FieldSpec) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return errors.New("field without name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true

		switch f.Kind {
		case models.KindString, models.KindList:
			if len(f.Fields) > 0 {
				return fmt.Errorf("field %q of kind %s cannot have children", f.Name, f.Kind)
			}
		case models.KindObject:
			if len(f.Fields) == 0 {
				return fmt.Errorf("object field %q has no children", f.Name)
			}
			if err := checkFields(f.Fields); err != nil {
				return err
			}
		default:
			return fmt.Errorf("field %q has unsupported kind %q", f.Name, f.Kind)
		}
	}
	return nil
}

// Lookup returns the template registered under name
func Lookup(name string) (*Template, error) {
	t, ok := registry[TemplateName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return t, nil
}

// Default returns the context/goals/technicalStack template
func Default() *Template {
	return registry[TemplateDefault]
}

// Names lists the registered template names, sorted
func Names() []TemplateName {
	names := make([]TemplateName, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Categories returns the category values in declaration order
func (t *Template) Categories() []string {
	out := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		out = append(out, f.Name)
	}
	return out
}

// HasCategory reports whether c is one of the template's categories
func (t *Template) HasCategory(c string) bool {
	for _, f := range t.Fields {
		if f.Name == c {
			return true
		}
	}
	return false
}

// EmptyDraft builds a draft with every field present and empty
func (t *Template) EmptyDraft() models.Draft {
	return emptyObject(t.Fields)
}

func emptyObject(fields []FieldSpec) models.Draft {
	members := make([]models.Member, 0, len(fields))
	for _, f := range fields {
		members = append(members, models.Field(f.Name, emptyValue(f)))
	}
	return models.Object(members...)
}

func emptyValue(f FieldSpec) models.Draft {
	switch f.Kind {
	case models.KindString:
		return models.String("")
	case models.KindList:
		return models.List()
	default:
		return emptyObject(f.Fields)
	}
}
