package spec

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

var questionIDPattern = regexp.MustCompile(`^q-([A-Za-z][A-Za-z0-9]*)-([1-9][0-9]*)$`)

// genericPatterns match questions that ask for nothing in particular
var genericPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bplease\s+clarify\b`),
	regexp.MustCompile(`(?i)^\s*(can|could)\s+you\s+(clarify|elaborate|explain)(\s+(this|that|it|more|further))?\s*\??\s*$`),
	regexp.MustCompile(`(?i)^\s*(please\s+)?(provide|share|give)\s+(more|additional|further)\s+(details|information|context)\b`),
	regexp.MustCompile(`(?i)^\s*(is\s+there\s+)?any(thing)?\s+(else|more)(\s+to\s+add)?\s*\??\s*$`),
}

// DropReason explains why the ledger rejected a question
type DropReason string

const (
	DropUnknownCategory DropReason = "unknown_category"
	DropMalformedID     DropReason = "malformed_id"
	DropDuplicateID     DropReason = "duplicate_id"
	DropEmptyQuestion   DropReason = "empty_question"
	DropGenericQuestion DropReason = "generic_question"
	DropQuotaExceeded   DropReason = "quota_exceeded"
	DropAnswered        DropReason = "answered"
	DropNotInInput      DropReason = "not_in_input"
)

// Dropped records a question removed from generated output
type Dropped struct {
	Question models.Question
	Reason   DropReason
}

// ValidateID reports whether id has the form q-<category>-<n> for category
func ValidateID(id, category string) bool {
	m := questionIDPattern.FindStringSubmatch(id)
	return m != nil && m[1] == category
}

// idNumber extracts n from q-<category>-<n>
func idNumber(id, category string) (int, bool) {
	m := questionIDPattern.FindStringSubmatch(id)
	if m == nil || m[1] != category {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextNumber returns one past the highest suffix used for category, or 1
func NextNumber(existingIDs []string, category string) int {
	highest := 0
	for _, id := range existingIDs {
		if n, ok := idNumber(id, category); ok && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// AssertUnique reports whether no id appears twice
func AssertUnique(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// FormatID builds q-<category>-<n>
func FormatID(category string, n int) string {
	return "q-" + category + "-" + strconv.Itoa(n)
}

// IsGeneric reports whether the question text is a non-actionable
// "please clarify" style prompt
func IsGeneric(text string) bool {
	for _, p := range genericPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Sanitize filters generated questions against the template. Offending
// entries are dropped, never fatal. quota caps questions per category;
// zero or less means unlimited.
func (t *Template) Sanitize(questions []models.Question, quota int) ([]models.Question, []Dropped) {
	kept := make([]models.Question, 0, len(questions))
	var dropped []Dropped

	seen := make(map[string]struct{}, len(questions))
	perCategory := make(map[string]int)

	for _, q := range questions {
		reason, ok := t.admit(q, seen, perCategory, quota)
		if !ok {
			dropped = append(dropped, Dropped{Question: q, Reason: reason})
			continue
		}
		seen[q.ID] = struct{}{}
		perCategory[q.Category]++
		kept = append(kept, q)
	}
	return kept, dropped
}

func (t *Template) admit(q models.Question, seen map[string]struct{}, perCategory map[string]int, quota int) (DropReason, bool) {
	switch {
	case !t.HasCategory(q.Category):
		return DropUnknownCategory, false
	case !ValidateID(q.ID, q.Category):
		return DropMalformedID, false
	case strings.TrimSpace(q.Question) == "":
		return DropEmptyQuestion, false
	case IsGeneric(q.Question):
		return DropGenericQuestion, false
	}
	if _, dup := seen[q.ID]; dup {
		return DropDuplicateID, false
	}
	if quota > 0 && perCategory[q.Category] >= quota {
		return DropQuotaExceeded, false
	}
	return "", true
}
