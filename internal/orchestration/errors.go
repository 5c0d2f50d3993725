package orchestration

import (
	"errors"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

var (
	// ErrInvalidInput rejects empty or malformed input before the boundary is called
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownQuestionID marks an answer whose id is not in the current question list
	ErrUnknownQuestionID = errors.New("unknown question id")
	// ErrBoundaryUnavailable wraps network and service failures of the generation boundary
	ErrBoundaryUnavailable = errors.New("generation boundary unavailable")
	// ErrSchemaViolation marks boundary output that does not match the template
	ErrSchemaViolation = spec.ErrSchemaViolation
)

// GenerationFailedMessage replaces schema violation details shown to callers
const GenerationFailedMessage = "The generated specification did not match the expected format. Please try again."

// PublicMessage returns the error text callers may see. Schema violations are
// normalised to GenerationFailedMessage; boundary failures and everything
// else keep their text.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrSchemaViolation) {
		return GenerationFailedMessage
	}
	return err.Error()
}
