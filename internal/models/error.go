package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeGenerationFailed    = "GENERATION_FAILED"
	ErrCodeBoundaryUnavailable = "BOUNDARY_UNAVAILABLE"
	ErrCodeTemplateNotFound    = "TEMPLATE_NOT_FOUND"
	ErrCodeUnsupportedFormat   = "UNSUPPORTED_FORMAT"
)
