package gateway

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/chat"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

var errUnknownAction = fmt.Errorf("%w: unknown action", orchestration.ErrInvalidInput)

// errorResponse maps a domain error onto an HTTP status and error body
func errorResponse(err error) (int, models.ErrorResponse) {
	switch {
	case errors.Is(err, spec.ErrUnknownTemplate):
		return http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeTemplateNotFound}
	case errors.Is(err, orchestration.ErrInvalidInput), errors.Is(err, chat.ErrEmptyAnswer):
		return http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeInvalidInput}
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: "Session not found", Code: models.ErrCodeNotFound}
	case errors.Is(err, chat.ErrSubmissionInFlight), errors.Is(err, chat.ErrInvalidTransition):
		return http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeConflict}
	case errors.Is(err, orchestration.ErrSchemaViolation):
		return http.StatusInternalServerError, models.ErrorResponse{
			Error:   orchestration.PublicMessage(err),
			Code:    models.ErrCodeGenerationFailed,
			Details: map[string]string{"retryable": "true"},
		}
	case errors.Is(err, orchestration.ErrBoundaryUnavailable):
		return http.StatusInternalServerError, models.ErrorResponse{
			Error:   err.Error(),
			Code:    models.ErrCodeBoundaryUnavailable,
			Details: map[string]string{"retryable": "true"},
		}
	default:
		return http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error", Code: models.ErrCodeInternalError}
	}
}

func respondError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Printf(`{"level":"error","message":"request failed","path":"%s","code":"%s","error":%q}`,
			c.Request.URL.Path, body.Code, err.Error())
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: message, Code: models.ErrCodeInvalidRequest})
}
