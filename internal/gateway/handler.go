package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/auth"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/database"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/export"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

const (
	maxUploadBytes = 20 << 20
	tokenDuration  = 24 * time.Hour
)

// UserStore looks up login users
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	drafter         session.Drafter
	sessions        *session.Manager
	users           UserStore
	jwtManager      *auth.JWTManager
	defaultTemplate *spec.Template
	tracer          trace.Tracer
	upgrader        websocket.Upgrader
}

// NewHandler creates a new gateway handler. users and jwtManager may be nil
// when login is disabled.
func NewHandler(drafter session.Drafter, sessions *session.Manager, users UserStore, jwtManager *auth.JWTManager, defaultTemplate *spec.Template) *Handler {
	if defaultTemplate == nil {
		defaultTemplate = spec.Default()
	}
	return &Handler{
		drafter:         drafter,
		sessions:        sessions,
		users:           users,
		jwtManager:      jwtManager,
		defaultTemplate: defaultTemplate,
		tracer:          otel.Tracer("gateway-handler"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Routes registers the public and protected API routes
func (h *Handler) Routes(public, protected *gin.RouterGroup) {
	public.POST("/auth/login", h.Login)
	public.POST("/auth/refresh", h.RefreshToken)
	public.GET("/templates", h.ListTemplates)

	protected.POST("/requirements", h.SynthesizeText)
	protected.POST("/requirements/upload", h.SynthesizeDocument)
	protected.POST("/refine", h.Refine)
	protected.POST("/export/:format", h.ExportDraft)

	protected.POST("/sessions", h.CreateSession)
	protected.POST("/sessions/upload", h.CreateSessionFromDocument)
	protected.GET("/sessions/:id", h.GetSession)
	protected.POST("/sessions/:id/answers", h.AnswerQuestion)
	protected.POST("/sessions/:id/retry", h.RetryAnswer)
	protected.GET("/sessions/:id/export", h.ExportSession)
	protected.DELETE("/sessions/:id", h.DeleteSession)
	protected.GET("/ws/sessions/:id", h.StreamSession)
}

func (h *Handler) template(name string) (*spec.Template, error) {
	if strings.TrimSpace(name) == "" {
		return h.defaultTemplate, nil
	}
	return spec.Lookup(strings.TrimSpace(name))
}

// Login godoc
// @Summary User login
// @Description Authenticate user and return JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Login credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	if h.users == nil || h.jwtManager == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Login is disabled", Code: models.ErrCodeInternalError})
		return
	}

	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, database.ErrUserNotFound) {
			log.Printf(`{"level":"error","message":"User lookup failed","email":"%s","error":%q}`, req.Email, err.Error())
		} else {
			log.Printf(`{"level":"warn","message":"User not found","email":"%s"}`, req.Email)
		}
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(req.Password)); err != nil {
		log.Printf(`{"level":"warn","message":"Invalid password","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	token, expiresAt, err := h.jwtManager.GenerateToken(c.Request.Context(), user.ID, user.Email, []string{"user"}, tokenDuration)
	if err != nil {
		respondError(c, fmt.Errorf("failed to generate token: %w", err))
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
	})
}

// RefreshToken godoc
// @Summary Refresh token
// @Description Exchange a valid bearer token for a new one
// @Tags auth
// @Produce json
// @Success 200 {object} models.LoginResponse
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /auth/refresh [post]
func (h *Handler) RefreshToken(c *gin.Context) {
	if h.jwtManager == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Login is disabled", Code: models.ErrCodeInternalError})
		return
	}

	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Missing or invalid authorization header", Code: models.ErrCodeUnauthorized})
		return
	}

	ctx := c.Request.Context()
	token, expiresAt, err := h.jwtManager.RefreshToken(ctx, strings.TrimSpace(header[len(prefix):]), tokenDuration)
	if err != nil {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid or expired token", Code: models.ErrCodeUnauthorized})
		return
	}
	claims, err := h.jwtManager.ValidateToken(ctx, token)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{Token: token, ExpiresAt: expiresAt, UserID: claims.UserID})
}

// TemplateSummary describes one selectable template
type TemplateSummary struct {
	Name       spec.TemplateName        `json:"name"`
	Title      string                   `json:"title"`
	Categories []string                 `json:"categories"`
	Guidelines []spec.CategoryGuideline `json:"guidelines"`
	Default    bool                     `json:"default"`
}

// ListTemplates godoc
// @Summary List templates
// @Description List the draft templates with their category guidelines
// @Tags templates
// @Produce json
// @Success 200 {array} TemplateSummary
// @Router /templates [get]
func (h *Handler) ListTemplates(c *gin.Context) {
	names := spec.Names()
	out := make([]TemplateSummary, 0, len(names))
	for _, name := range names {
		tmpl, err := spec.Lookup(string(name))
		if err != nil {
			respondError(c, err)
			return
		}
		out = append(out, TemplateSummary{
			Name:       tmpl.Name,
			Title:      tmpl.Title,
			Categories: tmpl.Categories(),
			Guidelines: tmpl.Guidelines,
			Default:    tmpl.Name == h.defaultTemplate.Name,
		})
	}
	c.JSON(http.StatusOK, out)
}

// SynthesizeRequest carries raw requirements text
type SynthesizeRequest struct {
	RequirementsText string `json:"requirementsText" binding:"required"`
	Template         string `json:"template,omitempty"`
}

// SynthesizeText godoc
// @Summary Draft a specification from text
// @Description Synthesize a first specification draft and clarifying questions from requirements text
// @Tags requirements
// @Accept json
// @Produce json
// @Param request body SynthesizeRequest true "Requirements text"
// @Success 200 {object} models.SpecResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /requirements [post]
func (h *Handler) SynthesizeText(c *gin.Context) {
	var req SynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "requirementsText is required")
		return
	}
	h.synthesize(c, req.Template, orchestration.SynthesisInput{Text: req.RequirementsText})
}

// SynthesizeDocument godoc
// @Summary Draft a specification from a document
// @Description Synthesize a first specification draft from an uploaded requirements document
// @Tags requirements
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Requirements document"
// @Param template formData string false "Template name"
// @Success 200 {object} models.SpecResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /requirements/upload [post]
func (h *Handler) SynthesizeDocument(c *gin.Context) {
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	h.synthesize(c, c.PostForm("template"), orchestration.SynthesisInput{Document: doc})
}

func (h *Handler) synthesize(c *gin.Context, templateName string, in orchestration.SynthesisInput) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.synthesize")
	defer span.End()

	tmpl, err := h.template(templateName)
	if err != nil {
		respondError(c, err)
		return
	}
	span.SetAttributes(attribute.String("template", string(tmpl.Name)), attribute.String("source", in.Source()))

	resp, err := h.drafter.Synthesize(ctx, tmpl, in)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// readDocument reads the multipart "file" field, answering 400 itself
func (h *Handler) readDocument(c *gin.Context) (*orchestration.Document, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return nil, false
	}

	f, err := header.Open()
	if err != nil {
		badRequest(c, "file could not be read")
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "file could not be read")
		return nil, false
	}
	if len(data) == 0 {
		badRequest(c, "file is empty")
		return nil, false
	}

	return &orchestration.Document{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, true
}

// RefineRequest carries the current response and one answer
type RefineRequest struct {
	SpecResponse     models.SpecResponse     `json:"specResponse"`
	AnsweredQuestion models.AnsweredQuestion `json:"answeredQuestion"`
	Template         string                  `json:"template,omitempty"`
}

// Refine godoc
// @Summary Merge an answer
// @Description Merge one answered question into a specification draft
// @Tags requirements
// @Accept json
// @Produce json
// @Param request body RefineRequest true "Current response and answer"
// @Success 200 {object} models.SpecResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /refine [post]
func (h *Handler) Refine(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.refine")
	defer span.End()

	var req RefineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	tmpl, err := h.template(req.Template)
	if err != nil {
		respondError(c, err)
		return
	}
	span.SetAttributes(attribute.String("template", string(tmpl.Name)), attribute.String("question_id", req.AnsweredQuestion.ID))

	resp, err := h.drafter.Refine(ctx, tmpl, req.SpecResponse, req.AnsweredQuestion)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ExportRequest carries a draft to render
type ExportRequest struct {
	SpecDraft models.Draft `json:"specDraft" swaggertype:"object"`
	Title     string       `json:"title,omitempty"`
}

// ExportDraft godoc
// @Summary Export a draft
// @Description Render a specification draft as JSON or Markdown
// @Tags export
// @Accept json
// @Produce json,text/markdown
// @Param format path string true "json or markdown"
// @Param request body ExportRequest true "Draft"
// @Success 200 {string} string
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /export/{format} [post]
func (h *Handler) ExportDraft(c *gin.Context) {
	format, ok := parseFormat(c.Param("format"))
	if !ok {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "format must be json or markdown", Code: models.ErrCodeUnsupportedFormat})
		return
	}

	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if req.SpecDraft.Kind != models.KindObject {
		badRequest(c, "specDraft must be an object")
		return
	}

	h.writeExport(c, format, req.SpecDraft, req.Title, false)
}

type exportFormat string

const (
	formatJSON     exportFormat = "json"
	formatMarkdown exportFormat = "markdown"
)

func parseFormat(s string) (exportFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return formatJSON, true
	case "markdown", "md":
		return formatMarkdown, true
	}
	return "", false
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func exportFilename(title string, format exportFormat) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		slug = "specification"
	}
	if format == formatMarkdown {
		return slug + ".md"
	}
	return slug + ".json"
}

func (h *Handler) writeExport(c *gin.Context, format exportFormat, draft models.Draft, title string, attachment bool) {
	if attachment {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportFilename(title, format)))
	}

	switch format {
	case formatMarkdown:
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(export.Markdown(draft, title)))
	default:
		out, err := export.JSON(draft)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", out)
	}
}

// CreateSessionRequest starts a drafting session from text
type CreateSessionRequest struct {
	RequirementsText string `json:"requirementsText" binding:"required"`
	Template         string `json:"template,omitempty"`
}

// CreateSession godoc
// @Summary Start a drafting session
// @Description Synthesize a first draft and open a chat session for its questions
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest true "Requirements text"
// @Success 201 {object} session.View
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "requirementsText is required")
		return
	}
	h.createSession(c, req.Template, orchestration.SynthesisInput{Text: req.RequirementsText})
}

// CreateSessionFromDocument godoc
// @Summary Start a drafting session from a document
// @Tags sessions
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Requirements document"
// @Param template formData string false "Template name"
// @Success 201 {object} session.View
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/upload [post]
func (h *Handler) CreateSessionFromDocument(c *gin.Context) {
	doc, ok := h.readDocument(c)
	if !ok {
		return
	}
	h.createSession(c, c.PostForm("template"), orchestration.SynthesisInput{Document: doc})
}

func (h *Handler) createSession(c *gin.Context, templateName string, in orchestration.SynthesisInput) {
	if _, err := h.template(templateName); err != nil {
		respondError(c, err)
		return
	}
	if strings.TrimSpace(templateName) == "" {
		templateName = string(h.defaultTemplate.Name)
	}

	view, err := h.sessions.Create(c.Request.Context(), auth.Owner(c), templateName, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// GetSession godoc
// @Summary Get a drafting session
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} session.View
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	view, err := h.sessions.Get(c.Request.Context(), auth.Owner(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AnswerRequest carries the answer to the session's current question
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// AnswerQuestion godoc
// @Summary Answer the current question
// @Description Submit an answer and merge it into the session draft
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body AnswerRequest true "Answer"
// @Success 200 {object} session.View
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/answers [post]
func (h *Handler) AnswerQuestion(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "answer is required")
		return
	}

	view, err := h.sessions.Answer(c.Request.Context(), auth.Owner(c), c.Param("id"), req.Answer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RetryAnswer godoc
// @Summary Retry a failed merge
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} session.View
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/retry [post]
func (h *Handler) RetryAnswer(c *gin.Context) {
	view, err := h.sessions.Retry(c.Request.Context(), auth.Owner(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ExportSession godoc
// @Summary Download a session draft
// @Tags sessions
// @Produce json,text/markdown
// @Param id path string true "Session ID"
// @Param format query string false "json (default) or markdown"
// @Success 200 {string} string
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/export [get]
func (h *Handler) ExportSession(c *gin.Context) {
	format, ok := parseFormat(c.DefaultQuery("format", string(formatJSON)))
	if !ok {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "format must be json or markdown", Code: models.ErrCodeUnsupportedFormat})
		return
	}

	view, err := h.sessions.Get(c.Request.Context(), auth.Owner(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.writeExport(c, format, view.Response.SpecDraft, view.Title, true)
}

// DeleteSession godoc
// @Summary Delete a drafting session
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [delete]
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), auth.Owner(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
