package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/auth"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/chat"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/database"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

var (
	qUsers = models.Question{ID: "q-context-1", Category: "context", Question: "Who are the users?"}
	qKPI   = models.Question{ID: "q-goals-1", Category: "goals", Question: "Which KPI defines success?"}
)

// MockDrafter implements session.Drafter
type MockDrafter struct {
	mu          sync.Mutex
	synthResp   models.SpecResponse
	synthErr    error
	refineResp  models.SpecResponse
	refineErr   error
	inputs      []orchestration.SynthesisInput
	templates   []spec.TemplateName
	refineCalls []models.AnsweredQuestion
}

func (d *MockDrafter) Synthesize(ctx context.Context, tmpl *spec.Template, in orchestration.SynthesisInput) (models.SpecResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, in)
	d.templates = append(d.templates, tmpl.Name)
	if d.synthErr != nil {
		return models.SpecResponse{}, d.synthErr
	}
	return d.synthResp.Clone(), nil
}

func (d *MockDrafter) Refine(ctx context.Context, tmpl *spec.Template, current models.SpecResponse, answered models.AnsweredQuestion) (models.SpecResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refineCalls = append(d.refineCalls, answered)
	if d.refineErr != nil {
		return models.SpecResponse{}, d.refineErr
	}
	return d.refineResp.Clone(), nil
}

// MockUsers implements UserStore
type MockUsers struct {
	users map[string]*models.User
}

func (u *MockUsers) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := u.users[strings.ToLower(email)]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return user, nil
}

func contextDraft(text string) models.Draft {
	return spec.Default().EmptyDraft().With("context", models.String(text))
}

func newDrafter() *MockDrafter {
	return &MockDrafter{
		synthResp:  models.SpecResponse{SpecDraft: contextDraft("CRM"), QuestionsToAsk: []models.Question{qUsers, qKPI}},
		refineResp: models.SpecResponse{SpecDraft: contextDraft("Sales analysts"), QuestionsToAsk: []models.Question{qKPI}},
	}
}

type testEnv struct {
	router  *gin.Engine
	drafter *MockDrafter
	jwt     *auth.JWTManager
}

// testUser lets a test act as a given owner without issuing tokens
func testUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.UserIDKey, u)
		}
		c.Next()
	}
}

func newTestEnv(t *testing.T, drafter *MockDrafter) *testEnv {
	gin.SetMode(gin.TestMode)

	jm, err := auth.NewJWTManager("gateway-test-secret")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &MockUsers{users: map[string]*models.User{
		"ana@example.com": {ID: "user-1", Name: "Ana", Email: "ana@example.com", HashedPassword: string(hash)},
	}}

	n := 0
	manager := session.NewManager(drafter, session.NewMemoryStore(), session.WithSessionIDs(func() string {
		n++
		return fmt.Sprintf("s-%d", n)
	}))
	handler := NewHandler(drafter, manager, users, jm, nil)

	router := gin.New()
	api := router.Group("/api")
	protected := api.Group("")
	protected.Use(testUser())
	handler.Routes(api, protected)

	return &testEnv{router: router, drafter: drafter, jwt: jm}
}

func (e *testEnv) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSynthesizeText(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	w := env.do(http.MethodPost, "/api/requirements", map[string]string{"requirementsText": "We need a CRM", "template": "mobile"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SpecResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"q-context-1", "q-goals-1"}, resp.QuestionIDs())
	assert.Equal(t, "We need a CRM", env.drafter.inputs[0].Text)
	assert.Equal(t, spec.TemplateMobile, env.drafter.templates[0])
}

func TestSynthesizeText_Errors(t *testing.T) {
	t.Run("missing_text", func(t *testing.T) {
		env := newTestEnv(t, newDrafter())
		w := env.do(http.MethodPost, "/api/requirements", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, env.drafter.inputs)
	})

	t.Run("unknown_template", func(t *testing.T) {
		env := newTestEnv(t, newDrafter())
		w := env.do(http.MethodPost, "/api/requirements", map[string]string{"requirementsText": "x", "template": "desktop"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrCodeTemplateNotFound, decodeError(t, w).Code)
	})

	t.Run("blank_text", func(t *testing.T) {
		drafter := newDrafter()
		drafter.synthErr = fmt.Errorf("%w: requirements text is empty", orchestration.ErrInvalidInput)
		env := newTestEnv(t, drafter)
		w := env.do(http.MethodPost, "/api/requirements", map[string]string{"requirementsText": "   "})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrCodeInvalidInput, decodeError(t, w).Code)
	})

	t.Run("boundary_error_surfaced_verbatim", func(t *testing.T) {
		drafter := newDrafter()
		drafter.synthErr = fmt.Errorf("%w: dial tcp: connection refused", orchestration.ErrBoundaryUnavailable)
		env := newTestEnv(t, drafter)
		w := env.do(http.MethodPost, "/api/requirements", map[string]string{"requirementsText": "x"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, models.ErrCodeBoundaryUnavailable, body.Code)
		assert.Contains(t, body.Error, "connection refused")
		assert.Equal(t, "true", body.Details["retryable"])
	})

	t.Run("schema_violation_normalised", func(t *testing.T) {
		drafter := newDrafter()
		drafter.synthErr = fmt.Errorf("%w: specDraft is missing field \"goals\"", orchestration.ErrSchemaViolation)
		env := newTestEnv(t, drafter)
		w := env.do(http.MethodPost, "/api/requirements", map[string]string{"requirementsText": "x"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, models.ErrCodeGenerationFailed, body.Code)
		assert.Equal(t, orchestration.GenerationFailedMessage, body.Error)
		assert.NotContains(t, body.Error, "goals")
	})
}

func multipartRequest(t *testing.T, path, filename string, data []byte, fields map[string]string) *http.Request {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSynthesizeDocument(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartRequest(t, "/api/requirements/upload", "brief.pdf", []byte("%PDF-1.4 brief"), map[string]string{"template": "migration"}))
	require.Equal(t, http.StatusOK, w.Code)

	in := env.drafter.inputs[0]
	require.NotNil(t, in.Document)
	assert.Equal(t, "brief.pdf", in.Document.Filename)
	assert.Equal(t, []byte("%PDF-1.4 brief"), in.Document.Data)
	assert.Equal(t, spec.TemplateMigration, env.drafter.templates[0])

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, multipartRequest(t, "/api/requirements/upload", "", nil, map[string]string{"template": "default"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "file is required")
	assert.Len(t, env.drafter.inputs, 1)
}

func TestRefine(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	body := map[string]interface{}{
		"specResponse":     models.SpecResponse{SpecDraft: contextDraft("CRM"), QuestionsToAsk: []models.Question{qUsers, qKPI}},
		"answeredQuestion": models.AnsweredQuestion{ID: "q-context-1", Answer: "Sales analysts"},
	}
	w := env.do(http.MethodPost, "/api/refine", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SpecResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"q-goals-1"}, resp.QuestionIDs())
	assert.Equal(t, []models.AnsweredQuestion{{ID: "q-context-1", Answer: "Sales analysts"}}, env.drafter.refineCalls)

	w = env.do(http.MethodPost, "/api/refine", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportDraft(t *testing.T) {
	env := newTestEnv(t, newDrafter())
	body := map[string]interface{}{"specDraft": contextDraft("CRM"), "title": "Sales CRM"}

	w := env.do(http.MethodPost, "/api/export/markdown", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.True(t, strings.HasPrefix(w.Body.String(), "# Sales CRM\n"))
	assert.Contains(t, w.Body.String(), "## Technical stack")

	w = env.do(http.MethodPost, "/api/export/json", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\n  \"context\": \"CRM\"")

	w = env.do(http.MethodPost, "/api/export/pdf", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeUnsupportedFormat, decodeError(t, w).Code)

	w = env.do(http.MethodPost, "/api/export/json", map[string]interface{}{"specDraft": []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTemplates(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	w := env.do(http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out []TemplateSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, spec.TemplateDefault, out[0].Name)
	assert.True(t, out[0].Default)
	assert.False(t, out[1].Default)
	assert.NotEmpty(t, out[1].Guidelines)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	w := env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "ana@example.com", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := env.jwt.ValidateToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	w = env.do(http.MethodPost, "/api/auth/refresh", nil, "Authorization", "Bearer "+resp.Token)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "ana@example.com", "password": "wrong-pass1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "bob@example.com", "password": "s3cret-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/auth/refresh", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(newDrafter(), session.NewManager(newDrafter(), session.NewMemoryStore()), nil, nil, nil)
	router := gin.New()
	handler.Routes(router.Group("/api"), router.Group("/api"))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"ana@example.com","password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func createSession(t *testing.T, env *testEnv, user string) session.View {
	w := env.do(http.MethodPost, "/api/sessions", map[string]string{"requirementsText": "We need a CRM"}, "X-Test-User", user)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view session.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, newDrafter())

	view := createSession(t, env, "user-1")
	assert.Equal(t, "s-1", view.ID)
	assert.Equal(t, chat.StateAwaitingAnswer, view.State)
	require.NotNil(t, view.CurrentQuestion)
	assert.Equal(t, "q-context-1", view.CurrentQuestion.ID)

	w := env.do(http.MethodPost, "/api/sessions/s-1/answers", map[string]string{"answer": "Sales analysts"}, "X-Test-User", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "q-goals-1", view.CurrentQuestion.ID)
	assert.Len(t, view.Messages, 3)

	w = env.do(http.MethodGet, "/api/sessions/s-1", nil, "X-Test-User", "user-1")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/sessions/s-1/export?format=markdown", nil, "X-Test-User", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="project-specification.md"`, w.Header().Get("Content-Disposition"))
	assert.Contains(t, w.Body.String(), "Sales analysts")

	w = env.do(http.MethodGet, "/api/sessions/s-1/export", nil, "X-Test-User", "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="project-specification.json"`, w.Header().Get("Content-Disposition"))

	w = env.do(http.MethodGet, "/api/sessions/s-1", nil, "X-Test-User", "user-2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodDelete, "/api/sessions/s-1", nil, "X-Test-User", "user-1")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/api/sessions/s-1", nil, "X-Test-User", "user-1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionAnswer_FailureAndRetry(t *testing.T) {
	drafter := newDrafter()
	drafter.refineErr = fmt.Errorf("%w: timeout", orchestration.ErrBoundaryUnavailable)
	env := newTestEnv(t, drafter)
	createSession(t, env, "")

	w := env.do(http.MethodPost, "/api/sessions/s-1/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/api/sessions/s-1/answers", map[string]string{"answer": "Sales analysts"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, models.ErrCodeBoundaryUnavailable, decodeError(t, w).Code)

	w = env.do(http.MethodGet, "/api/sessions/s-1", nil)
	var view session.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, chat.StateErrored, view.State)
	assert.Equal(t, []string{"q-context-1", "q-goals-1"}, view.Response.QuestionIDs())

	drafter.mu.Lock()
	drafter.refineErr = nil
	drafter.mu.Unlock()

	w = env.do(http.MethodPost, "/api/sessions/s-1/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, chat.StateAwaitingAnswer, view.State)
	assert.Equal(t, "Sales analysts", drafter.refineCalls[1].Answer)
}

func TestSessionAnswer_Validation(t *testing.T) {
	env := newTestEnv(t, newDrafter())
	createSession(t, env, "")

	w := env.do(http.MethodPost, "/api/sessions/s-1/answers", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/sessions/s-1/answers", map[string]string{"answer": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidInput, decodeError(t, w).Code)

	w = env.do(http.MethodPost, "/api/sessions/missing/answers", map[string]string{"answer": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: spec.ErrUnknownTemplate, status: http.StatusBadRequest, code: models.ErrCodeTemplateNotFound},
		{err: orchestration.ErrInvalidInput, status: http.StatusBadRequest, code: models.ErrCodeInvalidInput},
		{err: chat.ErrEmptyAnswer, status: http.StatusBadRequest, code: models.ErrCodeInvalidInput},
		{err: errUnknownAction, status: http.StatusBadRequest, code: models.ErrCodeInvalidInput},
		{err: session.ErrSessionNotFound, status: http.StatusNotFound, code: models.ErrCodeNotFound},
		{err: chat.ErrSubmissionInFlight, status: http.StatusConflict, code: models.ErrCodeConflict},
		{err: chat.ErrInvalidTransition, status: http.StatusConflict, code: models.ErrCodeConflict},
		{err: orchestration.ErrSchemaViolation, status: http.StatusInternalServerError, code: models.ErrCodeGenerationFailed},
		{err: orchestration.ErrBoundaryUnavailable, status: http.StatusInternalServerError, code: models.ErrCodeBoundaryUnavailable},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: models.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			status, body := errorResponse(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "mobile-app-specification.md", exportFilename("Mobile App Specification", formatMarkdown))
	assert.Equal(t, "specification.json", exportFilename("  ", formatJSON))
}
