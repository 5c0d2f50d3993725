package orchestration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Generation client defaults
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1-mini"
	DefaultTimeout = 120 * time.Second
)

const defaultDocumentType = "application/pdf"

// Generator is the text-generation boundary. It returns the raw content the
// service produced for the supplied schema; callers validate it.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) ([]byte, error)
	IsHealthy(ctx context.Context) bool
}

// GenerationRequest is one call to the generation boundary
type GenerationRequest struct {
	Operation          string
	SystemInstructions string
	UserPayload        string
	SchemaName         string
	Schema             map[string]interface{}
	Document           *Document
}

// ClientConfig configures the OpenAI Responses client
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIClient calls the OpenAI Responses API with a strict json_schema format
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  textOptions    `json:"text"`
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type textOptions struct {
	Format formatOptions `json:"format"`
}

type formatOptions struct {
	Type   string                 `json:"type"`
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type responsesResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Error  *apiError    `json:"error"`
	Output []outputItem `json:"output"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Content []outputContent `json:"content"`
}

type outputContent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Refusal string `json:"refusal"`
}

// NewOpenAIClient creates a new generation client
func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if cfg.APIKey == "" {
		log.Printf(`{"level":"warn","message":"OPENAI_API_KEY not set, generation calls will fail"}`)
	}

	settings := gobreaker.Settings{
		Name:        "openai-responses",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf(`{"level":"warn","message":"circuit breaker state change","breaker":"%s","from":"%s","to":"%s"}`, name, from, to)
		},
	}

	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tracer:  otel.Tracer("generation-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Generate sends one request and returns the concatenated output text.
// Transport and service failures are wrapped in ErrBoundaryUnavailable.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "generation.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("operation", req.Operation),
		attribute.String("model", c.model),
		attribute.Bool("has_document", req.Document != nil),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generateInternal(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrBoundaryUnavailable, err)
	}

	out := result.([]byte)
	span.SetAttributes(attribute.Int("output_bytes", len(out)))
	return out, nil
}

func (c *OpenAIClient) generateInternal(ctx context.Context, req GenerationRequest) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai api key is not configured")
	}

	jsonData, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/responses", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("openai returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var decoded responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("openai response %s failed: %s", decoded.ID, decoded.Error.Message)
	}

	return []byte(decoded.outputText()), nil
}

func (c *OpenAIClient) buildRequest(req GenerationRequest) responsesRequest {
	user := make([]inputContent, 0, 2)
	if doc := req.Document; doc != nil {
		user = append(user, inputContent{
			Type:     "input_file",
			Filename: doc.name(),
			FileData: fmt.Sprintf("data:%s;base64,%s", doc.contentType(), base64.StdEncoding.EncodeToString(doc.Data)),
		})
	}
	user = append(user, inputContent{Type: "input_text", Text: req.UserPayload})

	name := req.SchemaName
	if name == "" {
		name = schemaName
	}

	return responsesRequest{
		Model: c.model,
		Input: []inputMessage{
			{Role: "system", Content: []inputContent{{Type: "input_text", Text: req.SystemInstructions}}},
			{Role: "user", Content: user},
		},
		Text: textOptions{
			Format: formatOptions{
				Type:   "json_schema",
				Name:   name,
				Strict: true,
				Schema: req.Schema,
			},
		},
	}
}

// outputText joins the output_text parts of all message items. Refusals
// yield no text and fail schema validation downstream.
func (r responsesResponse) outputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// IsHealthy reports whether the boundary is configured and its breaker is closed
func (c *OpenAIClient) IsHealthy(ctx context.Context) bool {
	_, span := c.tracer.Start(ctx, "generation.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}
	if c.apiKey == "" {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "missing_api_key"))
		return false
	}

	span.SetAttributes(attribute.Bool("healthy", true))
	return true
}
