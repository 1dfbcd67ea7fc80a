package llmport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/devicebroker/pkg/httpclient"
	"github.com/kadirpekel/devicebroker/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const openAIDefaultHost = "https://api.openai.com/v1"

// Config configures an OpenAIProvider. It mirrors the handful of knobs
// the router actually needs rather than the teacher's full provider
// config surface.
type Config struct {
	Model              string
	APIKey             string
	Host               string
	Temperature        float64
	MaxTokens          int
	Timeout            time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	InsecureSkipVerify bool
	CACertificate      string
}

// OpenAIProvider talks to any OpenAI-compatible chat-completions
// endpoint (OpenAI itself, or a self-hosted gateway that mimics it).
type OpenAIProvider struct {
	cfg        Config
	httpClient *httpclient.Client
}

// NewOpenAIProvider builds a provider from cfg, applying the teacher's
// retry/backoff and TLS wiring to the underlying httpclient.Client.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llmport: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(cfg.RetryDelay),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	}

	if cfg.InsecureSkipVerify || cfg.CACertificate != "" {
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			CACertificate:      cfg.CACertificate,
		}))
	}

	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: httpclient.New(opts...),
	}, nil
}

type chatCompletionRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) GetModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error { return nil }

// Decide renders messages and candidates into a single chat-completion
// call constrained to return JSON, then parses the reply into a
// Decision. It is the router's only touchpoint with the model.
func (p *OpenAIProvider) Decide(ctx context.Context, messages []Message, candidates []Candidate, structCfg *StructuredOutputConfig) (Decision, error) {
	start := time.Now()

	tracer := observability.GetTracer("devicebroker.llmport")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "openai"),
		),
	)
	defer span.End()

	req := p.buildRequest(messages, candidates, structCfg)

	decision, err := p.send(ctx, req)
	duration := time.Since(start)

	recorder := observability.GetGlobalRecorder()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recorder.RecordLLMCall(p.cfg.Model, "openai", duration)
		recorder.RecordLLMError(p.cfg.Model, "openai", errorType(err))
		return Decision{}, err
	}

	span.SetStatus(codes.Ok, "success")
	recorder.RecordLLMCall(p.cfg.Model, "openai", duration)
	return decision, nil
}

// errorType buckets an error into a low-cardinality label for metrics,
// since raw error strings would blow up the RecordLLMError label set.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "request_failed"
	}
}

func (p *OpenAIProvider) buildRequest(messages []Message, candidates []Candidate, structCfg *StructuredOutputConfig) *chatCompletionRequest {
	chatMessages := make([]chatMessage, 0, len(messages)+1)
	for _, m := range messages {
		chatMessages = append(chatMessages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var listing strings.Builder
	listing.WriteString("Candidates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&listing, "- id=%q kind=%q description=%q keywords=%v\n", c.ID, c.Kind, c.Description, c.Keywords)
	}
	listing.WriteString("Respond with JSON: {\"action\": \"local\"|\"device\"|\"delegate\"|\"reject\", \"target\": string, \"arguments\": object, \"confidence\": number, \"rationale\": string}.")
	chatMessages = append(chatMessages, chatMessage{Role: "user", Content: listing.String()})

	req := &chatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    chatMessages,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}

	schema := decisionSchema
	if structCfg != nil && structCfg.Schema != nil {
		schema = structCfg.Schema
	}
	req.ResponseFormat = &chatResponseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchemaSpec{
			Name:   "routing_decision",
			Strict: true,
			Schema: schema,
		},
	}
	return req
}

var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action":     map[string]any{"type": "string", "enum": []string{"local", "device", "delegate", "reject"}},
		"target":     map[string]any{"type": "string"},
		"arguments":  map[string]any{"type": "object"},
		"confidence": map[string]any{"type": "number"},
		"rationale":  map[string]any{"type": "string"},
	},
	"required":             []string{"action", "confidence"},
	"additionalProperties": false,
}

func (p *OpenAIProvider) send(ctx context.Context, req *chatCompletionRequest) (Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("llmport: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("llmport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(p.cfg.APIKey))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("llmport: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, fmt.Errorf("llmport: decode response: %w", err)
	}
	if out.Error != nil {
		return Decision{}, fmt.Errorf("llmport: provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Decision{}, fmt.Errorf("llmport: empty response")
	}

	var decision Decision
	if err := json.Unmarshal([]byte(out.Choices[0].Message.Content), &decision); err != nil {
		return Decision{}, fmt.Errorf("llmport: parse decision: %w", err)
	}
	return decision, nil
}

func (p *OpenAIProvider) chatCompletionsURL() string {
	host := p.cfg.Host
	if host == "" {
		host = openAIDefaultHost
	}
	host = strings.TrimSuffix(host, "/")
	if strings.HasSuffix(host, "/v1") {
		return host + "/chat/completions"
	}
	return host + "/v1/chat/completions"
}
