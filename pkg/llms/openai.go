package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/httpclient"
	"github.com/uxmcp/uxmcp/pkg/model"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	model   string
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ToolChoice     string                `json:"tool_choice,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider builds a provider from a completion profile.
func NewOpenAIProvider(profile *model.LLMProfile, opts ...httpclient.Option) *OpenAIProvider {
	baseURL := strings.TrimSuffix(profile.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	defaults := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
	}
	return &OpenAIProvider{
		model:   profile.Model,
		baseURL: baseURL,
		apiKey:  profile.APIKey,
		client:  httpclient.New(append(defaults, opts...)...),
	}
}

func (p *OpenAIProvider) ModelName() string { return p.model }

// Complete runs one chat completions round trip.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	tracer := otel.Tracer("uxmcp.llms")
	ctx, span := tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("llm.model", p.model),
			attribute.Int("llm.tools", len(req.Tools)),
			attribute.Bool("llm.json_mode", req.JSONMode),
		),
	)
	defer span.End()

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, errs.Wrap(errs.KindBug, "marshal completion request", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	resp, err := p.client.PostJSON(ctx, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, "completion aborted", ctx.Err())
		}
		return nil, errs.Wrap(errs.KindProviderUnavailable, "completion request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, errs.Wrap(errs.KindProviderBadResponse, "read completion response", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := classifyStatus(resp.StatusCode, raw)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		span.RecordError(err)
		return nil, errs.Wrap(errs.KindProviderBadResponse, "decode completion response", err)
	}
	if out.Error != nil {
		err := errs.Newf(errs.KindProviderBadResponse, "provider error: %s", out.Error.Message)
		span.RecordError(err)
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errs.New(errs.KindProviderBadResponse, "no completion choices returned")
	}

	choice := out.Choices[0]
	result := &Response{
		Text: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_input", result.Usage.PromptTokens),
		attribute.Int("llm.tokens_output", result.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(result.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (p *OpenAIProvider) buildRequest(req Request) openAIRequest {
	out := openAIRequest{
		Model:       p.model,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}

	for _, m := range req.Messages {
		msg := openAIMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIToolFunction(t),
		})
	}
	if len(req.Tools) > 0 {
		out.ToolChoice = "auto"
		if req.ForceToolUse {
			out.ToolChoice = "required"
		}
	}

	if req.JSONMode {
		if req.JSONSchema != nil {
			out.ResponseFormat = &openAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &openAIJSONSchema{
					Name:   "response",
					Schema: req.JSONSchema,
					Strict: true,
				},
			}
		} else {
			out.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		}
	}
	return out
}

// classifyStatus maps a non-200 provider status to a typed error. The HTTP
// client has already exhausted its retry budget by the time this runs.
func classifyStatus(status int, body []byte) error {
	detail := providerDetail(body)
	switch {
	case status == http.StatusTooManyRequests:
		return errs.Newf(errs.KindProviderRateLimited, "rate limited: %s", detail)
	case status >= 500:
		return errs.Newf(errs.KindProviderUnavailable, "provider returned %d: %s", status, detail)
	default:
		return errs.Newf(errs.KindProviderBadResponse, "provider returned %d: %s", status, detail)
	}
}

func providerDetail(body []byte) string {
	var wrapper struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var _ Provider = (*OpenAIProvider)(nil)
