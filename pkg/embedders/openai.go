package embedders

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/httpclient"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	model     string
	baseURL   string
	apiKey    string
	dimension int
	client    *httpclient.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder builds an embedder for the given model. An empty model
// selects DefaultModel; an empty baseURL selects the OpenAI API.
func NewOpenAIEmbedder(model, baseURL, apiKey string, opts ...httpclient.Option) *OpenAIEmbedder {
	if model == "" {
		model = DefaultModel
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	defaults := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	return &OpenAIEmbedder{
		model:     model,
		baseURL:   baseURL,
		apiKey:    apiKey,
		dimension: DimensionFor(model),
		client:    httpclient.New(append(defaults, opts...)...),
	}
}

func (e *OpenAIEmbedder) Dimension() int    { return e.dimension }
func (e *OpenAIEmbedder) ModelName() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, errs.Wrap(errs.KindBug, "marshal embedding request", err)
	}

	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}

	resp, err := e.client.PostJSON(ctx, e.baseURL+"/embeddings", body, headers)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCancelled, "embedding aborted", ctx.Err())
		}
		return nil, errs.Wrap(errs.KindProviderUnavailable, "embedding request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderBadResponse, "read embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errs.New(errs.KindProviderRateLimited, "embedding rate limited")
		case resp.StatusCode >= 500:
			return nil, errs.Newf(errs.KindProviderUnavailable, "embedding provider returned %d", resp.StatusCode)
		default:
			return nil, errs.Newf(errs.KindProviderBadResponse, "embedding provider returned %d: %.200s", resp.StatusCode, raw)
		}
	}

	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Wrap(errs.KindProviderBadResponse, "decode embedding response", err)
	}
	if out.Error != nil {
		return nil, errs.Newf(errs.KindProviderBadResponse, "embedding provider error: %s", out.Error.Message)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, errs.New(errs.KindProviderBadResponse, "empty embedding returned")
	}
	return out.Data[0].Embedding, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
