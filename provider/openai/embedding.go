// Package openai provides the embedding and chat-completion clients for the
// OpenAI API (or any compatible endpoint). Both route through the shared
// rate governor under the "openai" provider key.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/slackseek"
)

const defaultBaseURL = "https://api.openai.com/v1"

// embedBatchMax is the largest input batch sent in one request. The API
// accepts more, but large batches amplify the cost of a failed call.
const embedBatchMax = 100

// EmbeddingClient implements slackseek.EmbeddingProvider against the
// /embeddings endpoint.
type EmbeddingClient struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	http       *http.Client
	governor   *slackseek.Governor
	logger     *slog.Logger
	retry      slackseek.RetryConfig
}

// EmbeddingOption configures an EmbeddingClient.
type EmbeddingOption func(*EmbeddingClient)

// WithEmbeddingBaseURL overrides the API base URL.
func WithEmbeddingBaseURL(u string) EmbeddingOption {
	return func(c *EmbeddingClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithEmbeddingHTTPClient overrides the HTTP client.
func WithEmbeddingHTTPClient(h *http.Client) EmbeddingOption {
	return func(c *EmbeddingClient) { c.http = h }
}

// WithEmbeddingGovernor sets the shared rate governor.
func WithEmbeddingGovernor(g *slackseek.Governor) EmbeddingOption {
	return func(c *EmbeddingClient) { c.governor = g }
}

// WithEmbeddingLogger sets the logger. Default discards.
func WithEmbeddingLogger(l *slog.Logger) EmbeddingOption {
	return func(c *EmbeddingClient) { c.logger = l }
}

// WithEmbeddingRetry overrides retry behavior.
func WithEmbeddingRetry(cfg slackseek.RetryConfig) EmbeddingOption {
	return func(c *EmbeddingClient) { c.retry = cfg }
}

// NewEmbedding creates an embedding client for the given model and vector
// size. The dimensions are enforced on every response: a mismatch means the
// index and the model disagree, which is fatal rather than retryable.
func NewEmbedding(apiKey, model string, dimensions int, opts ...EmbeddingOption) *EmbeddingClient {
	c := &EmbeddingClient{
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		baseURL:    defaultBaseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.governor == nil {
		c.governor = slackseek.NewGovernor()
	}
	return c
}

func (c *EmbeddingClient) Name() string    { return "openai" }
func (c *EmbeddingClient) Dimensions() int { return c.dimensions }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage slackseek.Usage `json:"usage"`
}

// Embed returns one vector per input text, in input order. Inputs are sent
// in batches of at most embedBatchMax.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchMax {
		end := min(start+embedBatchMax, len(texts))
		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *EmbeddingClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	cfg := c.retry
	cfg.Logger = c.logger
	cfg.OnRetryAfter = func(d time.Duration) {
		c.governor.NotifyRetryAfter("openai", "embeddings", d)
	}
	return slackseek.Retry(ctx, cfg, "openai.embeddings", func() ([][]float32, error) {
		return c.doEmbed(ctx, texts)
	})
}

func (c *EmbeddingClient) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.governor.Acquire(ctx, "openai", "embeddings"); err != nil {
		return nil, err
	}

	var resp embedResponse
	err := postJSON(ctx, c.http, c.baseURL+"/embeddings", c.apiKey, embedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, slackseek.Errorf(slackseek.KindInvalid,
			"embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// The API documents input order but indexes explicitly; honor them.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, slackseek.Errorf(slackseek.KindInvalid, "embeddings: index %d out of range", d.Index)
		}
		if len(d.Embedding) != c.dimensions {
			return nil, slackseek.Errorf(slackseek.KindDimensionMismatch,
				"embeddings: model returned %d dimensions, index expects %d", len(d.Embedding), c.dimensions)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// postJSON sends a JSON POST with bearer auth and decodes the 200 response
// into v. Non-2xx responses become *ErrHTTP with any Retry-After attached.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, v any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return slackseek.Errorf(slackseek.KindInternal, "marshal request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return slackseek.Errorf(slackseek.KindInternal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &slackseek.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: slackseek.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return slackseek.Errorf(slackseek.KindInvalid, "decode response: %v", err)
	}
	return nil
}

var _ slackseek.EmbeddingProvider = (*EmbeddingClient)(nil)
