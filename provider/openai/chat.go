package openai

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/slackseek"
)

// ChatClient implements slackseek.Provider against /chat/completions. It is
// used for query enhancement, where latency matters more than completeness,
// so the default timeout is short.
type ChatClient struct {
	apiKey   string
	model    string
	baseURL  string
	http     *http.Client
	governor *slackseek.Governor
	logger   *slog.Logger
	retry    slackseek.RetryConfig
}

// ChatOption configures a ChatClient.
type ChatOption func(*ChatClient)

// WithChatBaseURL overrides the API base URL.
func WithChatBaseURL(u string) ChatOption {
	return func(c *ChatClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithChatHTTPClient overrides the HTTP client.
func WithChatHTTPClient(h *http.Client) ChatOption {
	return func(c *ChatClient) { c.http = h }
}

// WithChatGovernor sets the shared rate governor.
func WithChatGovernor(g *slackseek.Governor) ChatOption {
	return func(c *ChatClient) { c.governor = g }
}

// WithChatLogger sets the logger. Default discards.
func WithChatLogger(l *slog.Logger) ChatOption {
	return func(c *ChatClient) { c.logger = l }
}

// WithChatRetry overrides retry behavior.
func WithChatRetry(cfg slackseek.RetryConfig) ChatOption {
	return func(c *ChatClient) { c.retry = cfg }
}

// NewChat creates a chat-completion client with the given default model.
func NewChat(apiKey, model string, opts ...ChatOption) *ChatClient {
	c := &ChatClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.governor == nil {
		c.governor = slackseek.NewGovernor()
	}
	return c
}

func (c *ChatClient) Name() string { return "openai" }

type chatBody struct {
	Model          string                  `json:"model"`
	Messages       []slackseek.ChatMessage `json:"messages"`
	Temperature    float64                 `json:"temperature"`
	MaxTokens      int                     `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat         `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage slackseek.Usage `json:"usage"`
}

// Chat sends one completion request. JSONOnly requests set response_format
// to json_object so the model emits a single JSON document.
func (c *ChatClient) Chat(ctx context.Context, req slackseek.ChatRequest) (slackseek.ChatResponse, error) {
	cfg := c.retry
	cfg.Logger = c.logger
	cfg.OnRetryAfter = func(d time.Duration) {
		c.governor.NotifyRetryAfter("openai", "chat.completions", d)
	}
	return slackseek.Retry(ctx, cfg, "openai.chat.completions", func() (slackseek.ChatResponse, error) {
		return c.doChat(ctx, req)
	})
}

func (c *ChatClient) doChat(ctx context.Context, req slackseek.ChatRequest) (slackseek.ChatResponse, error) {
	if err := c.governor.Acquire(ctx, "openai", "chat.completions"); err != nil {
		return slackseek.ChatResponse{}, err
	}

	body := chatBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if req.JSONOnly {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var resp chatResponse
	if err := postJSON(ctx, c.http, c.baseURL+"/chat/completions", c.apiKey, body, &resp); err != nil {
		return slackseek.ChatResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return slackseek.ChatResponse{}, slackseek.Errorf(slackseek.KindInvalid, "chat: response has no choices")
	}
	return slackseek.ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Usage:   resp.Usage,
	}, nil
}

var _ slackseek.Provider = (*ChatClient)(nil)
