// Package search turns natural-language questions into vector queries and
// assembles the ranked results. The Enhancer rewrites the raw question with
// an LLM; the Service embeds the rewritten text, translates filters, queries
// the vector store, and caches full responses briefly.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nevindra/slackseek"
)

// EnhancedQuery is the structured output of the query-enhancement step.
type EnhancedQuery struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	ChannelFilter string `json:"channel_filter,omitempty"`
	UserFilter    string `json:"user_filter,omitempty"`
	DateFrom      string `json:"date_from,omitempty"`
	DateTo        string `json:"date_to,omitempty"`
	Intent        string `json:"intent,omitempty"`
	Reasoning     string `json:"reasoning,omitempty"`
}

// DefaultEnhancerPrompt is the built-in enhancement prompt; deployments
// override it with slackseek.LoadPrompt. Temperature stays low so retried
// enhancements of the same question land on the same rewrite.
var DefaultEnhancerPrompt = slackseek.Prompt{
	System: `You rewrite workplace chat search queries. Given a user's question about their team's message history, respond with a single JSON object and nothing else:
{"query": "rewritten search text", "top_k": 10, "channel_filter": "", "user_filter": "", "date_from": "", "date_to": "", "intent": "info", "reasoning": "one sentence"}
Rules: expand abbreviations and add likely synonyms in "query"; only set channel_filter/user_filter when the question names one; dates are YYYY-MM-DD, resolved against UTC; intent is one of problem, info, decision, urgent; top_k between 1 and 50. Omit nothing, use empty strings for unknown fields.`,
	Model:       "gpt-4o-mini",
	Temperature: 0.1,
	MaxTokens:   500,
}

// Enhancer rewrites raw queries via an LLM call. It never fails a search: a
// provider error or malformed response degrades to the raw query.
type Enhancer struct {
	provider slackseek.Provider
	prompt   slackseek.Prompt
	logger   *slog.Logger
}

// NewEnhancer creates an Enhancer using the given chat provider and prompt.
// A nil logger discards.
func NewEnhancer(provider slackseek.Provider, prompt slackseek.Prompt, logger *slog.Logger) *Enhancer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enhancer{provider: provider, prompt: prompt, logger: logger}
}

// PassthroughQuery is the enhancement applied when the LLM is unavailable or
// its output unusable: the raw query, default result count, no filters.
func PassthroughQuery(raw string) EnhancedQuery {
	return EnhancedQuery{Query: raw, TopK: 10}
}

// Enhance rewrites the query. On any failure it logs and returns the
// passthrough instead of an error.
func (e *Enhancer) Enhance(ctx context.Context, raw string) EnhancedQuery {
	resp, err := e.provider.Chat(ctx, slackseek.ChatRequest{
		Model:       e.prompt.Model,
		Temperature: e.prompt.Temperature,
		MaxTokens:   e.prompt.MaxTokens,
		JSONOnly:    true,
		Messages: []slackseek.ChatMessage{
			{Role: "system", Content: e.prompt.System},
			{Role: "user", Content: "User Query: " + raw},
		},
	})
	if err != nil {
		e.logger.Warn("query enhancement failed, using raw query", "error", err)
		return PassthroughQuery(raw)
	}

	eq, err := parseEnhancement(resp.Content)
	if err != nil {
		e.logger.Warn("unusable enhancement response, using raw query",
			"error", err, "response", slackseek.Excerpt(resp.Content, 200))
		return PassthroughQuery(raw)
	}
	if strings.TrimSpace(eq.Query) == "" {
		eq.Query = raw
	}
	if eq.TopK == 0 {
		eq.TopK = 10
	}
	return eq
}

var validIntents = map[string]bool{"problem": true, "info": true, "decision": true, "urgent": true}

// parseEnhancement decodes the model's JSON strictly. Models occasionally
// wrap JSON in a markdown fence even when asked not to; that wrapper is the
// only deviation tolerated.
func parseEnhancement(content string) (EnhancedQuery, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var eq EnhancedQuery
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(&eq); err != nil {
		return EnhancedQuery{}, slackseek.Errorf(slackseek.KindInvalid, "enhancement is not valid JSON: %v", err)
	}
	if eq.TopK < 0 || eq.TopK > 50 {
		return EnhancedQuery{}, slackseek.Errorf(slackseek.KindInvalid, "enhancement top_k %d out of range", eq.TopK)
	}
	if eq.Intent != "" && !validIntents[eq.Intent] {
		eq.Intent = ""
	}
	return eq, nil
}
