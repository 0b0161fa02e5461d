package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nevindra/slackseek"
	"github.com/nevindra/slackseek/ingest"
	"github.com/nevindra/slackseek/search"
)

const maxQueryLen = 1000

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Searcher runs semantic searches. *search.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, ov search.Overrides) (search.Response, error)
}

// ChannelLister enumerates the workspace's channels. *slack.Client
// satisfies it.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]slackseek.Channel, error)
}

// StatsSource describes the vector index. Any slackseek.VectorStore
// satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (slackseek.StoreStats, error)
}

// Tool pairs a definition with its handler. Execute returns a non-nil error
// only for arguments that violate the input schema; the server answers those
// with code -32602. Runtime failures go in the result's error block instead.
type Tool struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args json.RawMessage) (ToolCallResult, error)
}

// Registry dispatches tools/call by name.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Add registers a tool. Later registrations with the same name replace
// earlier ones.
func (r *Registry) Add(t Tool) {
	if _, exists := r.tools[t.Definition.Name]; !exists {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
}

// Definitions lists the registered tools in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// searchArgs is the search_messages input payload.
type searchArgs struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	ChannelFilter string `json:"channel_filter"`
	UserFilter    string `json:"user_filter"`
	DateFrom      string `json:"date_from"`
	DateTo        string `json:"date_to"`
}

// validate enforces the schema before the handler runs. top_k out of range
// is clamped rather than rejected; everything else is strict.
func (a *searchArgs) validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	if len(a.Query) > maxQueryLen {
		return fmt.Errorf("query exceeds %d characters", maxQueryLen)
	}
	if a.TopK < 0 {
		a.TopK = 1
	}
	if a.TopK > 50 {
		a.TopK = 50
	}
	for name, v := range map[string]string{"date_from": a.DateFrom, "date_to": a.DateTo} {
		if v != "" && !dateRe.MatchString(v) {
			return fmt.Errorf("%s must be YYYY-MM-DD", name)
		}
	}
	return nil
}

// NewSearchTool exposes search_messages over svc.
func NewSearchTool(svc Searcher) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "search_messages",
			Description: "Semantic search over the indexed Slack history. Returns the most similar messages with channel, author, timestamp, and permalink.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language search query",
						"maxLength":   maxQueryLen,
					},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "Number of results (1-50, default 10)",
						"minimum":     1,
						"maximum":     50,
					},
					"channel_filter": map[string]any{
						"type":        "string",
						"description": "Restrict to one channel, by name or ID",
					},
					"user_filter": map[string]any{
						"type":        "string",
						"description": "Restrict to one author, by name or ID",
					},
					"date_from": map[string]any{
						"type":        "string",
						"description": "Earliest date, YYYY-MM-DD (UTC, inclusive)",
						"pattern":     dateRe.String(),
					},
					"date_to": map[string]any{
						"type":        "string",
						"description": "Latest date, YYYY-MM-DD (UTC, inclusive)",
						"pattern":     dateRe.String(),
					},
				},
				"required": []string{"query"},
			},
		},
		Execute: func(ctx context.Context, raw json.RawMessage) (ToolCallResult, error) {
			var args searchArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return ToolCallResult{}, fmt.Errorf("decode arguments: %w", err)
				}
			}
			if err := args.validate(); err != nil {
				return ToolCallResult{}, err
			}

			resp, err := svc.Search(ctx, args.Query, search.Overrides{
				TopK:          args.TopK,
				ChannelFilter: args.ChannelFilter,
				UserFilter:    args.UserFilter,
				DateFrom:      args.DateFrom,
				DateTo:        args.DateTo,
			})
			if err != nil {
				return ErrorResult("search failed: " + err.Error()), nil
			}
			return JSONResult(resp), nil
		},
	}
}

// channelEntry is one row of the list_channels result.
type channelEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsMember bool   `json:"is_member"`
}

// NewListChannelsTool exposes list_channels over the chat client.
func NewListChannelsTool(lister ChannelLister) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "list_channels",
			Description: "List the workspace channels visible to the indexing bot.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Execute: func(ctx context.Context, _ json.RawMessage) (ToolCallResult, error) {
			channels, err := lister.ListChannels(ctx)
			if err != nil {
				return ErrorResult("list channels failed: " + err.Error()), nil
			}
			entries := make([]channelEntry, 0, len(channels))
			for _, ch := range channels {
				entries = append(entries, channelEntry{ID: ch.ID, Name: ch.Name, IsMember: ch.IsMember})
			}
			return JSONResult(map[string]any{"channels": entries, "total": len(entries)}), nil
		},
	}
}

// statsResult is the stats tool's payload.
type statsResult struct {
	Status          string   `json:"status"`
	TotalVectors    int      `json:"total_vectors"`
	Dimension       int      `json:"dimension,omitempty"`
	ChannelsIndexed int      `json:"channels_indexed"`
	Channels        []string `json:"channels"`
	LastIngestedAt  string   `json:"last_ingested_at,omitempty"`
	LastRunID       int      `json:"last_run_id,omitempty"`
}

// NewStatsTool exposes stats over the vector store, plus checkpoint detail
// when an ingestion state snapshot is available.
func NewStatsTool(source StatsSource, snapshot func() ingest.State) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "stats",
			Description: "Index statistics: vector count, indexed channels, last ingestion time.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Execute: func(ctx context.Context, _ json.RawMessage) (ToolCallResult, error) {
			stats, err := source.Stats(ctx)
			if err != nil {
				return ErrorResult("stats failed: " + err.Error()), nil
			}
			out := statsResult{
				Status:          "ready",
				TotalVectors:    stats.VectorCount,
				Dimension:       stats.Dimension,
				ChannelsIndexed: len(stats.Channels),
				Channels:        stats.Channels,
			}
			if stats.VectorCount == 0 {
				out.Status = "empty"
			}
			if !stats.LastUpdated.IsZero() {
				out.LastIngestedAt = stats.LastUpdated.Format(time.RFC3339)
			}
			if snapshot != nil {
				state := snapshot()
				out.LastRunID = state.RunID
				var latest time.Time
				for _, cs := range state.Channels {
					if cs.LastSuccessAt.After(latest) {
						latest = cs.LastSuccessAt
					}
				}
				if !latest.IsZero() {
					out.LastIngestedAt = latest.UTC().Format(time.RFC3339)
				}
			}
			return JSONResult(out), nil
		},
	}
}
