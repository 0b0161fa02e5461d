package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/slackseek"
)

const (
	defaultTopK  = 10
	maxTopK      = 50
	responseTTL  = 5 * time.Minute
	excerptLimit = 300
)

// Directory resolves human filter values (channel or user names) to IDs.
// The slack.Client satisfies it from its lookup caches.
type Directory interface {
	ResolveChannel(name string) (slackseek.Channel, bool)
	ResolveUser(name string) (slackseek.User, bool)
}

// Overrides lets a caller bypass or pin parts of the enhancement. Zero
// values defer to the enhancer's output.
type Overrides struct {
	SkipEnhancement bool
	TopK            int
	ChannelFilter   string
	UserFilter      string
	DateFrom        string
	DateTo          string
}

// Result is one search hit.
type Result struct {
	ID           string  `json:"id"`
	Score        float64 `json:"score"`
	ChannelName  string  `json:"channel_name"`
	UserName     string  `json:"user_name"`
	TS           string  `json:"ts"`
	Date         string  `json:"date"`
	Text         string  `json:"text"`
	ThreadRootTS string  `json:"thread_root_ts,omitempty"`
	HasReactions bool    `json:"has_reactions,omitempty"`
	Permalink    string  `json:"permalink,omitempty"`
}

// Response is a complete search answer.
type Response struct {
	Query     string   `json:"query"`
	Results   []Result `json:"results"`
	Total     int      `json:"total"`
	Intent    string   `json:"intent,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// Service runs searches: enhance, embed, filter, query, assemble.
type Service struct {
	enhancer  *Enhancer
	embedder  slackseek.EmbeddingProvider
	store     slackseek.VectorStore
	directory Directory
	workspace string
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedResponse
}

type cachedResponse struct {
	resp    Response
	expires time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEnhancer enables LLM query enhancement. Without one every search runs
// the raw query.
func WithEnhancer(e *Enhancer) ServiceOption {
	return func(s *Service) { s.enhancer = e }
}

// WithDirectory enables name-to-ID filter resolution.
func WithDirectory(d Directory) ServiceOption {
	return func(s *Service) { s.directory = d }
}

// WithWorkspace sets the Slack workspace subdomain used to synthesize
// permalinks. Empty disables permalinks.
func WithWorkspace(name string) ServiceOption {
	return func(s *Service) { s.workspace = name }
}

// WithServiceLogger sets the logger. Default discards.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wires a search service over an embedder and a vector store.
func NewService(embedder slackseek.EmbeddingProvider, store slackseek.VectorStore, opts ...ServiceOption) *Service {
	s := &Service{
		embedder: embedder,
		store:    store,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		cache:    map[string]cachedResponse{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search answers a natural-language query. Zero hits is a valid answer, not
// an error. Identical queries within five minutes are served from cache.
func (s *Service) Search(ctx context.Context, rawQuery string, ov Overrides) (Response, error) {
	rawQuery = strings.TrimSpace(rawQuery)
	if rawQuery == "" {
		return Response{}, slackseek.Errorf(slackseek.KindInvalid, "search query is empty")
	}

	eq := PassthroughQuery(rawQuery)
	if s.enhancer != nil && !ov.SkipEnhancement {
		eq = s.enhancer.Enhance(ctx, rawQuery)
	}
	applyOverrides(&eq, ov)

	topK := eq.TopK
	if topK < 1 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	filter, err := s.translateFilter(eq)
	if err != nil {
		return Response{}, err
	}

	key := fingerprint(eq.Query, topK, filter)
	if resp, ok := s.cached(key); ok {
		s.logger.Debug("search served from cache", "query", eq.Query)
		return resp, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{eq.Query})
	if err != nil {
		return Response{}, err
	}
	hits, err := s.store.Query(ctx, vectors[0], topK, filter)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		Query:     eq.Query,
		Results:   make([]Result, 0, len(hits)),
		Total:     len(hits),
		Intent:    eq.Intent,
		Reasoning: eq.Reasoning,
	}
	for _, h := range hits {
		resp.Results = append(resp.Results, s.assemble(h))
	}

	s.remember(key, resp)
	s.logger.Info("search completed", "query", eq.Query, "hits", len(hits), "top_k", topK)
	return resp, nil
}

// applyOverrides pins caller-supplied values over the enhancer's.
func applyOverrides(eq *EnhancedQuery, ov Overrides) {
	if ov.TopK != 0 {
		eq.TopK = ov.TopK
	}
	if ov.ChannelFilter != "" {
		eq.ChannelFilter = ov.ChannelFilter
	}
	if ov.UserFilter != "" {
		eq.UserFilter = ov.UserFilter
	}
	if ov.DateFrom != "" {
		eq.DateFrom = ov.DateFrom
	}
	if ov.DateTo != "" {
		eq.DateTo = ov.DateTo
	}
}

// translateFilter converts the enhancement's human-facing filters to store
// predicates. Unresolvable names pass through verbatim, which covers callers
// that already supply raw IDs.
func (s *Service) translateFilter(eq EnhancedQuery) (slackseek.Filter, error) {
	var f slackseek.Filter

	if eq.ChannelFilter != "" {
		f.ChannelID = strings.TrimPrefix(strings.TrimSpace(eq.ChannelFilter), "#")
		if s.directory != nil {
			if ch, ok := s.directory.ResolveChannel(eq.ChannelFilter); ok {
				f.ChannelID = ch.ID
			}
		}
	}
	if eq.UserFilter != "" {
		f.UserID = strings.TrimPrefix(strings.TrimSpace(eq.UserFilter), "@")
		if s.directory != nil {
			if u, ok := s.directory.ResolveUser(eq.UserFilter); ok {
				f.UserID = u.ID
			}
		}
	}

	if eq.DateFrom != "" {
		t, err := time.Parse("2006-01-02", eq.DateFrom)
		if err != nil {
			return slackseek.Filter{}, slackseek.Errorf(slackseek.KindInvalid, "date_from %q: want YYYY-MM-DD", eq.DateFrom)
		}
		f.TSFrom = float64(t.UTC().Unix())
	}
	if eq.DateTo != "" {
		t, err := time.Parse("2006-01-02", eq.DateTo)
		if err != nil {
			return slackseek.Filter{}, slackseek.Errorf(slackseek.KindInvalid, "date_to %q: want YYYY-MM-DD", eq.DateTo)
		}
		// Inclusive of the whole named day, anchored to UTC.
		f.TSTo = float64(t.UTC().AddDate(0, 0, 1).Add(-time.Second).Unix())
	}
	if f.TSFrom != 0 && f.TSTo != 0 && f.TSTo < f.TSFrom {
		return slackseek.Filter{}, slackseek.Errorf(slackseek.KindInvalid, "date_to precedes date_from")
	}
	return f, nil
}

func (s *Service) assemble(h slackseek.ScoredVector) Result {
	r := Result{
		ID:           h.ID,
		Score:        h.Score,
		ChannelName:  h.Metadata.ChannelName,
		UserName:     h.Metadata.UserName,
		TS:           h.Metadata.TS,
		Date:         h.Metadata.ISODate,
		Text:         slackseek.Excerpt(h.Metadata.TextExcerpt, excerptLimit),
		ThreadRootTS: h.Metadata.ThreadRootTS,
		HasReactions: h.Metadata.HasReactions,
	}
	if s.workspace != "" && h.Metadata.ChannelID != "" && h.Metadata.TS != "" {
		r.Permalink = permalink(s.workspace, h.Metadata.ChannelID, h.Metadata.TS)
	}
	return r
}

// permalink synthesizes the archive URL Slack uses for a message: the ts
// with its dot removed, prefixed with "p".
func permalink(workspace, channelID, ts string) string {
	return fmt.Sprintf("https://%s.slack.com/archives/%s/p%s",
		workspace, channelID, strings.ReplaceAll(ts, ".", ""))
}

// fingerprint canonicalizes the effective query parameters. Two searches
// with the same fingerprint are interchangeable for caching.
func fingerprint(query string, topK int, f slackseek.Filter) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%g\x00%g", query, topK, f.ChannelID, f.UserID, f.TSFrom, f.TSTo)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) cached(key string) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return Response{}, false
	}
	if s.now().After(entry.expires) {
		delete(s.cache, key)
		return Response{}, false
	}
	return entry.resp, true
}

func (s *Service) remember(key string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Drop stale entries opportunistically so the map stays bounded.
	now := s.now()
	for k, e := range s.cache {
		if now.After(e.expires) {
			delete(s.cache, k)
		}
	}
	s.cache[key] = cachedResponse{resp: resp, expires: now.Add(responseTTL)}
}
