// Package pinecone implements slackseek.VectorStore against the Pinecone
// serverless REST API. Open resolves (and creates, if missing) the index on
// the control plane, then all vector operations go to the index's own data
// plane host.
package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/slackseek"
)

const (
	controlPlaneURL = "https://api.pinecone.io"
	apiVersion      = "2025-01"

	// upsertBatchMax is Pinecone's documented per-request vector limit.
	upsertBatchMax = 100

	// statsProbeTopK bounds the zero-vector probe used to enumerate
	// indexed channels for Stats.
	statsProbeTopK = 100
)

// Store is a remote Pinecone index.
type Store struct {
	apiKey     string
	indexName  string
	dimension  int
	controlURL string
	dataURL    string
	http       *http.Client
	logger     *slog.Logger
	retry      slackseek.RetryConfig
}

// Option configures a Store.
type Option func(*Store)

// WithControlURL overrides the control-plane base URL (tests).
func WithControlURL(u string) Option {
	return func(s *Store) { s.controlURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(s *Store) { s.http = h }
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetry overrides retry behavior.
func WithRetry(cfg slackseek.RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// Open connects to the named index, creating it (cosine metric, serverless
// on aws/us-east-1) when it does not exist yet, and waits until it is ready.
func Open(ctx context.Context, apiKey, indexName string, dimension int, opts ...Option) (*Store, error) {
	s := &Store{
		apiKey:     apiKey,
		indexName:  indexName,
		dimension:  dimension,
		controlURL: controlPlaneURL,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	host, err := s.ensureIndex(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	s.dataURL = strings.TrimRight(host, "/")
	return s, nil
}

type indexDescription struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Status struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
	Dimension int `json:"dimension"`
}

// ensureIndex describes the index, creating it on 404, and polls until the
// index reports ready. Returns the data-plane host.
func (s *Store) ensureIndex(ctx context.Context) (string, error) {
	desc, err := s.describeIndex(ctx)
	if err != nil {
		if !isNotFound(err) {
			return "", err
		}
		s.logger.Info("creating index", "index", s.indexName, "dimension", s.dimension)
		if err := s.createIndex(ctx); err != nil {
			return "", err
		}
		desc, err = s.describeIndex(ctx)
		if err != nil {
			return "", err
		}
	}
	if desc.Dimension != 0 && desc.Dimension != s.dimension {
		return "", slackseek.Errorf(slackseek.KindDimensionMismatch,
			"index %s has dimension %d, embeddings are %d", s.indexName, desc.Dimension, s.dimension)
	}

	for !desc.Status.Ready {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
		desc, err = s.describeIndex(ctx)
		if err != nil {
			return "", err
		}
	}
	return desc.Host, nil
}

func (s *Store) describeIndex(ctx context.Context) (indexDescription, error) {
	var desc indexDescription
	err := s.do(ctx, http.MethodGet, s.controlURL+"/indexes/"+s.indexName, nil, &desc)
	return desc, err
}

func (s *Store) createIndex(ctx context.Context) error {
	body := map[string]any{
		"name":      s.indexName,
		"dimension": s.dimension,
		"metric":    "cosine",
		"spec": map[string]any{
			"serverless": map[string]any{"cloud": "aws", "region": "us-east-1"},
		},
	}
	return s.do(ctx, http.MethodPost, s.controlURL+"/indexes", body, nil)
}

type vectorWire struct {
	ID       string             `json:"id"`
	Values   []float32          `json:"values,omitempty"`
	Score    float64            `json:"score,omitempty"`
	Metadata slackseek.Metadata `json:"metadata"`
}

// Upsert writes vectors in batches of at most 100.
func (s *Store) Upsert(ctx context.Context, vectors []slackseek.Vector) error {
	for start := 0; start < len(vectors); start += upsertBatchMax {
		end := min(start+upsertBatchMax, len(vectors))

		wire := make([]vectorWire, 0, end-start)
		for _, v := range vectors[start:end] {
			wire = append(wire, vectorWire{ID: v.ID, Values: v.Values, Metadata: v.Metadata})
		}
		err := s.call(ctx, "upsert", http.MethodPost, s.dataURL+"/vectors/upsert",
			map[string]any{"vectors": wire}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

type queryResponse struct {
	Matches []vectorWire `json:"matches"`
}

// Query returns the topK most similar vectors, best first.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int, filter slackseek.Filter) ([]slackseek.ScoredVector, error) {
	body := map[string]any{
		"vector":          embedding,
		"topK":            topK,
		"includeMetadata": true,
		"includeValues":   false,
	}
	if f := translateFilter(filter); f != nil {
		body["filter"] = f
	}

	var resp queryResponse
	if err := s.call(ctx, "query", http.MethodPost, s.dataURL+"/query", body, &resp); err != nil {
		return nil, err
	}

	out := make([]slackseek.ScoredVector, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		out = append(out, slackseek.ScoredVector{ID: m.ID, Score: m.Score, Metadata: m.Metadata})
	}
	return out, nil
}

// translateFilter renders a Filter as a Pinecone metadata filter document.
// Returns nil for the zero filter.
func translateFilter(f slackseek.Filter) map[string]any {
	if f.IsZero() {
		return nil
	}
	out := map[string]any{}
	if f.ChannelID != "" {
		out["channel_id"] = map[string]any{"$eq": f.ChannelID}
	}
	if f.UserID != "" {
		out["user_id"] = map[string]any{"$eq": f.UserID}
	}
	tsRange := map[string]any{}
	if f.TSFrom != 0 {
		tsRange["$gte"] = f.TSFrom
	}
	if f.TSTo != 0 {
		tsRange["$lte"] = f.TSTo
	}
	if len(tsRange) > 0 {
		out["ts_unix"] = tsRange
	}
	return out
}

type statsResponse struct {
	TotalVectorCount int `json:"totalVectorCount"`
	Dimension        int `json:"dimension"`
}

// Stats describes the index. The channel list comes from a bounded
// zero-vector probe, so it may undercount very wide workspaces.
func (s *Store) Stats(ctx context.Context) (slackseek.StoreStats, error) {
	var resp statsResponse
	err := s.call(ctx, "describe_index_stats", http.MethodPost,
		s.dataURL+"/describe_index_stats", map[string]any{}, &resp)
	if err != nil {
		return slackseek.StoreStats{}, err
	}

	stats := slackseek.StoreStats{
		VectorCount: resp.TotalVectorCount,
		Dimension:   resp.Dimension,
	}
	if resp.TotalVectorCount == 0 {
		return stats, nil
	}

	probe, err := s.Query(ctx, make([]float32, s.dimension), statsProbeTopK, slackseek.Filter{})
	if err != nil {
		// Stats degrade gracefully: counts without channel names.
		s.logger.Warn("channel probe failed", "error", err)
		return stats, nil
	}
	seen := map[string]bool{}
	for _, m := range probe {
		if m.Metadata.ChannelName != "" && !seen[m.Metadata.ChannelName] {
			seen[m.Metadata.ChannelName] = true
			stats.Channels = append(stats.Channels, m.Metadata.ChannelName)
		}
		if t := m.Metadata.TSUnix; t > 0 {
			if ts := time.Unix(int64(t), 0).UTC(); ts.After(stats.LastUpdated) {
				stats.LastUpdated = ts
			}
		}
	}
	sort.Strings(stats.Channels)
	return stats, nil
}

// DeleteByChannel removes every vector whose metadata carries channelID.
func (s *Store) DeleteByChannel(ctx context.Context, channelID string) error {
	body := map[string]any{
		"filter": map[string]any{"channel_id": map[string]any{"$eq": channelID}},
	}
	return s.call(ctx, "delete", http.MethodPost, s.dataURL+"/vectors/delete", body, nil)
}

// Close is a no-op; the store holds no connections of its own.
func (s *Store) Close() error { return nil }

// call wraps do with retry; transient Pinecone failures (429, 5xx) back off.
func (s *Store) call(ctx context.Context, op, method, url string, body, v any) error {
	cfg := s.retry
	cfg.Logger = s.logger
	_, err := slackseek.Retry(ctx, cfg, "pinecone."+op, func() (struct{}, error) {
		return struct{}{}, s.do(ctx, method, url, body, v)
	})
	return err
}

func (s *Store) do(ctx context.Context, method, url string, body, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return slackseek.Errorf(slackseek.KindInternal, "marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return slackseek.Errorf(slackseek.KindInternal, "build request: %v", err)
	}
	req.Header.Set("Api-Key", s.apiKey)
	req.Header.Set("X-Pinecone-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &slackseek.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: slackseek.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return slackseek.Errorf(slackseek.KindInvalid, "decode response: %v", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var h *slackseek.ErrHTTP
	return errors.As(err, &h) && h.Status == http.StatusNotFound
}

var _ slackseek.VectorStore = (*Store)(nil)
