// Package local implements slackseek.VectorStore as an append-only NDJSON
// file with an in-memory index and brute-force cosine search. It is the
// fallback store for small workspaces and for development, where a remote
// index is overkill.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nevindra/slackseek"
)

// record is one NDJSON line. A tombstone line has Deleted set and carries
// only the ID; compaction drops tombstoned vectors for good.
type record struct {
	ID       string             `json:"id"`
	Values   []float32          `json:"values,omitempty"`
	Metadata slackseek.Metadata `json:"metadata,omitzero"`
	Deleted  bool               `json:"deleted,omitempty"`
}

// Store is a file-backed vector index.
type Store struct {
	path      string
	dimension int
	logger    *slog.Logger

	mu          sync.RWMutex
	file        *os.File
	vectors     map[string]slackseek.Vector
	lines       int // lines in the file, live or not
	lastUpdated time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open loads the index at path, creating the file (and parent directories)
// when missing. Corrupt lines are logged and skipped, so a crash mid-append
// loses at most the last write.
func Open(path string, dimension int, opts ...Option) (*Store, error) {
	s := &Store{
		path:      path,
		dimension: dimension,
		logger:    slog.New(slog.DiscardHandler),
		vectors:   map[string]slackseek.Vector{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("skipping corrupt line", "path", s.path, "line", line, "error", err)
			continue
		}
		s.lines++
		if rec.Deleted {
			delete(s.vectors, rec.ID)
			continue
		}
		if len(rec.Values) != s.dimension {
			s.logger.Warn("skipping vector with wrong dimension",
				"id", rec.ID, "got", len(rec.Values), "want", s.dimension)
			continue
		}
		s.vectors[rec.ID] = slackseek.Vector{ID: rec.ID, Values: rec.Values, Metadata: rec.Metadata}
		s.observe(rec.Metadata)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Store) observe(md slackseek.Metadata) {
	if md.TSUnix > 0 {
		if t := time.Unix(int64(md.TSUnix), 0).UTC(); t.After(s.lastUpdated) {
			s.lastUpdated = t
		}
	}
}

// Upsert writes vectors to memory and appends them to the file. When dead
// lines outnumber live vectors the file is compacted in place.
func (s *Store) Upsert(ctx context.Context, vectors []slackseek.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := bufio.NewWriter(s.file)
	enc := json.NewEncoder(w)
	for _, v := range vectors {
		if len(v.Values) != s.dimension {
			return slackseek.Errorf(slackseek.KindDimensionMismatch,
				"vector %s has %d dimensions, store expects %d", v.ID, len(v.Values), s.dimension)
		}
		if err := enc.Encode(record{ID: v.ID, Values: v.Values, Metadata: v.Metadata}); err != nil {
			return err
		}
		s.vectors[v.ID] = v
		s.observe(v.Metadata)
		s.lines++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

// Query scans every stored vector. Ties are broken by newer timestamp first
// so "no signal" results still read chronologically.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int, filter slackseek.Filter) ([]slackseek.ScoredVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) != s.dimension {
		return nil, slackseek.Errorf(slackseek.KindDimensionMismatch,
			"query has %d dimensions, store expects %d", len(embedding), s.dimension)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]slackseek.ScoredVector, 0, len(s.vectors))
	for _, v := range s.vectors {
		if !filter.Matches(v.Metadata) {
			continue
		}
		hits = append(hits, slackseek.ScoredVector{
			ID:       v.ID,
			Score:    cosine(embedding, v.Values),
			Metadata: v.Metadata,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Metadata.TSUnix > hits[j].Metadata.TSUnix
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Stats enumerates channels exactly; unlike the remote store there is no
// probe cap here.
func (s *Store) Stats(ctx context.Context) (slackseek.StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return slackseek.StoreStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var channels []string
	for _, v := range s.vectors {
		name := v.Metadata.ChannelName
		if name != "" && !seen[name] {
			seen[name] = true
			channels = append(channels, name)
		}
	}
	sort.Strings(channels)
	return slackseek.StoreStats{
		VectorCount: len(s.vectors),
		Dimension:   s.dimension,
		Channels:    channels,
		LastUpdated: s.lastUpdated,
	}, nil
}

// DeleteByChannel drops matching vectors from memory and appends tombstones
// so the deletion survives a restart before the next compaction.
func (s *Store) DeleteByChannel(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := bufio.NewWriter(s.file)
	enc := json.NewEncoder(w)
	for id, v := range s.vectors {
		if v.Metadata.ChannelID != channelID {
			continue
		}
		if err := enc.Encode(record{ID: id, Deleted: true}); err != nil {
			return err
		}
		delete(s.vectors, id)
		s.lines++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

// maybeCompactLocked rewrites the file when more than half its lines are
// dead (overwritten or tombstoned). Caller holds mu.
func (s *Store) maybeCompactLocked() error {
	if s.lines < 1024 || s.lines < 2*len(s.vectors) {
		return nil
	}
	return s.compactLocked()
}

// compactLocked rewrites the live set to a temp file and renames it over the
// original, so a crash leaves either the old file or the new one, never a
// torn mix. Caller holds mu.
func (s *Store) compactLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".compact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	ids := make([]string, 0, len(s.vectors))
	for id := range s.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := s.vectors[id]
		if err := enc.Encode(record{ID: v.ID, Values: v.Values, Metadata: v.Metadata}); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}

	if s.file != nil {
		s.file.Close()
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.lines = len(s.vectors)
	s.logger.Debug("compacted index", "path", s.path, "vectors", len(s.vectors))
	return nil
}

// Close compacts once and releases the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.file.Close()
		s.file = nil
		return err
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ slackseek.VectorStore = (*Store)(nil)
