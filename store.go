package slackseek

import (
	"context"
	"time"
)

// Vector is one embedding with its identity and metadata, as stored in an
// index.
type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// ScoredVector is a query hit with its cosine similarity score.
type ScoredVector struct {
	ID       string
	Score    float64
	Metadata Metadata
}

// Filter restricts a vector query by metadata. Zero-valued fields do not
// constrain. TSFrom/TSTo bound ts_unix inclusively.
type Filter struct {
	ChannelID string
	UserID    string
	TSFrom    float64
	TSTo      float64
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.ChannelID == "" && f.UserID == "" && f.TSFrom == 0 && f.TSTo == 0
}

// Matches reports whether md satisfies every set constraint.
func (f Filter) Matches(md Metadata) bool {
	if f.ChannelID != "" && md.ChannelID != f.ChannelID {
		return false
	}
	if f.UserID != "" && md.UserID != f.UserID {
		return false
	}
	if f.TSFrom != 0 && md.TSUnix < f.TSFrom {
		return false
	}
	if f.TSTo != 0 && md.TSUnix > f.TSTo {
		return false
	}
	return true
}

// StoreStats summarizes an index for the stats tool.
type StoreStats struct {
	VectorCount int
	Dimension   int
	Channels    []string
	LastUpdated time.Time
}

// VectorStore abstracts the vector index. Implementations: store/pinecone
// (remote serverless index) and store/local (file-backed brute force).
type VectorStore interface {
	// Upsert writes vectors, replacing any with the same IDs.
	Upsert(ctx context.Context, vectors []Vector) error
	// Query returns the topK nearest vectors to embedding, most similar
	// first, restricted by filter.
	Query(ctx context.Context, embedding []float32, topK int, filter Filter) ([]ScoredVector, error)
	// Stats describes the index contents.
	Stats(ctx context.Context) (StoreStats, error)
	// DeleteByChannel removes every vector ingested from channelID.
	DeleteByChannel(ctx context.Context, channelID string) error
	// Close flushes and releases resources.
	Close() error
}
