package slackseek

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// User is a workspace member. Cached entries are immutable until TTL expiry.
type User struct {
	ID          string
	Name        string
	DisplayName string
	RealName    string
}

// Label returns the name shown in Slack: display name if set, then real
// name, then the account name, then the raw ID.
func (u User) Label() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.RealName != "":
		return u.RealName
	case u.Name != "":
		return u.Name
	}
	return u.ID
}

// Channel is a Slack conversation the ingesting identity may belong to.
type Channel struct {
	ID           string
	Name         string
	IsMember     bool
	CanvasFileID string // empty when the channel has no canvas
}

// Reaction is an emoji reaction attached to a message.
type Reaction struct {
	Name  string
	Count int
	Users []string
}

// Canvas is a long-form document attached to a channel. It is indexed as a
// synthetic message of KindCanvas.
type Canvas struct {
	ID          string
	Title       string
	Body        string
	ChannelID   string
	CreatorID   string
	CreatorName string
	Created     time.Time
}

// TS returns the synthetic Slack timestamp used when indexing the canvas as
// a message.
func (c Canvas) TS() string {
	if c.Created.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%d.000000", c.Created.Unix())
}

// MessageKind classifies how a message entered the index.
type MessageKind string

const (
	KindMessage     MessageKind = "message"
	KindThreadReply MessageKind = "thread_reply"
	KindCanvas      MessageKind = "canvas"
	KindRichPost    MessageKind = "rich_post"
)

// Message is a normalized Slack message. Its identity is (ChannelID, TS);
// TS is Slack's monotonic timestamp string ("1712345678.000300").
type Message struct {
	ChannelID   string
	ChannelName string
	TS          string
	Text        string
	UserID      string
	UserName    string

	ThreadParentTS string // set on thread replies, references a TS in the same channel
	IsThreadRoot   bool
	ReplyCount     int
	Replies        []Message // populated for roots during ingestion

	Reactions []Reaction
	Kind      MessageKind
	Title     string // canvas or rich-post title
}

// VectorID returns the stable vector id for chunk index of total chunks.
// Unchunked messages (total <= 1) keep the bare (channel, ts) id so that
// re-ingestion upserts the same keys.
func (m Message) VectorID(chunk, total int) string {
	if total <= 1 {
		return m.ChannelID + ":" + m.TS
	}
	return fmt.Sprintf("%s:%s:%d", m.ChannelID, m.TS, chunk)
}

// Time converts the Slack timestamp string to a UTC time.
// A malformed TS yields the zero time.
func (m Message) Time() time.Time {
	sec := TSUnix(m.TS)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC()
}

// EmbeddingText composes the text sent to the embedding model: channel and
// author context, a content-kind label, the cleaned body, a reaction summary,
// and a bounded tail of thread-reply excerpts.
func (m Message) EmbeddingText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: %s\n", m.ChannelName)
	fmt.Fprintf(&b, "User: %s\n", m.UserName)
	if t := m.Time(); !t.IsZero() {
		fmt.Fprintf(&b, "Time: %s\n", t.Format("2006-01-02 15:04:05"))
	}

	switch {
	case m.Kind == KindCanvas:
		if m.Title != "" {
			fmt.Fprintf(&b, "Canvas Title: %s\n", m.Title)
		}
		fmt.Fprintf(&b, "Canvas Content: %s", m.Text)
	case m.Kind == KindRichPost:
		if m.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", m.Title)
		}
		fmt.Fprintf(&b, "Content: %s", m.Text)
	case m.Kind == KindThreadReply:
		fmt.Fprintf(&b, "Thread Reply\nMessage: %s", m.Text)
	case m.IsThreadRoot && m.ReplyCount > 0:
		fmt.Fprintf(&b, "Thread Parent (%d replies)\nMessage: %s", m.ReplyCount, m.Text)
	default:
		fmt.Fprintf(&b, "Message: %s", m.Text)
	}

	if s := m.ReactionSummary(); s != "" {
		fmt.Fprintf(&b, "\nReactions: %s", s)
	}
	if tail := m.replyTail(threadTailBudget); tail != "" {
		fmt.Fprintf(&b, "\nReplies: %s", tail)
	}
	return b.String()
}

// threadTailBudget bounds the concatenated thread-reply excerpts appended to
// a root message's embedding text.
const threadTailBudget = 1500

// ReactionSummary renders reactions as "thumbsup(3), eyes(1)".
func (m Message) ReactionSummary() string {
	if len(m.Reactions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		parts = append(parts, fmt.Sprintf("%s(%d)", r.Name, r.Count))
	}
	return strings.Join(parts, ", ")
}

func (m Message) replyTail(budget int) string {
	if len(m.Replies) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range m.Replies {
		excerpt := Excerpt(r.Text, 200)
		if excerpt == "" {
			continue
		}
		piece := r.UserName + ": " + excerpt
		if b.Len()+len(piece)+3 > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(piece)
	}
	return b.String()
}

// Metadata travels with each stored vector.
type Metadata struct {
	ChannelID    string      `json:"channel_id"`
	ChannelName  string      `json:"channel_name"`
	UserID       string      `json:"user_id"`
	UserName     string      `json:"user_name"`
	TS           string      `json:"ts"`
	TSUnix       float64     `json:"ts_unix"` // numeric mirror of TS for range filters
	ISODate      string      `json:"iso_date"`
	ThreadRootTS string      `json:"thread_root_ts,omitempty"`
	Kind         MessageKind `json:"kind"`
	HasReactions bool        `json:"has_reactions"`
	ChunkIndex   int         `json:"chunk_index"`
	ChunkTotal   int         `json:"chunk_total"`
	TextExcerpt  string      `json:"text_excerpt"`
}

// MetadataFor builds the metadata for one chunk of m.
func MetadataFor(m Message, chunkText string, chunk, total int) Metadata {
	t := m.Time()
	iso := ""
	if !t.IsZero() {
		iso = t.Format(time.RFC3339)
	}
	return Metadata{
		ChannelID:    m.ChannelID,
		ChannelName:  m.ChannelName,
		UserID:       m.UserID,
		UserName:     m.UserName,
		TS:           m.TS,
		TSUnix:       TSUnix(m.TS),
		ISODate:      iso,
		ThreadRootTS: m.ThreadParentTS,
		Kind:         m.Kind,
		HasReactions: len(m.Reactions) > 0,
		ChunkIndex:   chunk,
		ChunkTotal:   total,
		TextExcerpt:  Excerpt(chunkText, 300),
	}
}

// Excerpt truncates s to at most n bytes, cutting at a rune boundary and
// appending an ellipsis when truncated.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return strings.TrimRightFunc(s[:cut], unicode.IsSpace) + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// TSUnix parses a Slack timestamp string into Unix seconds.
// Returns 0 for malformed input.
func TSUnix(ts string) float64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

// CompareTS orders two Slack timestamp strings numerically.
func CompareTS(a, b string) int {
	fa, fb := TSUnix(a), TSUnix(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}
