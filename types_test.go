package slackseek

import (
	"strings"
	"testing"
)

func TestVectorID(t *testing.T) {
	m := Message{ChannelID: "C123", TS: "1712345678.000300"}

	if got := m.VectorID(0, 1); got != "C123:1712345678.000300" {
		t.Errorf("unchunked id = %q", got)
	}
	if got := m.VectorID(2, 5); got != "C123:1712345678.000300:2" {
		t.Errorf("chunked id = %q", got)
	}
	// Single-chunk splits still use the bare id so re-ingestion overwrites.
	if got := m.VectorID(0, 0); got != "C123:1712345678.000300" {
		t.Errorf("zero-total id = %q", got)
	}
}

func TestUserLabel(t *testing.T) {
	tests := []struct {
		name string
		u    User
		want string
	}{
		{"display wins", User{ID: "U1", Name: "jdoe", DisplayName: "Jay", RealName: "Jane Doe"}, "Jay"},
		{"real name next", User{ID: "U1", Name: "jdoe", RealName: "Jane Doe"}, "Jane Doe"},
		{"account name next", User{ID: "U1", Name: "jdoe"}, "jdoe"},
		{"id fallback", User{ID: "U1"}, "U1"},
	}
	for _, tt := range tests {
		if got := tt.u.Label(); got != tt.want {
			t.Errorf("%s: Label() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMessageTime(t *testing.T) {
	m := Message{TS: "1712345678.000300"}
	got := m.Time()
	if got.Unix() != 1712345678 {
		t.Errorf("Time().Unix() = %d, want 1712345678", got.Unix())
	}
	if got.Location().String() != "UTC" {
		t.Errorf("Time() location = %s, want UTC", got.Location())
	}
	if !(Message{TS: "garbage"}).Time().IsZero() {
		t.Error("malformed TS should yield zero time")
	}
}

func TestEmbeddingText_PlainMessage(t *testing.T) {
	m := Message{
		ChannelName: "general",
		UserName:    "jane",
		TS:          "1712345678.000300",
		Text:        "deploy is done",
		Kind:        KindMessage,
		Reactions:   []Reaction{{Name: "tada", Count: 3}},
	}
	got := m.EmbeddingText()
	for _, want := range []string{
		"Channel: general",
		"User: jane",
		"Message: deploy is done",
		"Reactions: tada(3)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("EmbeddingText missing %q:\n%s", want, got)
		}
	}
}

func TestEmbeddingText_ThreadRootIncludesReplies(t *testing.T) {
	m := Message{
		ChannelName:  "general",
		UserName:     "jane",
		Text:         "anyone seen the build failure?",
		Kind:         KindMessage,
		IsThreadRoot: true,
		ReplyCount:   2,
		Replies: []Message{
			{UserName: "bob", Text: "looking now"},
			{UserName: "eve", Text: "fixed in #42"},
		},
	}
	got := m.EmbeddingText()
	if !strings.Contains(got, "Thread Parent (2 replies)") {
		t.Errorf("missing thread parent label:\n%s", got)
	}
	if !strings.Contains(got, "bob: looking now") || !strings.Contains(got, "eve: fixed in #42") {
		t.Errorf("missing reply tail:\n%s", got)
	}
}

func TestEmbeddingText_ReplyTailIsBounded(t *testing.T) {
	long := strings.Repeat("x", 300)
	var replies []Message
	for i := 0; i < 50; i++ {
		replies = append(replies, Message{UserName: "u", Text: long})
	}
	m := Message{ChannelName: "c", UserName: "u", Text: "root", IsThreadRoot: true, ReplyCount: 50, Replies: replies}
	got := m.EmbeddingText()
	if len(got) > 4000 {
		t.Errorf("embedding text grew unbounded: %d bytes", len(got))
	}
}

func TestEmbeddingText_Canvas(t *testing.T) {
	m := Message{ChannelName: "docs", UserName: "canvas", Kind: KindCanvas, Title: "Onboarding", Text: "Step one..."}
	got := m.EmbeddingText()
	if !strings.Contains(got, "Canvas Title: Onboarding") || !strings.Contains(got, "Canvas Content: Step one...") {
		t.Errorf("canvas composition wrong:\n%s", got)
	}
}

func TestMetadataFor(t *testing.T) {
	m := Message{
		ChannelID:   "C1",
		ChannelName: "general",
		UserID:      "U1",
		UserName:    "jane",
		TS:          "1712345678.000300",
		Kind:        KindMessage,
		Reactions:   []Reaction{{Name: "eyes", Count: 1}},
	}
	md := MetadataFor(m, "chunk body", 1, 3)

	if md.TSUnix != 1712345678.0003 {
		t.Errorf("TSUnix = %v", md.TSUnix)
	}
	if md.ISODate != "2024-04-05T19:34:38Z" {
		t.Errorf("ISODate = %q", md.ISODate)
	}
	if !md.HasReactions {
		t.Error("HasReactions = false")
	}
	if md.ChunkIndex != 1 || md.ChunkTotal != 3 {
		t.Errorf("chunk = %d/%d", md.ChunkIndex, md.ChunkTotal)
	}
	if md.TextExcerpt != "chunk body" {
		t.Errorf("TextExcerpt = %q", md.TextExcerpt)
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("short", 300); got != "short" {
		t.Errorf("short passthrough = %q", got)
	}
	got := Excerpt(strings.Repeat("a", 400), 300)
	if len(got) != 303 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncated len = %d, suffix = %q", len(got), got[len(got)-3:])
	}
	// Multi-byte runes must not be cut mid-sequence.
	got = Excerpt(strings.Repeat("é", 200), 301)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation, got %q", got)
	}
	for _, r := range got {
		if r == '\uFFFD' {
			t.Fatal("excerpt split a rune")
		}
	}
}

func TestCompareTS(t *testing.T) {
	if CompareTS("1712345678.000300", "1712345678.000400") != -1 {
		t.Error("earlier TS should compare less")
	}
	if CompareTS("1712345679.000000", "1712345678.999999") != 1 {
		t.Error("later TS should compare greater")
	}
	if CompareTS("1712345678.000300", "1712345678.000300") != 0 {
		t.Error("equal TS should compare equal")
	}
}
