package slackseek

import (
	"strings"
	"unicode/utf8"
)

// Chunker splits long text into overlapping windows for embedding. Short
// texts pass through as a single chunk; long texts are cut near sentence
// boundaries with a fixed overlap so adjacent chunks share context.
//
// The split is exact: the first chunk plus each later chunk minus its
// leading overlap reassembles the original text.
type Chunker struct {
	budget  int // max bytes per chunk
	overlap int // bytes shared between adjacent chunks
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkBudget sets the maximum chunk size in bytes.
func WithChunkBudget(n int) ChunkerOption {
	return func(c *Chunker) { c.budget = n }
}

// WithChunkOverlap sets the overlap between adjacent chunks in bytes.
func WithChunkOverlap(n int) ChunkerOption {
	return func(c *Chunker) { c.overlap = n }
}

// NewChunker creates a Chunker. Defaults: 8000-byte budget, 200-byte overlap.
// An overlap at or above the budget is clamped to a quarter of the budget.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{budget: 8000, overlap: 200}
	for _, o := range opts {
		o(c)
	}
	if c.budget <= 0 {
		c.budget = 8000
	}
	if c.overlap < 0 || c.overlap >= c.budget {
		c.overlap = c.budget / 4
	}
	return c
}

// Split cuts text into chunks of at most the budget. Each cut prefers the
// last sentence end within the window, then the last space, then a hard cut
// at a rune boundary. Empty input yields nil.
func (c *Chunker) Split(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.budget {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.budget
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		end = cutPoint(text, start, end)
		chunks = append(chunks, text[start:end])

		next := end - c.overlap
		for next > 0 && !utf8.RuneStart(text[next]) {
			next--
		}
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// cutPoint picks the split position in (start, limit]: the byte after the
// last sentence-ending punctuation, else after the last space, else the
// nearest rune boundary at or below limit. Boundaries in the first tenth of
// the window are ignored so chunks stay near the budget.
func cutPoint(text string, start, limit int) int {
	window := text[start:limit]
	floor := len(window) / 10

	if i := lastSentenceEnd(window); i > floor {
		return start + i
	}
	if i := strings.LastIndexByte(window, ' '); i > floor {
		return start + i + 1
	}
	for limit > start && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return limit
}

// lastSentenceEnd returns the position just past the last ". ", "! ", "? "
// or newline in s, or -1.
func lastSentenceEnd(s string) int {
	best := -1
	if i := strings.LastIndexByte(s, '\n'); i > best {
		best = i
	}
	for _, p := range [...]string{". ", "! ", "? "} {
		if i := strings.LastIndex(s, p); i >= 0 && i+1 > best {
			best = i + 1
		}
	}
	if best < 0 {
		return -1
	}
	return best + 1
}

// Overlap reports the configured overlap, used by callers that need to strip
// the shared prefix when reassembling chunks.
func (c *Chunker) Overlap() int { return c.overlap }
