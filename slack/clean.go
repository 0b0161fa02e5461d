package slack

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NameResolver maps a Slack user ID to a display name. Resolution failures
// should return the ID itself rather than an error.
type NameResolver func(ctx context.Context, userID string) string

// TextCleaner rewrites Slack markup into plain prose suitable for indexing:
// user mentions become @name, channel mentions #name, links their display
// text, and special mentions their literal form. The output is NFC
// normalized with control characters stripped.
type TextCleaner struct {
	resolve NameResolver
}

// NewTextCleaner creates a cleaner that resolves user mentions via resolve.
// A nil resolver leaves the raw user IDs in place.
func NewTextCleaner(resolve NameResolver) *TextCleaner {
	if resolve == nil {
		resolve = func(_ context.Context, userID string) string { return userID }
	}
	return &TextCleaner{resolve: resolve}
}

var (
	userMentionRe    = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)
	channelMentionRe = regexp.MustCompile(`<#([A-Z0-9]+)(?:\|([^>]*))?>`)
	specialCatchRe   = regexp.MustCompile(`<!([^|>]+)\|([^>]+)>`)
	linkRe           = regexp.MustCompile(`<((?:https?|mailto)[^|>]*)(?:\|([^>]*))?>`)
)

// Clean rewrites message markup for indexing.
func (t *TextCleaner) Clean(ctx context.Context, message string) string {
	message = userMentionRe.ReplaceAllStringFunc(message, func(m string) string {
		id := userMentionRe.FindStringSubmatch(m)[1]
		return "@" + t.resolve(ctx, id)
	})

	message = channelMentionRe.ReplaceAllStringFunc(message, func(m string) string {
		parts := channelMentionRe.FindStringSubmatch(m)
		if parts[2] != "" {
			return "#" + parts[2]
		}
		return "#" + parts[1]
	})

	message = strings.NewReplacer(
		"<!channel>", "@channel",
		"<!here>", "@here",
		"<!everyone>", "@everyone",
	).Replace(message)

	// <!subteam^ID|@handle> and friends keep their display half.
	message = specialCatchRe.ReplaceAllString(message, "$2")

	message = linkRe.ReplaceAllStringFunc(message, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		return parts[1]
	})

	return Normalize(message)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize NFC-normalizes text, strips control characters, and collapses
// every whitespace run (spaces, tabs, newlines) into a single space, trimming
// the ends.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
