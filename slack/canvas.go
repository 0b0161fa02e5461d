package slack

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nevindra/slackseek"
)

// Canvas fetches the channel's canvas document, or nil when the channel has
// none. The document body is converted to plain prose: Slack serves canvases
// as markdown (or HTML for legacy posts), neither of which should reach the
// embedding model raw.
func (c *Client) Canvas(ctx context.Context, channelID string) (*slackseek.Canvas, error) {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.CanvasFileID == "" {
		return nil, nil
	}

	var resp fileResponse
	if err := c.call(ctx, "files.info", url.Values{"file": {ch.CanvasFileID}}, &resp); err != nil {
		return nil, err
	}
	f := resp.File

	body := ""
	if f.URLPrivate != "" {
		raw, err := c.download(ctx, f.URLPrivate)
		if err != nil {
			c.logger.Warn("canvas download failed, falling back to preview",
				"channel", channelID, "file", f.ID, "error", err)
		} else {
			body = DocumentProse(raw, f.Mimetype)
		}
	}
	if body == "" {
		body = Normalize(strings.TrimSpace(f.Preview))
	}
	if body == "" {
		return nil, nil
	}

	creatorName := "Canvas"
	if f.User != "" {
		if u, err := c.GetUser(ctx, f.User); err == nil {
			creatorName = u.Label()
		}
	}
	title := f.Title
	if title == "" {
		title = f.Name
	}

	return &slackseek.Canvas{
		ID:          f.ID,
		Title:       title,
		Body:        body,
		ChannelID:   channelID,
		CreatorID:   f.User,
		CreatorName: creatorName,
		Created:     time.Unix(f.Created, 0).UTC(),
	}, nil
}

// DocumentProse converts a downloaded document body to plain prose. HTML
// goes through readability extraction; everything else is treated as
// markdown.
func DocumentProse(raw []byte, mimetype string) string {
	if isHTML(raw, mimetype) {
		article, err := readability.FromReader(strings.NewReader(string(raw)),
			&url.URL{Scheme: "https", Host: "slack.com"})
		if err == nil && article.TextContent != "" {
			return Normalize(strings.TrimSpace(article.TextContent))
		}
		// Readability gave up; markdown parsing still strips most markup.
	}
	return MarkdownProse(raw)
}

func isHTML(raw []byte, mimetype string) bool {
	if strings.Contains(mimetype, "html") {
		return true
	}
	head := strings.ToLower(string(raw[:min(len(raw), 256)]))
	return strings.Contains(head, "<!doctype html") || strings.Contains(head, "<html")
}

// MarkdownProse flattens markdown to plain text by walking the parsed AST
// and keeping text content, code block bodies, and block boundaries.
func MarkdownProse(md []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(md))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch t := n.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(md))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte('\n')
				}
			case *ast.String:
				b.Write(t.Value)
			case *ast.FencedCodeBlock:
				writeLines(&b, md, t)
			case *ast.CodeBlock:
				writeLines(&b, md, t)
			}
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
			b.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})

	return Normalize(strings.TrimSpace(b.String()))
}

func writeLines(b *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	b.WriteByte('\n')
}
