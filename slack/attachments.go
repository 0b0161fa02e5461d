package slack

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nevindra/slackseek"
)

// minRichContent is the minimum extracted length worth indexing. Slack file
// previews shorter than this are noise (icons, empty snippets).
const minRichContent = 10

var codeFiletypes = map[string]bool{
	"python": true, "javascript": true, "typescript": true, "java": true,
	"cpp": true, "c": true, "go": true, "rust": true, "php": true,
	"ruby": true, "shell": true, "sql": true, "yaml": true,
}

var textFiletypes = map[string]bool{
	"text": true, "plain": true, "markdown": true, "txt": true, "md": true,
}

// richContent extracts indexable content from a message's file attachments:
// Slack lists, workflows, posts, text and code file previews, and PDF
// documents. The first attachment with enough content wins. Returns false
// when nothing is worth indexing.
func (c *Client) richContent(ctx context.Context, raw apiMessage, ch slackseek.Channel) (slackseek.Message, bool) {
	for _, f := range raw.Files {
		title, content := c.extractFile(ctx, f)
		if len(strings.TrimSpace(content)) < minRichContent {
			continue
		}

		userID := raw.User
		if userID == "" {
			userID = f.User
		}
		userName := userID
		if userID != "" {
			if u, err := c.GetUser(ctx, userID); err == nil {
				userName = u.Label()
			}
		}

		ts := raw.TS
		if ts == "" {
			ts = fmt.Sprintf("%d.000000", f.Created)
		}

		msg := slackseek.Message{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			TS:          ts,
			Text:        Normalize(content),
			UserID:      userID,
			UserName:    userName,
			Kind:        slackseek.KindRichPost,
			Title:       title,
		}
		if raw.ThreadTS != "" && raw.ThreadTS != raw.TS {
			msg.ThreadParentTS = raw.ThreadTS
		}
		return msg, true
	}
	return slackseek.Message{}, false
}

// extractFile renders one attachment as (title, content). Unknown file types
// yield empty content and are skipped by the caller.
func (c *Client) extractFile(ctx context.Context, f apiFile) (string, string) {
	title := f.Title
	if title == "" {
		title = f.Name
	}
	if f.Filetype != "pdf" && len(strings.TrimSpace(f.Preview)) < minRichContent {
		return title, ""
	}

	var b strings.Builder
	switch {
	case f.Subtype == "slack_list" || f.Filetype == "slack_list":
		fmt.Fprintf(&b, "List: %s\n", title)
		if f.Preview != "" {
			fmt.Fprintf(&b, "Items:\n%s", f.Preview)
		}

	case f.Subtype == "workflow" || f.Filetype == "workflow":
		fmt.Fprintf(&b, "Workflow: %s\n", title)
		if f.Preview != "" {
			fmt.Fprintf(&b, "Description:\n%s", f.Preview)
		}
		if f.AppName != "" {
			fmt.Fprintf(&b, "\nApp: %s", f.AppName)
		}

	case f.Subtype == "post" || f.Filetype == "post":
		fmt.Fprintf(&b, "Post: %s\n", title)
		if f.Preview != "" {
			b.WriteString(DocumentProse([]byte(f.Preview), f.Mimetype))
		}

	case textFiletypes[f.Filetype]:
		fmt.Fprintf(&b, "File: %s\n", title)
		if f.Preview != "" {
			fmt.Fprintf(&b, "Content:\n%s", f.Preview)
		}

	case codeFiletypes[f.Filetype]:
		fmt.Fprintf(&b, "Code File: %s (%s)\n", title, f.Filetype)
		if f.Preview != "" {
			fmt.Fprintf(&b, "Code:\n%s", f.Preview)
		}

	case f.Filetype == "pdf":
		text, err := c.pdfText(ctx, f)
		if err != nil {
			c.logger.Warn("pdf extraction failed", "file", f.ID, "error", err)
			return title, ""
		}
		fmt.Fprintf(&b, "PDF: %s\n%s", title, text)

	default:
		return title, ""
	}
	return title, b.String()
}

// pdfText downloads and extracts the text of a PDF attachment.
func (c *Client) pdfText(ctx context.Context, f apiFile) (string, error) {
	if f.URLPrivate == "" {
		return "", slackseek.Errorf(slackseek.KindInvalid, "pdf %s has no download url", f.ID)
	}
	raw, err := c.download(ctx, f.URLPrivate)
	if err != nil {
		return "", err
	}

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", slackseek.Errorf(slackseek.KindInvalid, "open pdf %s: %v", f.ID, err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}
