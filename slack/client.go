// Package slack is a typed client for the subset of the Slack Web API this
// service ingests from: channel history, thread replies, user and channel
// lookups, and file (canvas, post) content. Every call goes through the
// shared rate governor under the endpoint's own budget, and 429 responses
// feed their Retry-After back into it.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/slackseek"
)

const defaultBaseURL = "https://slack.com/api"

// Client calls the Slack Web API with endpoint-scoped rate limiting and
// TTL-cached user and channel lookups.
type Client struct {
	token    string
	baseURL  string
	http     *http.Client
	governor *slackseek.Governor
	logger   *slog.Logger
	cacheTTL time.Duration
	pageSize int
	retry    slackseek.RetryConfig

	cleaner *TextCleaner

	mu       sync.RWMutex
	users    map[string]cacheEntry[slackseek.User]
	channels map[string]cacheEntry[slackseek.Channel]
}

type cacheEntry[T any] struct {
	value   T
	fetched time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithGovernor sets the shared rate governor. Without one the client builds
// its own with the standard Slack endpoint budgets.
func WithGovernor(g *slackseek.Governor) Option {
	return func(c *Client) { c.governor = g }
}

// WithHTTPClient overrides the HTTP client (tests point it at a fake server).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCacheTTL sets how long user and channel lookups are cached.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithRetry overrides attempt count and backoff for API calls.
func WithRetry(cfg slackseek.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a Client for the given bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:    token,
		baseURL:  defaultBaseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.New(slog.DiscardHandler),
		cacheTTL: 24 * time.Hour,
		pageSize: 1000,
		users:    make(map[string]cacheEntry[slackseek.User]),
		channels: make(map[string]cacheEntry[slackseek.Channel]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.governor == nil {
		c.governor = DefaultGovernor()
	}
	c.cleaner = NewTextCleaner(func(ctx context.Context, userID string) string {
		u, err := c.GetUser(ctx, userID)
		if err != nil {
			return userID
		}
		return u.Label()
	})
	return c
}

// DefaultGovernor builds a Governor with the per-minute budgets of the Slack
// Web API tiers this client touches. Unlisted slack endpoints fall back to a
// conservative 50 per minute.
func DefaultGovernor() *slackseek.Governor {
	return slackseek.NewGovernor(
		slackseek.WithDefaultLimit("slack", 50),
		slackseek.WithLimit("slack", "conversations.history", 100),
		slackseek.WithLimit("slack", "conversations.replies", 100),
		slackseek.WithLimit("slack", "conversations.info", 100),
		slackseek.WithLimit("slack", "conversations.list", 20),
		slackseek.WithLimit("slack", "users.info", 100),
		slackseek.WithLimit("slack", "files.info", 50),
		slackseek.WithLimit("slack", "auth.test", 100),
	)
}

// Cleaner returns the client's text cleaner, which resolves user mentions
// through the client's cached user lookups.
func (c *Client) Cleaner() *TextCleaner { return c.cleaner }

// GetUser fetches a user, serving cached entries until the TTL expires.
func (c *Client) GetUser(ctx context.Context, userID string) (slackseek.User, error) {
	c.mu.RLock()
	entry, ok := c.users[userID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.cacheTTL {
		return entry.value, nil
	}

	var resp userResponse
	if err := c.call(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		return slackseek.User{}, err
	}
	u := slackseek.User{
		ID:          resp.User.ID,
		Name:        resp.User.Name,
		DisplayName: resp.User.Profile.DisplayName,
		RealName:    resp.User.Profile.RealName,
	}
	c.mu.Lock()
	c.users[userID] = cacheEntry[slackseek.User]{value: u, fetched: time.Now()}
	c.mu.Unlock()
	return u, nil
}

// GetChannel fetches a channel, serving cached entries until the TTL
// expires. The result includes the channel's canvas file id when one exists.
func (c *Client) GetChannel(ctx context.Context, channelID string) (slackseek.Channel, error) {
	c.mu.RLock()
	entry, ok := c.channels[channelID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < c.cacheTTL {
		return entry.value, nil
	}

	var resp channelResponse
	if err := c.call(ctx, "conversations.info", url.Values{"channel": {channelID}}, &resp); err != nil {
		return slackseek.Channel{}, err
	}
	ch := slackseek.Channel{
		ID:           resp.Channel.ID,
		Name:         resp.Channel.Name,
		IsMember:     resp.Channel.IsMember,
		CanvasFileID: resp.Channel.Properties.Canvas.FileID,
	}
	c.mu.Lock()
	c.channels[channelID] = cacheEntry[slackseek.Channel]{value: ch, fetched: time.Now()}
	c.mu.Unlock()
	return ch, nil
}

// ListChannels pages through every conversation visible to the bot and
// caches each one, so later ResolveChannel calls see the full workspace.
func (c *Client) ListChannels(ctx context.Context) ([]slackseek.Channel, error) {
	var out []slackseek.Channel
	cursor := ""
	for {
		params := url.Values{
			"limit": {"200"},
			"types": {"public_channel,private_channel"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp listResponse
		if err := c.call(ctx, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		now := time.Now()
		c.mu.Lock()
		for _, raw := range resp.Channels {
			ch := slackseek.Channel{
				ID:           raw.ID,
				Name:         raw.Name,
				IsMember:     raw.IsMember,
				CanvasFileID: raw.Properties.Canvas.FileID,
			}
			out = append(out, ch)
			c.channels[ch.ID] = cacheEntry[slackseek.Channel]{value: ch, fetched: now}
		}
		c.mu.Unlock()

		cursor = resp.Metadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

// ResolveChannel finds a cached channel by name. Matching is
// case-insensitive and a leading "#" is ignored, so "engineering",
// "#Engineering" and a bare channel ID all resolve. Only channels already
// fetched through GetChannel are visible.
func (c *Client) ResolveChannel(name string) (slackseek.Channel, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "#")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.channels[name]; ok {
		return entry.value, true
	}
	for _, entry := range c.channels {
		if strings.EqualFold(entry.value.Name, name) {
			return entry.value, true
		}
	}
	return slackseek.Channel{}, false
}

// ResolveUser finds a cached user by display name, username, or real name.
// Matching is case-insensitive and a leading "@" is ignored.
func (c *Client) ResolveUser(name string) (slackseek.User, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")

	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.users[name]; ok {
		return entry.value, true
	}
	for _, entry := range c.users {
		u := entry.value
		if strings.EqualFold(u.DisplayName, name) || strings.EqualFold(u.Name, name) || strings.EqualFold(u.RealName, name) {
			return u, true
		}
	}
	return slackseek.User{}, false
}

// StreamHistory pages through a channel's history and sends each converted
// top-level message to out, oldest page last (Slack returns newest first).
// Messages strictly newer than oldest are included; thread replies surface
// later via ThreadReplies on their roots. Returns when pagination completes,
// ctx is cancelled, or a page fetch fails.
func (c *Client) StreamHistory(ctx context.Context, channelID, oldest string, out chan<- slackseek.Message) error {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}

	cursor := ""
	for {
		params := url.Values{
			"channel": {channelID},
			"limit":   {fmt.Sprint(c.pageSize)},
		}
		if oldest != "" {
			params.Set("oldest", oldest)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp historyResponse
		if err := c.call(ctx, "conversations.history", params, &resp); err != nil {
			return err
		}

		for _, raw := range resp.Messages {
			msg, ok := c.convert(ctx, raw, ch)
			if !ok {
				continue
			}
			// Replies appear in history too; their roots carry them.
			if msg.ThreadParentTS != "" && msg.ThreadParentTS != msg.TS {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		cursor = resp.Metadata.NextCursor
		if cursor == "" {
			return nil
		}
	}
}

// ThreadReplies fetches the replies of a thread, excluding the root itself.
func (c *Client) ThreadReplies(ctx context.Context, channelID, threadTS string) ([]slackseek.Message, error) {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	params := url.Values{"channel": {channelID}, "ts": {threadTS}}
	var resp repliesResponse
	if err := c.call(ctx, "conversations.replies", params, &resp); err != nil {
		return nil, err
	}

	var replies []slackseek.Message
	for _, raw := range resp.Messages {
		if raw.TS == threadTS {
			continue
		}
		msg, ok := c.convert(ctx, raw, ch)
		if !ok {
			continue
		}
		msg.Kind = slackseek.KindThreadReply
		replies = append(replies, msg)
	}
	return replies, nil
}

// convert turns a wire message into a domain Message. Returns false for
// messages that should not be indexed: bot posts and messages with neither
// text nor extractable file content.
func (c *Client) convert(ctx context.Context, raw apiMessage, ch slackseek.Channel) (slackseek.Message, bool) {
	if rich, ok := c.richContent(ctx, raw, ch); ok {
		return rich, true
	}
	if raw.Text == "" || raw.Subtype == "bot_message" || raw.User == "" {
		return slackseek.Message{}, false
	}

	userName := raw.User
	if u, err := c.GetUser(ctx, raw.User); err == nil {
		userName = u.Label()
	}

	msg := slackseek.Message{
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		TS:          raw.TS,
		Text:        c.cleaner.Clean(ctx, raw.Text),
		UserID:      raw.User,
		UserName:    userName,
		ReplyCount:  raw.ReplyCount,
		Kind:        slackseek.KindMessage,
	}
	if raw.ThreadTS != "" {
		msg.ThreadParentTS = raw.ThreadTS
		msg.IsThreadRoot = raw.ThreadTS == raw.TS
	} else {
		msg.IsThreadRoot = raw.ReplyCount > 0
	}
	for _, r := range raw.Reactions {
		msg.Reactions = append(msg.Reactions, slackseek.Reaction{
			Name:  r.Name,
			Count: r.Count,
			Users: r.Users,
		})
	}
	return msg, true
}

// call performs one governed, retried Slack API call and decodes the
// response into v, which must embed apiEnvelope.
func (c *Client) call(ctx context.Context, method string, params url.Values, v interface{ envelope() apiEnvelope }) error {
	cfg := c.retry
	cfg.Logger = c.logger
	cfg.OnRetryAfter = func(d time.Duration) {
		c.governor.NotifyRetryAfter("slack", method, d)
	}
	_, err := slackseek.Retry(ctx, cfg, "slack."+method, func() (struct{}, error) {
		return struct{}{}, c.doCall(ctx, method, params, v)
	})
	return err
}

func (c *Client) doCall(ctx context.Context, method string, params url.Values, v interface{ envelope() apiEnvelope }) error {
	if err := c.governor.Acquire(ctx, "slack", method); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method,
		strings.NewReader(params.Encode()))
	if err != nil {
		return slackseek.Errorf(slackseek.KindInternal, "build request %s: %v", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &slackseek.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: slackseek.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return slackseek.Errorf(slackseek.KindInvalid, "decode %s response: %v", method, err)
	}

	env := v.envelope()
	if !env.OK {
		return apiError(method, env.Error, resp.Header.Get("Retry-After"))
	}
	return nil
}

// apiError maps Slack's ok=false error strings onto the error taxonomy.
// "ratelimited" arrives with HTTP 200 on some endpoints, so it is handled
// here as well as at the transport level.
func apiError(method, code, retryAfter string) error {
	switch code {
	case "ratelimited":
		ra := slackseek.ParseRetryAfter(retryAfter)
		if ra == 0 {
			ra = time.Minute
		}
		return &slackseek.ErrHTTP{Status: 429, Body: code, RetryAfter: ra}
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked":
		return slackseek.Errorf(slackseek.KindAuthUpstream, "slack %s: %s", method, code)
	}
	return slackseek.Errorf(slackseek.KindInvalid, "slack %s: %s", method, code)
}

// download fetches a private file URL with the bot token. Used for canvas
// documents and PDF attachments.
func (c *Client) download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, slackseek.Errorf(slackseek.KindInternal, "build download request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &slackseek.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

func (e apiEnvelope) envelope() apiEnvelope { return e }
