package slackseek

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindConfig            Kind = "config"
	KindAuthUpstream      Kind = "auth_upstream"
	KindAuthClient        Kind = "auth_client"
	KindThrottled         Kind = "upstream_throttled"
	KindTimeout           Kind = "upstream_timeout"
	KindInvalid           Kind = "upstream_invalid"
	KindNotIndexed        Kind = "not_indexed"
	KindDimensionMismatch Kind = "embedding_dimension_mismatch"
	KindPersistence       Kind = "persistence_write_failed"
	KindInternal          Kind = "internal"
)

// Error carries a kind, a human-readable message, and a retry hint.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an *Error. Retryability follows the kind's default.
func Errorf(kind Kind, format string, args ...any) *Error {
	retryable := kind == KindThrottled || kind == KindTimeout
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// KindOf extracts the Kind from err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var h *ErrHTTP
	if errors.As(err, &h) {
		switch {
		case h.Status == 429:
			return KindThrottled
		case h.Status == 401 || h.Status == 403:
			return KindAuthUpstream
		case h.Status >= 500:
			return KindTimeout
		}
		return KindInvalid
	}
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return KindTimeout
	}
	return KindInternal
}

// ErrHTTP is a non-2xx response from an upstream provider. RetryAfter is the
// server-supplied hint, zero when the header was absent.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying: a throttle or server
// hiccup upstream, a timeout, or an Error explicitly marked retryable.
func IsTransient(err error) bool {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.Status == 429 || h.Status == 503 || h.Status == 500 || h.Status == 502 || h.Status == 504
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// ("30") or an HTTP date. Returns 0 for empty or malformed values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RetryAfterOf extracts the server-supplied Retry-After duration, or 0.
func RetryAfterOf(err error) time.Duration {
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.RetryAfter
	}
	return 0
}
