package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// RunRecord summarizes one ingestion run for the operational log sink.
type RunRecord struct {
	RunID             int            `json:"run_id"`
	Start             time.Time      `json:"start"`
	End               time.Time      `json:"end"`
	Duration          string         `json:"duration"`
	ChannelsOK        []string       `json:"channels_ok"`
	ChannelsFailed    []string       `json:"channels_failed,omitempty"`
	MessagesProcessed int            `json:"messages_processed"`
	MessagesEmbedded  int            `json:"messages_embedded"`
	VectorsUpserted   int            `json:"vectors_upserted"`
	ErrorsByKind      map[string]int `json:"errors_by_kind,omitempty"`
}

// RunLogger receives the record of each completed run. Implementations must
// tolerate being called from the worker goroutine; a sink failure is the
// caller's to downgrade to a warning.
type RunLogger interface {
	LogRun(ctx context.Context, rec RunRecord) error
}

// SlogRunLogger writes run records to a structured logger.
type SlogRunLogger struct {
	Logger *slog.Logger
}

func (l SlogRunLogger) LogRun(_ context.Context, rec RunRecord) error {
	l.Logger.Info("ingestion run completed",
		"run_id", rec.RunID,
		"duration", rec.Duration,
		"channels_ok", len(rec.ChannelsOK),
		"channels_failed", len(rec.ChannelsFailed),
		"messages_processed", rec.MessagesProcessed,
		"messages_embedded", rec.MessagesEmbedded,
		"vectors_upserted", rec.VectorsUpserted,
		"errors_by_kind", rec.ErrorsByKind,
	)
	return nil
}

// WebhookRunLogger POSTs each run record as JSON to an external sink.
type WebhookRunLogger struct {
	URL    string
	Client *http.Client
}

func (l WebhookRunLogger) LogRun(ctx context.Context, rec RunRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// MultiRunLogger fans a record out to several sinks; the first failure is
// returned but the remaining sinks still run.
type MultiRunLogger []RunLogger

func (m MultiRunLogger) LogRun(ctx context.Context, rec RunRecord) error {
	var first error
	for _, l := range m {
		if err := l.LogRun(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
