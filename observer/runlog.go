package observer

import (
	"context"

	"github.com/nevindra/slackseek/ingest"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunLogger records ingestion run summaries as OTEL metrics. It satisfies
// ingest.RunLogger, so it slots into the worker's sink fan-out alongside the
// structured-log sink.
type RunLogger struct {
	inst *Instruments
}

// NewRunLogger returns an OTEL-backed ingestion run sink.
func NewRunLogger(inst *Instruments) *RunLogger {
	return &RunLogger{inst: inst}
}

var _ ingest.RunLogger = (*RunLogger)(nil)

func (l *RunLogger) LogRun(ctx context.Context, rec ingest.RunRecord) error {
	status := "ok"
	if len(rec.ChannelsFailed) > 0 {
		status = "partial"
	}
	l.inst.IngestRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	l.inst.IngestMessages.Add(ctx, int64(rec.MessagesProcessed))
	l.inst.IngestVectors.Add(ctx, int64(rec.VectorsUpserted))
	l.inst.IngestDuration.Record(ctx, rec.End.Sub(rec.Start).Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
	return nil
}
