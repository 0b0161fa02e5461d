package observer

import (
	"context"
	"time"

	"github.com/nevindra/slackseek/search"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Searcher matches *search.Service.
type Searcher interface {
	Search(ctx context.Context, query string, ov search.Overrides) (search.Response, error)
}

// ObservedSearch wraps a Searcher with OTEL instrumentation.
type ObservedSearch struct {
	inner Searcher
	inst  *Instruments
}

// WrapSearch returns an instrumented search service.
func WrapSearch(inner Searcher, inst *Instruments) *ObservedSearch {
	return &ObservedSearch{inner: inner, inst: inst}
}

func (o *ObservedSearch) Search(ctx context.Context, query string, ov search.Overrides) (search.Response, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "search.query", trace.WithAttributes(
		AttrSearchTopK.Int(ov.TopK),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Search(ctx, query, ov)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrSearchResults.Int(resp.Total),
		AttrSearchIntent.String(resp.Intent),
	)

	o.inst.SearchRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.SearchDuration.Record(ctx, durationMs)
	if err == nil {
		o.inst.SearchResults.Record(ctx, int64(resp.Total))
	}

	return resp, err
}
