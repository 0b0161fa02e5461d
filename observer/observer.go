// Package observer provides OTEL-based observability for the indexing and
// search pipeline.
//
// It wraps Provider, EmbeddingProvider, the search service, and MCP tools
// with instrumented versions that emit traces, metrics, and logs via
// OpenTelemetry. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/slackseek/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// LLM and embedding
	TokenUsage    metric.Int64Counter
	CostTotal     metric.Float64Counter
	LLMRequests   metric.Int64Counter
	EmbedRequests metric.Int64Counter
	LLMDuration   metric.Float64Histogram
	EmbedDuration metric.Float64Histogram

	// Search
	SearchRequests metric.Int64Counter
	SearchDuration metric.Float64Histogram
	SearchResults  metric.Int64Histogram

	// Ingestion
	IngestRuns     metric.Int64Counter
	IngestMessages metric.Int64Counter
	IngestVectors  metric.Int64Counter
	IngestDuration metric.Float64Histogram

	// MCP tools
	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("slackseek")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	searchRequests, err := meter.Int64Counter("search.requests",
		metric.WithDescription("Search request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram("search.duration",
		metric.WithDescription("Search request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	searchResults, err := meter.Int64Histogram("search.results",
		metric.WithDescription("Results returned per search"),
		metric.WithUnit("{result}"))
	if err != nil {
		return nil, err
	}

	ingestRuns, err := meter.Int64Counter("ingest.runs",
		metric.WithDescription("Ingestion run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	ingestMessages, err := meter.Int64Counter("ingest.messages",
		metric.WithDescription("Messages processed across ingestion runs"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	ingestVectors, err := meter.Int64Counter("ingest.vectors",
		metric.WithDescription("Vectors upserted across ingestion runs"),
		metric.WithUnit("{vector}"))
	if err != nil {
		return nil, err
	}

	ingestDuration, err := meter.Float64Histogram("ingest.duration",
		metric.WithDescription("Ingestion run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("MCP tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("MCP tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		TokenUsage:     tokenUsage,
		CostTotal:      costTotal,
		LLMRequests:    llmRequests,
		EmbedRequests:  embedRequests,
		LLMDuration:    llmDuration,
		EmbedDuration:  embedDuration,
		SearchRequests: searchRequests,
		SearchDuration: searchDuration,
		SearchResults:  searchResults,
		IngestRuns:     ingestRuns,
		IngestMessages: ingestMessages,
		IngestVectors:  ingestVectors,
		IngestDuration: ingestDuration,
		ToolExecutions: toolExecutions,
		ToolDuration:   toolDuration,
		Cost:           NewCostCalculator(pricing),
	}, nil
}
