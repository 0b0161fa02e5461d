package observer

import (
	"context"
	"time"

	"github.com/nevindra/slackseek"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a slackseek.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner slackseek.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner slackseek.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

var _ slackseek.Provider = (*ObservedProvider)(nil)

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req slackseek.ChatRequest) (slackseek.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Cost.Calculate(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.PromptTokens),
		AttrTokensOutput.Int(resp.Usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.PromptTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.CompletionTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", resp.Usage.PromptTokens),
		otellog.Int("llm.tokens.output", resp.Usage.CompletionTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return resp, err
}
