package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/slackseek/mcp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapTool returns a copy of t whose handler emits traces, metrics, and logs
// around each execution.
func WrapTool(t mcp.Tool, inst *Instruments) mcp.Tool {
	name := t.Definition.Name
	inner := t.Execute
	t.Execute = func(ctx context.Context, args json.RawMessage) (mcp.ToolCallResult, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(name),
		))
		defer span.End()
		start := time.Now()

		result, err := inner(ctx, args)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if result.IsError {
			status = "tool_error"
		}
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(AttrToolStatus.String(status))

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(name),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", name),
			otellog.String("tool.status", status),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result, err
	}
	return t
}
