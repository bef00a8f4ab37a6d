package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evanharso/termpilot"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedMCP wraps a termpilot.MCPClient with OTEL instrumentation. Every
// tools/call gets a span and feeds the tool counters.
type ObservedMCP struct {
	inner termpilot.MCPClient
	inst  *Instruments
}

// WrapMCP returns an instrumented MCP client.
func WrapMCP(inner termpilot.MCPClient, inst *Instruments) *ObservedMCP {
	return &ObservedMCP{inner: inner, inst: inst}
}

func (o *ObservedMCP) IsInitialized() bool { return o.inner.IsInitialized() }

func (o *ObservedMCP) ListTools(ctx context.Context) ([]termpilot.MCPToolInfo, error) {
	return o.inner.ListTools(ctx)
}

func (o *ObservedMCP) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.CallTool(ctx, server, tool, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("mcp tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", tool),
		otellog.String("tool.server", server),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ termpilot.MCPClient = (*ObservedMCP)(nil)
