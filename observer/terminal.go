package observer

import (
	"context"
	"time"

	"github.com/evanharso/termpilot"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTerminal wraps a termpilot.Terminal so command captures emit
// spans and duration metrics. Plain writes and subscriptions pass through
// untouched.
type ObservedTerminal struct {
	inner termpilot.Terminal
	inst  *Instruments
}

// WrapTerminal returns an instrumented terminal.
func WrapTerminal(inner termpilot.Terminal, inst *Instruments) *ObservedTerminal {
	return &ObservedTerminal{inner: inner, inst: inst}
}

func (o *ObservedTerminal) Write(data string) error { return o.inner.Write(data) }

func (o *ObservedTerminal) Subscribe(fn func(data string)) func() {
	return o.inner.Subscribe(fn)
}

func (o *ObservedTerminal) Status(ctx context.Context) termpilot.TerminalStatus {
	return o.inner.Status(ctx)
}

func (o *ObservedTerminal) LastExitCode(ctx context.Context) (int, bool) {
	return o.inner.LastExitCode(ctx)
}

func (o *ObservedTerminal) HasInstance() bool { return o.inner.HasInstance() }

func (o *ObservedTerminal) Type() termpilot.TerminalType { return o.inner.Type() }

func (o *ObservedTerminal) ExecuteCapture(ctx context.Context, cmd string, timeout time.Duration) (termpilot.CaptureResult, error) {
	termType := string(o.inner.Type())
	ctx, span := o.inst.Tracer.Start(ctx, "terminal.execute", trace.WithAttributes(
		AttrTerminalType.String(termType),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.ExecuteCapture(ctx, cmd, timeout)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.TimedOut {
		status = "timeout"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrCommandTimedOut.Bool(result.TimedOut),
		AttrOutputLength.Int(len(result.Output)),
	)

	o.inst.CommandExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrTerminalType.String(termType),
		attribute.String("status", status),
	))
	o.inst.CommandDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrTerminalType.String(termType),
	))

	// Structured log. The command itself stays out of telemetry; it can
	// carry secrets.
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("terminal command executed"))
	rec.AddAttributes(
		otellog.String("terminal.type", termType),
		otellog.String("status", status),
		otellog.Int("terminal.output_length", len(result.Output)),
		otellog.Float64("terminal.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ termpilot.Terminal = (*ObservedTerminal)(nil)
