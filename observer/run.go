package observer

import (
	"context"
	"sync"
	"time"

	"github.com/evanharso/termpilot"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics records run-level telemetry. Wrap engine callbacks with
// Callbacks() so completions and failures feed the run counters; the
// per-operation spans inside a run come from the engine's Tracer.
type RunMetrics struct {
	inst *Instruments

	mu      sync.Mutex
	started map[string]time.Time
}

// NewRunMetrics creates a recorder backed by inst.
func NewRunMetrics(inst *Instruments) *RunMetrics {
	return &RunMetrics{inst: inst, started: map[string]time.Time{}}
}

// Started marks the start of a run. Callbacks() also marks it on the
// first step, so calling this is optional.
func (m *RunMetrics) Started(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.started[runID]; !ok {
		m.started[runID] = time.Now()
	}
}

// Callbacks wraps next so run completion and failure are recorded before
// the wrapped callbacks fire.
func (m *RunMetrics) Callbacks(next termpilot.Callbacks) termpilot.Callbacks {
	out := next
	out.OnStep = func(runID string, step termpilot.Step) {
		m.Started(runID)
		if next.OnStep != nil {
			next.OnStep(runID, step)
		}
	}
	out.OnComplete = func(runID, final string, pendingUserMessages []string) {
		m.finish(runID, "ok")
		if next.OnComplete != nil {
			next.OnComplete(runID, final, pendingUserMessages)
		}
	}
	out.OnError = func(runID, message string) {
		m.finish(runID, "error")
		if next.OnError != nil {
			next.OnError(runID, message)
		}
	}
	return out
}

func (m *RunMetrics) finish(runID, status string) {
	m.mu.Lock()
	start, ok := m.started[runID]
	delete(m.started, runID)
	m.mu.Unlock()

	var durationMs float64
	if ok {
		durationMs = float64(time.Since(start).Milliseconds())
	}

	ctx := context.Background()
	m.inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	if ok {
		m.inst.RunDuration.Record(ctx, durationMs)
	}

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run finished"))
	rec.AddAttributes(
		otellog.String("run.id", runID),
		otellog.String("run.status", status),
		otellog.Float64("run.duration_ms", durationMs),
	)
	m.inst.Logger.Emit(ctx, rec)
}
