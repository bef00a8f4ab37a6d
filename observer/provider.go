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

// ObservedProvider wraps a termpilot.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner    termpilot.Provider
	inst     *Instruments
	model    string
	profiles map[string]string
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs. model is the default model name used for labels and pricing.
func WrapProvider(inner termpilot.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

// WithProfileModels maps engine profile ids to model names so labels and
// cost follow the model a profile actually resolves to.
func (o *ObservedProvider) WithProfileModels(profiles map[string]string) *ObservedProvider {
	o.profiles = profiles
	return o
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Abort(requestID string) { o.inner.Abort(requestID) }

// modelFor resolves the model label for a request's profile.
func (o *ObservedProvider) modelFor(profile string) string {
	if m, ok := o.profiles[profile]; ok && m != "" {
		return m
	}
	return o.model
}

func (o *ObservedProvider) Chat(ctx context.Context, req termpilot.ChatRequest) (termpilot.ChatResponse, error) {
	model := o.modelFor(req.Profile)
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

	o.record(ctx, span, model, req.Profile, "chat", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatTools(ctx context.Context, req termpilot.ChatRequest) (termpilot.ChatResponse, error) {
	model := o.modelFor(req.Profile)
	spanAttrs := []attribute.KeyValue{
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, AttrToolNames.StringSlice(toolNames))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_with_tools", trace.WithAttributes(spanAttrs...))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.ChatTools(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, model, req.Profile, "chat_with_tools", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatToolsStream(ctx context.Context, req termpilot.ChatRequest, ch chan<- termpilot.StreamEvent) (termpilot.ChatResponse, error) {
	model := o.modelFor(req.Profile)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_tools_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks. The goroutine forwards events from
	// wrappedCh to the caller's ch. Buffer wrappedCh generously so the inner
	// provider never blocks on send, preventing a deadlock where the
	// goroutine can't drain wrappedCh because ch is full and nobody reads ch
	// until ChatToolsStream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan termpilot.StreamEvent, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for ev := range wrappedCh {
			chunks++
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatToolsStream(ctx, req, wrappedCh)
	<-done // wait for the goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, model, req.Profile, "chat_tools_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, profile, method, status string, durationMs float64, usage termpilot.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)
	if profile != "" {
		span.SetAttributes(AttrLLMProfile.String(profile))
	}

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ termpilot.Provider = (*ObservedProvider)(nil)
