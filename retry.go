package termpilot

import (
	"context"
	"time"
)

// Retry policy for transient network failures on model calls. Non-network
// errors are never retried.
const (
	retryBaseDelay  = 1000 * time.Millisecond
	retryMaxRetries = 2
)

// retryProvider wraps a Provider with exponential backoff on network
// errors. Streaming calls are retried only when no event reached the
// consumer yet; once deltas have been forwarded a retry would duplicate
// output.
type retryProvider struct {
	inner Provider
}

// WithRetry decorates a provider with the engine's network retry policy.
func WithRetry(p Provider) Provider {
	if _, ok := p.(*retryProvider); ok {
		return p
	}
	return &retryProvider{inner: p}
}

var _ Provider = (*retryProvider)(nil)

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Abort(requestID string) { r.inner.Abort(requestID) }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

func (r *retryProvider) ChatTools(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, func() (ChatResponse, error) {
		return r.inner.ChatTools(ctx, req)
	})
}

func (r *retryProvider) ChatToolsStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)

	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= retryMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
			delay *= 2
		}

		inner := make(chan StreamEvent, 16)
		done := make(chan struct{})
		forwarded := false
		go func() {
			defer close(done)
			for ev := range inner {
				forwarded = true
				select {
				case ch <- ev:
				case <-ctx.Done():
				}
			}
		}()

		resp, err := r.inner.ChatToolsStream(ctx, req, inner)
		<-done
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if forwarded || !IsNetworkError(err) || ctx.Err() != nil {
			return resp, err
		}
	}
	return ChatResponse{}, lastErr
}

func retryCall(ctx context.Context, call func() (ChatResponse, error)) (ChatResponse, error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= retryMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
			delay *= 2
		}
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsNetworkError(err) || ctx.Err() != nil {
			return resp, err
		}
	}
	return ChatResponse{}, lastErr
}
