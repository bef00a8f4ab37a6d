package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/evanharso/termpilot"
)

// Provider implements termpilot.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) for body building, streaming, and response parsing.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	name     string
	opts     []Option
	logger   *slog.Logger
	profiles map[string]string // profile id -> model name

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc // request id -> cancel
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"); the /chat/completions path is appended.
// model is the default; WithModelProfile maps engine profile ids onto
// other model names.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		model:    model,
		baseURL:  baseURL,
		client:   &http.Client{},
		name:     "openai",
		profiles: map[string]string{},
		inFlight: map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", see WithName).
func (p *Provider) Name() string { return p.name }

// Abort cancels the in-flight request registered under requestID.
func (p *Provider) Abort(requestID string) {
	p.mu.Lock()
	cancel := p.inFlight[requestID]
	delete(p.inFlight, requestID)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// register makes a request cancellable via Abort. The returned context
// must be used for the HTTP call; done must be called when it finishes.
func (p *Provider) register(ctx context.Context, requestID string) (context.Context, func()) {
	if requestID == "" {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.inFlight[requestID] = cancel
	p.mu.Unlock()
	return ctx, func() {
		p.mu.Lock()
		delete(p.inFlight, requestID)
		p.mu.Unlock()
		cancel()
	}
}

func (p *Provider) modelFor(profile string) string {
	if profile != "" {
		if m, ok := p.profiles[profile]; ok {
			return m
		}
	}
	return p.model
}

// Chat sends a non-streaming completion without tools.
func (p *Provider) Chat(ctx context.Context, req termpilot.ChatRequest) (termpilot.ChatResponse, error) {
	ctx, done := p.register(ctx, req.RequestID)
	defer done()
	body := BuildBody(req.Messages, nil, p.modelFor(req.Profile), p.opts...)
	return p.doRequest(ctx, body)
}

// ChatTools sends a non-streaming completion with the tool catalog.
func (p *Provider) ChatTools(ctx context.Context, req termpilot.ChatRequest) (termpilot.ChatResponse, error) {
	ctx, done := p.register(ctx, req.RequestID)
	defer done()
	body := BuildBody(req.Messages, req.Tools, p.modelFor(req.Profile), p.opts...)
	return p.doRequest(ctx, body)
}

// ChatToolsStream streams a tool completion into ch, then returns the
// accumulated response. The channel is closed when streaming completes
// or on error.
func (p *Provider) ChatToolsStream(ctx context.Context, req termpilot.ChatRequest, ch chan<- termpilot.StreamEvent) (termpilot.ChatResponse, error) {
	ctx, done := p.register(ctx, req.RequestID)
	defer done()

	body := BuildBody(req.Messages, req.Tools, p.modelFor(req.Profile), p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return termpilot.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return termpilot.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

var _ termpilot.Provider = (*Provider)(nil)

func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (termpilot.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return termpilot.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return termpilot.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return termpilot.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return ParseResponse(chatResp)
}

func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &termpilot.ErrNetwork{Op: "chat", Err: err}
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if p.logger != nil {
		p.logger.Warn("chat request failed", "provider", p.name, "status", resp.StatusCode)
	}
	return &termpilot.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}
