// Command termpilot runs one agent task against a local shell.
//
// Usage:
//
//	termpilot -task "check disk usage on /" [-config termpilot.toml]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evanharso/termpilot"
	"github.com/evanharso/termpilot/internal/config"
	"github.com/evanharso/termpilot/knowledge/postgres"
	"github.com/evanharso/termpilot/knowledge/sqlite"
	"github.com/evanharso/termpilot/mcp"
	"github.com/evanharso/termpilot/observer"
	"github.com/evanharso/termpilot/provider/openaicompat"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("TERMPILOT_CONFIG"), "config file path")
		task       = flag.String("task", "", "task to run (required)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if strings.TrimSpace(*task) == "" {
		fmt.Fprintln(os.Stderr, "usage: termpilot -task \"...\" [-config termpilot.toml]")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	if err := run(ctx, cfg, logger, *task); err != nil {
		logger.Error("termpilot failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, task string) error {
	// Model provider
	provOpts := []openaicompat.ProviderOption{
		openaicompat.WithLogger(logger),
	}
	if cfg.LLM.Name != "" {
		provOpts = append(provOpts, openaicompat.WithName(cfg.LLM.Name))
	}
	for profile, model := range cfg.LLM.Profiles {
		provOpts = append(provOpts, openaicompat.WithModelProfile(profile, model))
	}
	var provider termpilot.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, provOpts...)

	engineOpts := []termpilot.Option{
		termpilot.WithLogger(logger),
		termpilot.WithDefaultConfig(cfg.AgentConfig()),
	}
	if cfg.Agent.Persona != "" {
		engineOpts = append(engineOpts, termpilot.WithPersona(cfg.Agent.Persona))
	}

	// Observability
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()

		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst).
			WithProfileModels(cfg.LLM.Profiles)
		engineOpts = append(engineOpts,
			termpilot.WithTracer(observer.NewTracer()),
			termpilot.WithCostFunc(inst.Cost.CostFunc(cfg.LLM.Model, cfg.LLM.Profiles)),
		)
	}

	// Knowledge store
	switch cfg.Knowledge.Backend {
	case "sqlite":
		store := sqlite.New(cfg.Knowledge.Path, sqlite.WithLogger(logger))
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init knowledge store: %w", err)
		}
		engineOpts = append(engineOpts, termpilot.WithKnowledgeStore(store))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Knowledge.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		store := postgres.New(pool, postgres.WithLogger(logger))
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init knowledge store: %w", err)
		}
		engineOpts = append(engineOpts, termpilot.WithKnowledgeStore(store))
	case "":
		// knowledge tools disabled
	default:
		return fmt.Errorf("unknown knowledge backend: %s", cfg.Knowledge.Backend)
	}

	// MCP servers
	if len(cfg.MCP.Servers) > 0 {
		client := mcp.NewClient(mcp.WithLogger(logger))
		defer client.Close()
		for _, s := range cfg.MCP.Servers {
			err := client.AddServer(ctx, mcp.ServerConfig{
				Name:    s.Name,
				Command: s.Command,
				Args:    s.Args,
				Env:     s.Env,
			})
			if err != nil {
				logger.Warn("mcp server skipped", "server", s.Name, "error", err)
			}
		}
		var mc termpilot.MCPClient = client
		if inst != nil {
			mc = observer.WrapMCP(client, inst)
		}
		engineOpts = append(engineOpts, termpilot.WithMCPClient(mc))
	}

	// Local terminal
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	transport, err := newLocalTransport(shell)
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}
	defer transport.Close()

	term := termpilot.NewLocalTerminal(transport)
	if inst != nil {
		term = observer.WrapTerminal(term, inst)
	}
	engineOpts = append(engineOpts, termpilot.WithTerminalProvider(staticTerminals{"local": term}))

	engine := termpilot.NewEngine(provider, engineOpts...)

	done := make(chan error, 1)
	cb := termpilot.Callbacks{
		OnTextChunk: func(_, chunk string) {
			fmt.Print(chunk)
		},
		OnStep: func(_ string, step termpilot.Step) {
			logger.Debug("step", "kind", step.Kind, "tool", step.ToolName)
		},
		OnComplete: func(_, final string, _ []string) {
			fmt.Println()
			done <- nil
		},
		OnError: func(_, message string) {
			done <- fmt.Errorf("%s", message)
		},
	}
	if inst != nil {
		cb = observer.NewRunMetrics(inst).Callbacks(cb)
	}

	runID, err := engine.Run(termpilot.RunRequest{
		PtyID:     "local",
		Task:      task,
		Callbacks: cb,
	})
	if err != nil {
		return err
	}

	// Confirmations arrive via callback in servers; the CLI polls the run
	// status instead so the prompt and the stream don't interleave races.
	go confirmLoop(ctx, engine, runID)

	select {
	case err := <-done:
		engine.Cleanup(runID)
		return err
	case <-ctx.Done():
		engine.Abort(runID)
		engine.Wait(runID)
		return ctx.Err()
	}
}

// confirmLoop prompts on stdin whenever the run is blocked on a tool
// confirmation.
func confirmLoop(ctx context.Context, engine *termpilot.Engine, runID string) {
	reader := bufio.NewReader(os.Stdin)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	asked := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		status, err := engine.GetRunStatus(runID)
		if err != nil || !status.IsRunning {
			return
		}
		p := status.PendingConfirmation
		if p == nil || asked[p.ToolCallID] {
			continue
		}
		asked[p.ToolCallID] = true

		fmt.Printf("\n[%s] %s %s — run? [y/N] ", p.RiskLevel, p.ToolName, string(p.Args))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		approved := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
		engine.ConfirmToolCall(runID, p.ToolCallID, termpilot.ConfirmDecision{Approved: approved})
	}
}
