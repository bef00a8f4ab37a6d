// Package config loads termpilot configuration: defaults -> TOML file ->
// env vars (env wins).
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/evanharso/termpilot"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Agent     AgentConfig     `toml:"agent"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	MCP       MCPConfig       `toml:"mcp"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API base, e.g.
	// "https://api.openai.com/v1" or "http://localhost:11434/v1".
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	// Name labels the provider in logs and telemetry.
	Name string `toml:"name"`
	// Profiles maps engine profile ids to model names.
	Profiles map[string]string `toml:"profiles"`
}

type AgentConfig struct {
	MaxSteps            int    `toml:"max_steps"`
	CommandTimeoutMs    int    `toml:"command_timeout_ms"`
	ExecutionMode       string `toml:"execution_mode"`
	AutoExecuteSafe     bool   `toml:"auto_execute_safe"`
	AutoExecuteModerate bool   `toml:"auto_execute_moderate"`
	ContextLength       int    `toml:"context_length"`
	Persona             string `toml:"persona"`

	// Legacy toggles kept for old config files; execution_mode wins when
	// set.
	StrictMode bool `toml:"strict_mode"`
	FreeMode   bool `toml:"free_mode"`
}

type KnowledgeConfig struct {
	// Backend is "sqlite", "postgres", or "" to disable knowledge tools.
	Backend string `toml:"backend"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// PostgresURL is the pgx pool connection string.
	PostgresURL string `toml:"postgres_url"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers"`
}

type MCPServerConfig struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Name:    "openai",
		},
		Agent: AgentConfig{
			MaxSteps:         25,
			CommandTimeoutMs: 30_000,
			ExecutionMode:    string(termpilot.ModeRelaxed),
			AutoExecuteSafe:  true,
		},
		Knowledge: KnowledgeConfig{Backend: "sqlite", Path: "termpilot.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "termpilot.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TERMPILOT_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TERMPILOT_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("TERMPILOT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("TERMPILOT_EXECUTION_MODE"); v != "" {
		cfg.Agent.ExecutionMode = v
	}
	if v := os.Getenv("TERMPILOT_KNOWLEDGE_BACKEND"); v != "" {
		cfg.Knowledge.Backend = v
	}
	if v := os.Getenv("TERMPILOT_KNOWLEDGE_PATH"); v != "" {
		cfg.Knowledge.Path = v
	}
	if v := os.Getenv("TERMPILOT_POSTGRES_URL"); v != "" {
		cfg.Knowledge.PostgresURL = v
	}
	if v := os.Getenv("TERMPILOT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// ExecutionMode resolves the canonical mode from execution_mode and the
// legacy strict/free toggles. An explicit execution_mode wins; strict
// beats free when both legacy toggles are set.
func (c Config) ExecutionMode() termpilot.ExecutionMode {
	switch termpilot.ExecutionMode(strings.ToLower(c.Agent.ExecutionMode)) {
	case termpilot.ModeStrict:
		return termpilot.ModeStrict
	case termpilot.ModeFree:
		return termpilot.ModeFree
	case termpilot.ModeRelaxed:
		return termpilot.ModeRelaxed
	}
	if c.Agent.StrictMode {
		return termpilot.ModeStrict
	}
	if c.Agent.FreeMode {
		return termpilot.ModeFree
	}
	return termpilot.ModeRelaxed
}

// AgentConfig builds the engine's default run config.
func (c Config) AgentConfig() termpilot.AgentConfig {
	return termpilot.AgentConfig{
		MaxSteps:            c.Agent.MaxSteps,
		CommandTimeoutMs:    c.Agent.CommandTimeoutMs,
		AutoExecuteSafe:     c.Agent.AutoExecuteSafe,
		AutoExecuteModerate: c.Agent.AutoExecuteModerate,
		ExecutionMode:       c.ExecutionMode(),
		ContextLength:       c.Agent.ContextLength,
	}
}
