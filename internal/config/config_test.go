package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evanharso/termpilot"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %s", cfg.LLM.Model)
	}
	if cfg.Agent.MaxSteps != 25 {
		t.Errorf("expected 25 steps, got %d", cfg.Agent.MaxSteps)
	}
	if cfg.Knowledge.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %s", cfg.Knowledge.Backend)
	}
	if cfg.ExecutionMode() != termpilot.ModeRelaxed {
		t.Errorf("expected relaxed mode, got %s", cfg.ExecutionMode())
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
base_url = "http://localhost:11434/v1"
model = "qwen2.5-coder"

[llm.profiles]
fast = "qwen2.5-coder:7b"

[agent]
max_steps = 40

[[mcp.servers]]
name = "docs"
command = "docs-server"
args = ["--stdio"]
`), 0644)

	cfg := Load(path)
	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("unexpected base_url: %s", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Profiles["fast"] != "qwen2.5-coder:7b" {
		t.Errorf("unexpected profile: %v", cfg.LLM.Profiles)
	}
	if cfg.Agent.MaxSteps != 40 {
		t.Errorf("expected 40 steps, got %d", cfg.Agent.MaxSteps)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].Name != "docs" {
		t.Errorf("unexpected mcp servers: %+v", cfg.MCP.Servers)
	}
	// Defaults preserved
	if cfg.Agent.CommandTimeoutMs != 30_000 {
		t.Errorf("default should be preserved, got %d", cfg.Agent.CommandTimeoutMs)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TERMPILOT_API_KEY", "env-key")
	t.Setenv("TERMPILOT_MODEL", "env-model")
	t.Setenv("TERMPILOT_EXECUTION_MODE", "strict")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("expected env-model, got %s", cfg.LLM.Model)
	}
	if cfg.ExecutionMode() != termpilot.ModeStrict {
		t.Errorf("expected strict mode, got %s", cfg.ExecutionMode())
	}
}

func TestExecutionModeLegacyToggles(t *testing.T) {
	cases := []struct {
		name string
		cfg  AgentConfig
		want termpilot.ExecutionMode
	}{
		{"default", AgentConfig{}, termpilot.ModeRelaxed},
		{"strict toggle", AgentConfig{StrictMode: true}, termpilot.ModeStrict},
		{"free toggle", AgentConfig{FreeMode: true}, termpilot.ModeFree},
		{"strict beats free", AgentConfig{StrictMode: true, FreeMode: true}, termpilot.ModeStrict},
		{"explicit wins", AgentConfig{ExecutionMode: "free", StrictMode: true}, termpilot.ModeFree},
		{"case folded", AgentConfig{ExecutionMode: "STRICT"}, termpilot.ModeStrict},
		{"unknown falls back", AgentConfig{ExecutionMode: "yolo"}, termpilot.ModeRelaxed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Config{Agent: c.cfg}.ExecutionMode()
			if got != c.want {
				t.Errorf("ExecutionMode() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestAgentConfig(t *testing.T) {
	cfg := Default()
	cfg.Agent.AutoExecuteModerate = true
	ac := cfg.AgentConfig()
	if ac.MaxSteps != 25 || !ac.AutoExecuteSafe || !ac.AutoExecuteModerate {
		t.Errorf("unexpected agent config: %+v", ac)
	}
	if ac.ExecutionMode != termpilot.ModeRelaxed {
		t.Errorf("expected relaxed, got %s", ac.ExecutionMode)
	}
}
