package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvLLMAPIKey, EnvServerAddress, EnvMySQLDSN, EnvRedisAddress, EnvRabbitMQURL, EnvAPIKey, "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "chainpilot.yaml", `
llm:
  api_key: sk-test
  model: gpt-test
web3:
  chain_config: chains.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.LLM.APIKey != "sk-test" || cfg.LLM.Model != "gpt-test" {
		t.Fatalf("llm fields not decoded: %+v", cfg.LLM)
	}
	if cfg.LLM.Temperature == nil || *cfg.LLM.Temperature != 0.7 {
		t.Fatalf("expected default temperature")
	}
	if cfg.LLM.Timeout() != 30*time.Second || cfg.LLM.RetryBaseDelay() != time.Second {
		t.Fatalf("unexpected llm durations: %s %s", cfg.LLM.Timeout(), cfg.LLM.RetryBaseDelay())
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Fatalf("expected 5 iterations, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Context.MaxMessages != 10 || cfg.Context.Expiry() != 30*time.Minute || cfg.Context.MaxContexts != 100 {
		t.Fatalf("unexpected context defaults: %+v", cfg.Context)
	}
	if !cfg.Cache.IsEnabled() || cfg.Cache.FastTTLSeconds != 30 || cfg.Cache.SlowTTLSeconds != 300 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("relative path not resolved: %s", cfg.Web3.ChainConfig)
	}
	if cfg.Jobs.Queue.Driver != "memory" || cfg.History.Driver != "memory" {
		t.Fatalf("unexpected backend defaults")
	}
}

func TestLoadJSONKeepsExplicitZeroTemperature(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "chainpilot.json", `{"llm":{"temperature":0,"max_tokens":256},"cache":{"enabled":false}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Temperature == nil || *cfg.LLM.Temperature != 0 {
		t.Fatalf("explicit zero temperature should be kept")
	}
	if cfg.LLM.MaxTokens != 256 {
		t.Fatalf("unexpected max tokens %d", cfg.LLM.MaxTokens)
	}
	if cfg.Cache.IsEnabled() {
		t.Fatalf("cache should be disabled")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvLLMAPIKey, "sk-env")
	t.Setenv(EnvServerAddress, "127.0.0.1:9000")
	t.Setenv(EnvMySQLDSN, "user:pass@tcp(db:3306)/chainpilot")
	t.Setenv(EnvRedisAddress, "redis:6379")

	dir := t.TempDir()
	path := writeFile(t, dir, "chainpilot.yaml", `
llm:
  api_key: sk-file
history:
  driver: mysql
jobs:
  store:
    driver: mysql
  queue:
    driver: redis
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Fatalf("env api key should win, got %q", cfg.LLM.APIKey)
	}
	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.History.DSN == "" || cfg.History.DSN != cfg.Jobs.Store.DSN {
		t.Fatalf("mysql dsn not applied: %q %q", cfg.History.DSN, cfg.Jobs.Store.DSN)
	}
	if cfg.Jobs.Queue.Redis.Address != "redis:6379" {
		t.Fatalf("unexpected redis address %q", cfg.Jobs.Queue.Redis.Address)
	}
}

func TestAPIKeyEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("CUSTOM_KEY", "sk-custom")
	dir := t.TempDir()
	path := writeFile(t, dir, "chainpilot.yaml", "llm:\n  api_key_env: CUSTOM_KEY\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-custom" {
		t.Fatalf("expected key from CUSTOM_KEY, got %q", cfg.LLM.APIKey)
	}
}

func TestServerAPIKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIKey, "cp-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "chainpilot.yaml", `
server:
  api_keys:
    - name: ops
      value: cp-ops
    - name: retired
      value: cp-old
      disabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Server.APIKeys) != 3 {
		t.Fatalf("expected file keys plus env key, got %+v", cfg.Server.APIKeys)
	}
	if !cfg.Server.APIKeys[1].Disabled {
		t.Fatalf("disabled flag not decoded")
	}
	if last := cfg.Server.APIKeys[2]; last.Name != "env" || last.Value != "cp-env" {
		t.Fatalf("unexpected env key %+v", last)
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cases := map[string]string{
		"bad.yaml":      "llm: [",
		"provider.yaml": "llm:\n  provider: gemini\n",
		"queue.yaml":    "jobs:\n  queue:\n    driver: rabbitmq\n",
		"history.yaml":  "history:\n  driver: mysql\n",
		"apikey.yaml":   "server:\n  api_keys:\n    - name: ops\n",
	}
	for name, content := range cases {
		path := writeFile(t, dir, name, content)
		_, err := Load(path)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !xerrors.HasCode(err, xerrors.CodeConfiguration) {
			t.Fatalf("%s: expected configuration code, got %v", name, err)
		}
	}

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
