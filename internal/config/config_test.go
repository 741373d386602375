package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesDefaults(t *testing.T) {
	path := writeFile(t, "stabletool.json", `{"auth":{"secret":"s3cret"},"web3":{"chain_config":"chain.yaml"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Payment.Mode != "simulated" {
		t.Fatalf("unexpected driver/mode: %s/%s", cfg.Storage.Driver, cfg.Payment.Mode)
	}
	if cfg.Payment.ToolTimeout() != 120*time.Second {
		t.Fatalf("unexpected tool timeout: %s", cfg.Payment.ToolTimeout())
	}
	if cfg.LLM.Timeout() != 20*time.Second {
		t.Fatalf("unexpected llm timeout: %s", cfg.LLM.Timeout())
	}
	if cfg.Web3.ChainConfig != filepath.Join(filepath.Dir(path), "chain.yaml") {
		t.Fatalf("chain config should resolve relative to the config file: %s", cfg.Web3.ChainConfig)
	}
}

func TestLoadYAMLWithEnvOverlay(t *testing.T) {
	path := writeFile(t, "stabletool.yaml", `
server:
  address: ":9000"
auth:
  disabled: true
payment:
  tool_timeout_seconds: 30
`)
	t.Setenv("STABLETOOL_SERVER_ADDRESS", ":7000")
	t.Setenv("STABLETOOL_LLM_MODEL", "gemini-2.5-flash")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":7000" {
		t.Fatalf("env should override file value, got %s", cfg.Server.Address)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected model: %s", cfg.LLM.Model)
	}
	if cfg.Payment.ToolTimeoutSeconds != 30 {
		t.Fatalf("unexpected tool timeout: %d", cfg.Payment.ToolTimeoutSeconds)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"missing path":      "",
		"mysql without dsn": `{"auth":{"disabled":true},"storage":{"driver":"mysql"}}`,
		"unknown mode":      `{"auth":{"disabled":true},"payment":{"mode":"credit"}}`,
		"onchain no chain":  `{"auth":{"disabled":true},"payment":{"mode":"onchain"}}`,
		"auth secret":       `{}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := ""
			if content != "" {
				path = writeFile(t, "c.json", content)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
