package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Command.Timeout != 15*time.Second {
		t.Errorf("default timeout = %s", cfg.Command.Timeout)
	}
	if cfg.Paths.Routing != filepath.Join("data", "routing.json") {
		t.Errorf("default routing path = %s", cfg.Paths.Routing)
	}
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER_HOST", "broker.internal")
	dir := t.TempDir()
	path := filepath.Join(dir, "saba.yaml")
	body := `
broker:
  host: ${TEST_BROKER_HOST}
  port: 2883
  enabled: true
command:
  timeout: 8s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Host != "broker.internal" {
		t.Errorf("broker host = %q", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 2883 {
		t.Errorf("broker port = %d", cfg.Broker.Port)
	}
	if cfg.Command.Timeout != 8*time.Second {
		t.Errorf("timeout = %s", cfg.Command.Timeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SABA_BROKER_PORT", "9883")
	t.Setenv("SABA_CMD_TIMEOUT_MS", "100")
	t.Setenv("SABA_DATA_DIR", "/var/lib/saba")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Port != 9883 {
		t.Errorf("broker port = %d", cfg.Broker.Port)
	}
	if cfg.Command.Timeout != 100*time.Millisecond {
		t.Errorf("timeout = %s", cfg.Command.Timeout)
	}
	if cfg.Paths.History != filepath.Join("/var/lib/saba", "history.db") {
		t.Errorf("history path = %s", cfg.Paths.History)
	}
}

func TestValidateRejectsBadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}
