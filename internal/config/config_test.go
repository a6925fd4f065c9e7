package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() should validate cleanly, got: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
schema_version: "1"
node_id: test-node-1
runtime:
  max_parallel_nodes: 32
pool:
  min_warm: 2
  max_total: 20
  acquire_timeout: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "test-node-1" {
		t.Errorf("expected overridden node_id, got %q", cfg.NodeID)
	}
	if cfg.Runtime.MaxParallelNodes != 32 {
		t.Errorf("expected overridden max_parallel_nodes=32, got %d", cfg.Runtime.MaxParallelNodes)
	}
	if cfg.Pool.AcquireTimeout != 2*time.Second {
		t.Errorf("expected overridden acquire_timeout=2s, got %s", cfg.Pool.AcquireTimeout)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log_level=info to survive merge, got %q", cfg.Observability.LogLevel)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
schema_version: "1"
node_id: test-node-1
runtime:
  max_parallel_nodes: 0
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail validation for max_parallel_nodes=0")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected Load to fail on missing file")
	}
}

func TestValidateAccumulatesAllViolations(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.NodeID = ""
	cfg.Runtime.MaxParallelNodes = 9000
	cfg.Isolation.Backend = "bogus"
	cfg.Pool.MaxTotal = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "node_id", "max_parallel_nodes", "isolation.backend", "max_total"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected validation error to mention %q, got:\n%s", want, msg)
		}
	}
}

func TestValidateRemoteBackendRequiresNATSURL(t *testing.T) {
	cfg := Defaults()
	cfg.Isolation.Backend = "remote"
	cfg.Isolation.RemoteNATSURL = ""

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for remote backend without remote_nats_url")
	}

	cfg.Isolation.RemoteNATSURL = "nats://localhost:4222"
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected validation to pass once remote_nats_url is set, got: %v", err)
	}
}
