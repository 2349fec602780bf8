package shaping

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumocorp/engine/internal/logging"
)

func writeShapingFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveLayersGlobalThenSiteOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    connection_limit: 10
    enable_tls: Opportunistic
  - match: ".gmail-smtp-in.l.google.com."
    connection_limit: 3
    max_message_rate: "50"
`)

	cfg, err := New([]string{path}, false, logging.Default())
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := cfg.Resolve("(alt1|alt2)?.gmail-smtp-in.l.google.com.")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ConnectionLimit != 3 {
		t.Errorf("ConnectionLimit = %d, want 3 (site override)", resolved.ConnectionLimit)
	}
	if resolved.MaxMessageRate != 50 {
		t.Errorf("MaxMessageRate = %v, want 50", resolved.MaxMessageRate)
	}
	// Unset in the override, must inherit from global.
	if resolved.EnableTLS != TLSOpportunistic {
		t.Errorf("EnableTLS = %v, want inherited Opportunistic", resolved.EnableTLS)
	}
}

func TestResolveNoMatchUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    connection_limit: 7
`)
	cfg, err := New([]string{path}, false, logging.Default())
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := cfg.Resolve("mx.unrelated.example.")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ConnectionLimit != 7 {
		t.Errorf("ConnectionLimit = %d, want 7", resolved.ConnectionLimit)
	}
	if resolved.MaxReady != defaultResolved().MaxReady {
		t.Errorf("MaxReady should fall back to built-in default")
	}
}

func TestResolveSourceOverrideByExtraTag(t *testing.T) {
	dir := t.TempDir()
	path := writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    connection_limit: 10
  - match: "bulk-source"
    connection_limit: 1
`)
	cfg, err := New([]string{path}, false, logging.Default())
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := cfg.Resolve("mx.example.net.", "bulk-source")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ConnectionLimit != 1 {
		t.Errorf("ConnectionLimit = %d, want 1 (source override)", resolved.ConnectionLimit)
	}
}

func TestHotReloadBumpsEpoch(t *testing.T) {
	dir := t.TempDir()
	path := writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    connection_limit: 10
`)
	cfg, err := New([]string{path}, true, logging.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer cfg.Close()

	initialEpoch := cfg.Epoch()

	writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    connection_limit: 99
`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cfg.Epoch() != initialEpoch {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	resolved, err := cfg.Resolve("mx.example.net.")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ConnectionLimit != 99 {
		t.Errorf("expected reloaded connection_limit 99, got %d", resolved.ConnectionLimit)
	}
}

func TestInvalidDurationFieldErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeShapingFile(t, dir, "shaping.yaml", `
entries:
  - match: ""
    idle_timeout: "not-a-duration"
`)
	cfg, err := New([]string{path}, false, logging.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Resolve("mx.example.net."); err == nil {
		t.Error("expected error resolving invalid idle_timeout")
	}
}
