package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
	if cfg.Printer.Address != nil || cfg.Detection.Mode != nil {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoadConfigSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[printer]
address = "192.168.1.50"

[detection]
mode = "hard"
ratio-threshold = 0.3
hard-jam-time-ms = 4000

[sensor]
motion-pin = "17"
invert-runout = true

[policy]
loss-behavior = "pause"
mm-per-pulse = 2.95

[metrics]
listen = ":9105"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Printer.Address == nil || *cfg.Printer.Address != "192.168.1.50" {
		t.Fatalf("unexpected address %v", cfg.Printer.Address)
	}
	if cfg.Detection.Mode == nil || *cfg.Detection.Mode != "hard" || *cfg.Detection.HardJamTimeMs != 4000 {
		t.Fatalf("unexpected detection section %+v", cfg.Detection)
	}
	if cfg.Detection.SoftJamTimeMs != nil {
		t.Fatalf("expected unset keys to stay nil")
	}
	if cfg.Sensor.InvertRunout == nil || !*cfg.Sensor.InvertRunout || *cfg.Sensor.MotionPin != "17" {
		t.Fatalf("unexpected sensor section %+v", cfg.Sensor)
	}
	if *cfg.Policy.LossBehavior != "pause" || *cfg.Policy.MmPerPulse != 2.95 || *cfg.Metrics.Listen != ":9105" {
		t.Fatalf("unexpected policy or metrics section")
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[detection]\nratio = 0.3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "detection.ratio") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultConfigPath(); got != filepath.Join("/cfg", "flowguard", "config.toml") {
		t.Fatalf("unexpected config path %q", got)
	}
	if got := DefaultDBPath(); got != filepath.Join("/data", "flowguard", "flowguard.db") {
		t.Fatalf("unexpected db path %q", got)
	}
}

func TestWatcherSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[policy]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := NewWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer func() {
		_ = w.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	select {
	case <-w.Changes():
		t.Fatalf("expected no signal for another file")
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("[policy]\nverbose = true\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a change signal")
	}
}
