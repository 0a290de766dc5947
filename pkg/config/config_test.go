package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTypedAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.Int("jitter_min_delay_20", 0); got != 6 {
		t.Errorf("Int(jitter_min_delay_20) = %d, want 6", got)
	}
	if got := cfg.Float("relay_switch_threshold", 0); got != 0.8 {
		t.Errorf("Float(relay_switch_threshold) = %v, want 0.8", got)
	}
	if got := cfg.Bool("force_tcp", true); got {
		t.Error("Bool(force_tcp) = true, want false")
	}
	if got := cfg.Int("no_such_key", 42); got != 42 {
		t.Errorf("Int fallback = %d, want 42", got)
	}
	cfg.Server["bad"] = "not-a-number"
	if got := cfg.Int("bad", 7); got != 7 {
		t.Errorf("Int on unparsable value = %d, want fallback 7", got)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "call.yaml")
	content := []byte("init_timeout: 10s\nserver:\n  audio_max_bitrate: \"32000\"\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InitTimeout != 10*time.Second {
		t.Errorf("InitTimeout = %v, want 10s", cfg.InitTimeout)
	}
	if got := cfg.Int("audio_max_bitrate", 0); got != 32000 {
		t.Errorf("overlaid audio_max_bitrate = %d, want 32000", got)
	}
	// Untouched defaults survive the overlay.
	if got := cfg.Int("jitter_losses_to_reset", 0); got != 20 {
		t.Errorf("jitter_losses_to_reset = %d, want default 20", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file must fail")
	}
}
