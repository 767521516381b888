package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Database.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.Database.DataDir)
	}
	if cfg.Fingerprint.MemoTTL != 60*time.Second {
		t.Errorf("MemoTTL = %v, want 60s", cfg.Fingerprint.MemoTTL)
	}
	if cfg.Tracker.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit = %d, want 1000", cfg.Tracker.HistoryLimit)
	}
	if cfg.Cache.MaxEntries != 50 {
		t.Errorf("MaxEntries = %d, want 50", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxBytes != 8<<20 {
		t.Errorf("MaxBytes = %d, want %d", cfg.Cache.MaxBytes, 8<<20)
	}
	if cfg.Processor.CPUThreshold != 0.10 {
		t.Errorf("CPUThreshold = %v, want 0.10", cfg.Processor.CPUThreshold)
	}
	if cfg.Processor.NominalDelay != 100*time.Millisecond {
		t.Errorf("NominalDelay = %v, want 100ms", cfg.Processor.NominalDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("MINDGRAPH_DATA_DIR", "/tmp/mindgraph-test")
	t.Setenv("MINDGRAPH_CACHE_MAX_ENTRIES", "7")
	t.Setenv("MINDGRAPH_CACHE_MAX_BYTES", "512KB")
	t.Setenv("MINDGRAPH_CACHE_TTL", "48h")
	t.Setenv("MINDGRAPH_CPU_THRESHOLD", "0.25")
	t.Setenv("MINDGRAPH_IN_MEMORY", "true")

	cfg := LoadFromEnv()

	if cfg.Database.DataDir != "/tmp/mindgraph-test" {
		t.Errorf("DataDir = %q", cfg.Database.DataDir)
	}
	if !cfg.Database.InMemory {
		t.Error("InMemory should be true")
	}
	if cfg.Cache.MaxEntries != 7 {
		t.Errorf("MaxEntries = %d, want 7", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.MaxBytes != 512<<10 {
		t.Errorf("MaxBytes = %d, want %d", cfg.Cache.MaxBytes, 512<<10)
	}
	if cfg.Cache.TTL != 48*time.Hour {
		t.Errorf("TTL = %v, want 48h", cfg.Cache.TTL)
	}
	if cfg.Processor.CPUThreshold != 0.25 {
		t.Errorf("CPUThreshold = %v, want 0.25", cfg.Processor.CPUThreshold)
	}
}

func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MINDGRAPH_CACHE_MAX_ENTRIES", "lots")
	t.Setenv("MINDGRAPH_FINGERPRINT_MEMO_TTL", "soon")

	cfg := LoadFromEnv()

	if cfg.Cache.MaxEntries != 50 {
		t.Errorf("MaxEntries = %d, want default 50", cfg.Cache.MaxEntries)
	}
	if cfg.Fingerprint.MemoTTL != 60*time.Second {
		t.Errorf("MemoTTL = %v, want default 60s", cfg.Fingerprint.MemoTTL)
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindgraph.yaml")
	yaml := `
database:
  data_dir: /srv/mindgraph
cache:
  max_entries: 100
  ttl: 12h
layout:
  iterations: 200
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFromEnv()
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}

	if cfg.Database.DataDir != "/srv/mindgraph" {
		t.Errorf("DataDir = %q, want /srv/mindgraph", cfg.Database.DataDir)
	}
	if cfg.Cache.MaxEntries != 100 {
		t.Errorf("MaxEntries = %d, want 100", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.TTL != 12*time.Hour {
		t.Errorf("TTL = %v, want 12h", cfg.Cache.TTL)
	}
	if cfg.Layout.Iterations != 200 {
		t.Errorf("Iterations = %d, want 200", cfg.Layout.Iterations)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Tracker.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit = %d, want untouched default 1000", cfg.Tracker.HistoryLimit)
	}
}

func TestApplyFileErrors(t *testing.T) {
	cfg := LoadFromEnv()
	if err := cfg.ApplyFile("/no/such/file.yaml"); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("cache: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ApplyFile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Database.DataDir = ""; c.Database.InMemory = false }},
		{"zero history limit", func(c *Config) { c.Tracker.HistoryLimit = 0 }},
		{"zero hub degree", func(c *Config) { c.Tracker.HubDegree = 0 }},
		{"zero cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"negative memo ttl", func(c *Config) { c.Fingerprint.MemoTTL = -time.Second }},
		{"cpu threshold too high", func(c *Config) { c.Processor.CPUThreshold = 1.5 }},
		{"zero layout radius", func(c *Config) { c.Layout.Radius = 0 }},
		{"zero iterations", func(c *Config) { c.Layout.Iterations = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseMemorySize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"8MB", 8 << 20},
		{"512KB", 512 << 10},
		{"1GB", 1 << 30},
		{"1024", 1024},
		{"64B", 64},
		{" 2 MB ", 2 << 20},
		{"garbage", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseMemorySize(tc.in); got != tc.want {
			t.Errorf("parseMemorySize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
