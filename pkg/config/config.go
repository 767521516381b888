// Package config handles mindgraph configuration via environment variables.
//
// Configuration is loaded from environment variables using LoadFromEnv(),
// optionally overlaid with a YAML file via ApplyFile(), and validated with
// Validate() before use. All variables are prefixed with MINDGRAPH_.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
//	fmt.Printf("Data dir: %s\n", cfg.Database.DataDir)
//
// Environment Variables:
//   - MINDGRAPH_DATA_DIR="./data"
//   - MINDGRAPH_IN_MEMORY=false
//   - MINDGRAPH_SYNC_WRITES=false
//   - MINDGRAPH_FINGERPRINT_MEMO_TTL=60s
//   - MINDGRAPH_HISTORY_LIMIT=1000
//   - MINDGRAPH_HUB_DEGREE=5
//   - MINDGRAPH_CACHE_MAX_ENTRIES=50
//   - MINDGRAPH_CACHE_MAX_BYTES="8MB"
//   - MINDGRAPH_CACHE_TTL=24h
//   - MINDGRAPH_CPU_THRESHOLD=0.10
//   - MINDGRAPH_NOMINAL_DELAY=100ms
//   - MINDGRAPH_WARNING_DELAY=500ms
//   - MINDGRAPH_CRITICAL_DELAY=2s
//   - MINDGRAPH_LAYOUT_RADIUS=300
//   - MINDGRAPH_LAYOUT_ITERATIONS=60
//   - MINDGRAPH_LAYOUT_JITTER=40
//
// For the complete list, see the Config struct field documentation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mindgraph configuration.
//
// Configuration is organized into logical sections:
//   - Database: storage location and durability
//   - Fingerprint: state-digest memoization
//   - Tracker: change history and traversal policy
//   - Cache: layout cache tiers
//   - Processor: background processing throttles
//   - Layout: layout calculation tuning
//
// Use LoadFromEnv() to create a Config from environment variables.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Cache       CacheConfig       `yaml:"cache"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Layout      LayoutConfig      `yaml:"layout"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// DataDir is the directory for persistent storage.
	DataDir string `yaml:"data_dir"`
	// InMemory runs the store without touching disk.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces an fsync on every write. Durable but slow.
	SyncWrites bool `yaml:"sync_writes"`
}

// FingerprintConfig holds state-digest settings.
type FingerprintConfig struct {
	// MemoTTL is how long a computed fingerprint stays cached when no
	// change is tracked.
	MemoTTL time.Duration `yaml:"memo_ttl"`
}

// TrackerConfig holds change-tracking settings.
type TrackerConfig struct {
	// HistoryLimit caps the bounded change history.
	HistoryLimit int `yaml:"history_limit"`
	// HubDegree is the minimum degree for a node to count as a hub
	// during bulk-import affected-set computation.
	HubDegree int `yaml:"hub_degree"`
}

// CacheConfig holds layout cache settings.
type CacheConfig struct {
	// MaxEntries bounds the memory tier.
	MaxEntries int `yaml:"max_entries"`
	// MaxBytes is the approximate memory budget in bytes.
	MaxBytes int `yaml:"max_bytes"`
	// TTL is the persistent tier freshness window.
	TTL time.Duration `yaml:"ttl"`
}

// ProcessorConfig holds background processing settings.
type ProcessorConfig struct {
	// CPUThreshold is the CPU usage fraction above which processing
	// yields to foreground work.
	CPUThreshold float64 `yaml:"cpu_threshold"`
	// NominalDelay is the inter-task sleep under normal conditions.
	NominalDelay time.Duration `yaml:"nominal_delay"`
	// WarningDelay applies under a memory warning.
	WarningDelay time.Duration `yaml:"warning_delay"`
	// CriticalDelay applies under critical memory pressure.
	CriticalDelay time.Duration `yaml:"critical_delay"`
}

// LayoutConfig holds layout calculation settings.
type LayoutConfig struct {
	// Radius is the initial placement circle radius for full layouts.
	Radius float64 `yaml:"radius"`
	// Iterations is the force-simulation iteration count.
	Iterations int `yaml:"iterations"`
	// Jitter is the random offset applied to incremental placements.
	Jitter float64 `yaml:"jitter"`
	// Seed fixes the layout RNG; 0 seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// LoadFromEnv creates a Config from environment variables, applying
// defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Database.DataDir = getEnv("MINDGRAPH_DATA_DIR", "./data")
	cfg.Database.InMemory = getEnvBool("MINDGRAPH_IN_MEMORY", false)
	cfg.Database.SyncWrites = getEnvBool("MINDGRAPH_SYNC_WRITES", false)

	cfg.Fingerprint.MemoTTL = getEnvDuration("MINDGRAPH_FINGERPRINT_MEMO_TTL", 60*time.Second)

	cfg.Tracker.HistoryLimit = getEnvInt("MINDGRAPH_HISTORY_LIMIT", 1000)
	cfg.Tracker.HubDegree = getEnvInt("MINDGRAPH_HUB_DEGREE", 5)

	cfg.Cache.MaxEntries = getEnvInt("MINDGRAPH_CACHE_MAX_ENTRIES", 50)
	cfg.Cache.MaxBytes = int(parseMemorySize(getEnv("MINDGRAPH_CACHE_MAX_BYTES", "8MB")))
	cfg.Cache.TTL = getEnvDuration("MINDGRAPH_CACHE_TTL", 24*time.Hour)

	cfg.Processor.CPUThreshold = getEnvFloat("MINDGRAPH_CPU_THRESHOLD", 0.10)
	cfg.Processor.NominalDelay = getEnvDuration("MINDGRAPH_NOMINAL_DELAY", 100*time.Millisecond)
	cfg.Processor.WarningDelay = getEnvDuration("MINDGRAPH_WARNING_DELAY", 500*time.Millisecond)
	cfg.Processor.CriticalDelay = getEnvDuration("MINDGRAPH_CRITICAL_DELAY", 2*time.Second)

	cfg.Layout.Radius = getEnvFloat("MINDGRAPH_LAYOUT_RADIUS", 300)
	cfg.Layout.Iterations = getEnvInt("MINDGRAPH_LAYOUT_ITERATIONS", 60)
	cfg.Layout.Jitter = getEnvFloat("MINDGRAPH_LAYOUT_JITTER", 40)
	cfg.Layout.Seed = int64(getEnvInt("MINDGRAPH_LAYOUT_SEED", 0))

	return cfg
}

// ApplyFile overlays settings from a YAML file onto the config. Fields
// absent from the file keep their current values.
//
// Example file:
//
//	database:
//	  data_dir: /var/lib/mindgraph
//	cache:
//	  max_entries: 100
//	  ttl: 48h
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if !c.Database.InMemory && c.Database.DataDir == "" {
		return fmt.Errorf("data dir required unless running in-memory")
	}
	if c.Fingerprint.MemoTTL < 0 {
		return fmt.Errorf("fingerprint memo TTL must not be negative, got %v", c.Fingerprint.MemoTTL)
	}
	if c.Tracker.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.Tracker.HistoryLimit)
	}
	if c.Tracker.HubDegree <= 0 {
		return fmt.Errorf("hub degree must be positive, got %d", c.Tracker.HubDegree)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache max bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %v", c.Cache.TTL)
	}
	if c.Processor.CPUThreshold <= 0 || c.Processor.CPUThreshold > 1 {
		return fmt.Errorf("cpu threshold must be in (0, 1], got %v", c.Processor.CPUThreshold)
	}
	if c.Layout.Radius <= 0 {
		return fmt.Errorf("layout radius must be positive, got %v", c.Layout.Radius)
	}
	if c.Layout.Iterations <= 0 {
		return fmt.Errorf("layout iterations must be positive, got %d", c.Layout.Iterations)
	}
	return nil
}

// String returns a single-line summary safe for logs.
func (c *Config) String() string {
	store := c.Database.DataDir
	if c.Database.InMemory {
		store = "in-memory"
	}
	return fmt.Sprintf("store=%s cache=%d entries/%dB history=%d cpu<%.0f%%",
		store, c.Cache.MaxEntries, c.Cache.MaxBytes,
		c.Tracker.HistoryLimit, c.Processor.CPUThreshold*100)
}

// =============================================================================
// Environment Helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// parseMemorySize parses sizes like "512KB", "8MB", "1GB" or a plain byte
// count. Returns 0 on unparseable input.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}
