// Package config loads host configuration: environment variables take
// priority, a YAML file supplies defaults, and a literal default value is
// the last resort.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HostConfig holds every host-level runtime configuration option.
type HostConfig struct {
	Enabled bool `yaml:"enabled"`
	DevMode bool `yaml:"dev-mode"`

	LingHome      string   `yaml:"ling-home"`
	LingRoots     []string `yaml:"ling-roots"`
	PreloadAPIJars []string `yaml:"preload-api-jars"`
	AutoScan      bool     `yaml:"auto-scan"`

	HostGovernance HostGovernance `yaml:"host-governance"`
	Runtime        Runtime        `yaml:"runtime"`

	GlobalMaxLingThreads  int `yaml:"global-max-ling-threads"`
	MaxThreadsPerLing     int `yaml:"max-threads-per-ling"`
	DefaultThreadsPerLing int `yaml:"default-threads-per-ling"`
}

type HostGovernance struct {
	Enabled            bool `yaml:"enabled"`
	CheckPermissions   bool `yaml:"check-permissions"`
	GovernInternalCalls bool `yaml:"govern-internal-calls"`
}

type Runtime struct {
	DefaultTimeout          time.Duration `yaml:"default-timeout"`
	BulkheadMaxConcurrent   int           `yaml:"bulkhead-max-concurrent"`
	BulkheadAcquireTimeout  time.Duration `yaml:"bulkhead-acquire-timeout"`
	MaxHistorySnapshots     int           `yaml:"max-history-snapshots"`
	DyingCheckInterval      time.Duration `yaml:"dying-check-interval"`
	ForceCleanupDelay       time.Duration `yaml:"force-cleanup-delay"`
}

// Default returns the fail-safe defaults a host should start from before
// env/file overrides are applied.
func Default() *HostConfig {
	return &HostConfig{
		Enabled:               true,
		AutoScan:              true,
		GlobalMaxLingThreads:  64,
		MaxThreadsPerLing:     8,
		DefaultThreadsPerLing: 2,
		HostGovernance: HostGovernance{
			Enabled:          true,
			CheckPermissions: true,
		},
		Runtime: Runtime{
			DefaultTimeout:         5 * time.Second,
			BulkheadMaxConcurrent:  16,
			BulkheadAcquireTimeout: 50 * time.Millisecond,
			MaxHistorySnapshots:    100,
			DyingCheckInterval:     time.Second,
			ForceCleanupDelay:      10 * time.Second,
		},
	}
}

// Load builds a HostConfig starting from Default(), overlaying an optional
// YAML file at path (ignored if empty or missing), then overlaying a small
// set of environment variables recognized for operator convenience.
func Load(path string) (*HostConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *HostConfig) {
	if v, ok := envBool("LINGCORE_DEV_MODE"); ok {
		cfg.DevMode = v
	}
	if v := strings.TrimSpace(os.Getenv("LINGCORE_HOME")); v != "" {
		cfg.LingHome = v
	}
	if v, ok := envInt("LINGCORE_MAX_THREADS"); ok {
		cfg.GlobalMaxLingThreads = v
	}
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
