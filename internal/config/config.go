// Package config loads the mindmap engine's tunable defaults and
// environment: a YAML file for numeric knobs (gopkg.in/yaml.v3) layered
// over a .env file (github.com/joho/godotenv) and then OS environment
// variables, in that order of increasing precedence.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunables. cmd/mindmap-mcp reads StateDir, the
// Cache* fields, the Hebbian* fields and InhibitionHalfLifeDays. The
// Activation*, EdgeReinforcementRate, InhibitionPruneStrength,
// QueryDeadlineSeconds, DefaultSeedCap and DefaultQueryLimit fields are
// loaded and defaulted but not read by any component, which use their own
// package constants instead.
type Config struct {
	StateDir string `yaml:"state_dir"`

	ActivationHopCap    int     `yaml:"activation_hop_cap"`
	ActivationBaseDecay float64 `yaml:"activation_base_decay"`
	ActivationTau       float64 `yaml:"activation_tau"`

	EdgeReinforcementRate float64 `yaml:"edge_reinforcement_rate"`

	CacheShardCount int     `yaml:"cache_shard_count"`
	CacheCapBytes   int     `yaml:"cache_cap_bytes"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`

	HebbianDecayIntervalSeconds int     `yaml:"hebbian_decay_interval_seconds"`
	HebbianDecayWindowSeconds   int     `yaml:"hebbian_decay_window_seconds"`
	HebbianDecayRate            float64 `yaml:"hebbian_decay_rate"`
	HebbianPruneThreshold       float64 `yaml:"hebbian_prune_threshold"`

	InhibitionHalfLifeDays  float64 `yaml:"inhibition_half_life_days"`
	InhibitionPruneStrength float64 `yaml:"inhibition_prune_strength"`

	QueryDeadlineSeconds int `yaml:"query_deadline_seconds"`
	DefaultSeedCap       int `yaml:"default_seed_cap"`
	DefaultQueryLimit    int `yaml:"default_query_limit"`
}

// Default mirrors the numeric constants named throughout spec §4 and §9.
func Default() Config {
	return Config{
		StateDir: ".mindmap-cache",

		ActivationHopCap:    3,
		ActivationBaseDecay: 0.7,
		ActivationTau:       0.1,

		EdgeReinforcementRate: 0.1,

		CacheShardCount: 16,
		CacheCapBytes:   64 << 20,
		CacheTTLSeconds: 600,

		HebbianDecayIntervalSeconds: 60,
		HebbianDecayWindowSeconds:   15 * 60,
		HebbianDecayRate:            0.95,
		HebbianPruneThreshold:       0.05,

		InhibitionHalfLifeDays:  7,
		InhibitionPruneStrength: 0.05,

		QueryDeadlineSeconds: 15,
		DefaultSeedCap:       16,
		DefaultQueryLimit:    20,
	}
}

// Load builds a Config by starting from Default(), loading a .env file if
// present (cwd, then the parent of the executable's directory), optionally overlaying a
// YAML file at configPath, and finally applying a small set of
// environment variable overrides.
func Load(configPath string) (Config, error) {
	loadDotEnv()

	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if root := os.Getenv("PROJECT_ROOT"); root != "" {
		cfg.StateDir = filepath.Join(root, ".mindmap-cache")
	}
	if statePath := os.Getenv("MINDMAP_STATE_PATH"); statePath != "" {
		cfg.StateDir = statePath
	}

	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		return
	}
	projectRoot := filepath.Dir(filepath.Dir(exe))
	godotenv.Load(filepath.Join(projectRoot, ".env"))
}
