// Package config loads the agentcored process configuration from a TOML
// file: listen address, storage locations, model provider credentials,
// per-model pricing for the cost ladder, and the terminator caps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig            `toml:"server"`
	Storage   StorageConfig           `toml:"storage"`
	Model     ModelConfig             `toml:"model"`
	Intent    IntentConfig            `toml:"intent"`
	Limits    LimitsConfig            `toml:"limits"`
	Pricing   map[string]ModelPricing `toml:"pricing"`
	Memory    MemoryConfig            `toml:"memory"`
	Telemetry TelemetryConfig         `toml:"telemetry"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type StorageConfig struct {
	DataDir      string `toml:"data_dir"`
	DBPath       string `toml:"db_path"`
	SnapshotDir  string `toml:"snapshot_dir"`
	MinFreeBytes int64  `toml:"min_free_bytes"`
}

type ModelConfig struct {
	Provider    string  `toml:"provider"` // anthropic | openai
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
	RateTPM     float64 `toml:"rate_tpm"`
}

type IntentConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type LimitsConfig struct {
	MaxTurns            int     `toml:"max_turns"`
	MaxSessionMinutes   int     `toml:"max_session_minutes"`
	IdleTimeoutMinutes  int     `toml:"idle_timeout_minutes"`
	ConsecutiveFailures int     `toml:"consecutive_failures"`
	LongRunThreshold    int     `toml:"long_run_threshold"`
	CostWarnUSD         float64 `toml:"cost_warn_usd"`
	CostConfirmUSD      float64 `toml:"cost_confirm_usd"`
	CostUrgentUSD       float64 `toml:"cost_urgent_usd"`
}

type ModelPricing struct {
	InputPerMTok      float64 `toml:"input"`
	OutputPerMTok     float64 `toml:"output"`
	CacheReadPerMTok  float64 `toml:"cache_read"`
	CacheWritePerMTok float64 `toml:"cache_write"`
}

type MemoryConfig struct {
	MongoURI   string `toml:"mongo_uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default returns a Config with all defaults applied. The spec's literal
// thresholds (cost ladder, long-run turn count) are the zero-config values.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{Listen: "127.0.0.1:8787"},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DBPath:      filepath.Join(dataDir, "core.db"),
			SnapshotDir: filepath.Join(dataDir, "snapshots"),
		},
		Model: ModelConfig{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Limits: LimitsConfig{
			MaxTurns:            50,
			MaxSessionMinutes:   30,
			IdleTimeoutMinutes:  5,
			ConsecutiveFailures: 3,
			LongRunThreshold:    20,
			CostWarnUSD:         0.50,
			CostConfirmUSD:      2.00,
			CostUrgentUSD:       10.00,
		},
		Telemetry: TelemetryConfig{ServiceName: "agentcored"},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error: the defaults are returned so a fresh install starts without any
// configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(cfg.Storage.DataDir, "core.db")
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = filepath.Join(cfg.Storage.DataDir, "snapshots")
	}
	return cfg, nil
}

// MaxSessionDuration converts the configured minutes to a duration.
func (l LimitsConfig) MaxSessionDuration() time.Duration {
	return time.Duration(l.MaxSessionMinutes) * time.Minute
}

// IdleTimeout converts the configured minutes to a duration.
func (l LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutMinutes) * time.Minute
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore"
	}
	return filepath.Join(home, ".agentcore")
}
