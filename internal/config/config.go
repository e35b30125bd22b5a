// Package config holds the gateway's merged runtime configuration and the
// small atomically-written stores (model aliases, fallback chain, heartbeat
// override) that sit alongside it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mkessler/gateway/internal/logging"
)

// GatewayConfig holds process-wide listen/identity settings.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	DataDir         string `json:"dataDir"`
	DefaultProvider string `json:"defaultProvider"`
	DefaultModel    string `json:"defaultModel"`
}

// SessionConfig controls buffer sizing and session persistence.
type SessionConfig struct {
	ConversationHistory int `json:"conversationHistory"` // N, default 10
}

// ArchiveConfig controls the backing store for evicted turns.
type ArchiveConfig struct {
	Path string `json:"path"`
}

// ExtractionConfig controls the async world-model extractor.
type ExtractionConfig struct {
	Enabled   bool `json:"enabled"`
	TimeoutMs int  `json:"timeoutMs"`
}

// HeartbeatConfig controls the periodic self-trigger.
type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled"`
	IntervalMs  int64  `json:"intervalMs"`
	ActiveStart string `json:"activeStart"` // "HH:MM"
	ActiveEnd   string `json:"activeEnd"`   // "HH:MM"
	Delivery    string `json:"delivery"`    // "<adapter>:<target>"
}

// ManagementConfig controls the HTTP/WebSocket control surface.
type ManagementConfig struct {
	Listen string `json:"listen"`
}

// Config is the merged, process-wide configuration record.
type Config struct {
	Gateway      GatewayConfig    `json:"gateway"`
	Session      SessionConfig    `json:"session"`
	Archive      ArchiveConfig    `json:"archive"`
	Extraction   ExtractionConfig `json:"extraction"`
	Heartbeat    HeartbeatConfig  `json:"heartbeat"`
	Management   ManagementConfig `json:"management"`
	UserTimezone string           `json:"userTimezone"`

	worldModelPathOverride string
}

// Default returns the built-in defaults before any file/env overlay.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".gateway")
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            7337,
			DataDir:         dataDir,
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet",
		},
		Session:    SessionConfig{ConversationHistory: 10},
		Archive:    ArchiveConfig{Path: filepath.Join(dataDir, "state", "archive.db")},
		Extraction: ExtractionConfig{Enabled: true, TimeoutMs: 5000},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			IntervalMs:  30 * 60 * 1000,
			ActiveStart: "07:00",
			ActiveEnd:   "23:00",
		},
		Management: ManagementConfig{Listen: ":7337"},
	}
}

// Load reads config.json from dataDir (if present) and then applies
// environment-variable overrides, matching the teacher's load-then-override
// merge pattern.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	if dataDir != "" {
		cfg.Gateway.DataDir = dataDir
		cfg.Archive.Path = filepath.Join(dataDir, "state", "archive.db")
	}

	path := filepath.Join(cfg.Gateway.DataDir, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		logging.L_debug("config: loaded from disk", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = n
		}
	}
	if v := os.Getenv("DEFAULT_PROVIDER"); v != "" {
		cfg.Gateway.DefaultProvider = v
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.Gateway.DefaultModel = v
	}
	if v := os.Getenv("HEARTBEAT_ENABLED"); v != "" {
		cfg.Heartbeat.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Heartbeat.IntervalMs = n
		}
	}
	if v := os.Getenv("HEARTBEAT_ACTIVE_START"); v != "" {
		cfg.Heartbeat.ActiveStart = v
	}
	if v := os.Getenv("HEARTBEAT_ACTIVE_END"); v != "" {
		cfg.Heartbeat.ActiveEnd = v
	}
	if v := os.Getenv("HEARTBEAT_DELIVERY"); v != "" {
		cfg.Heartbeat.Delivery = v
	}
	if v := os.Getenv("STATE_CONVERSATION_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.ConversationHistory = n
		}
	}
	if v := os.Getenv("STATE_WORLD_MODEL_PATH"); v != "" {
		cfg.worldModelPathOverride = v
	}
	if v := os.Getenv("STATE_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("STATE_EXTRACTION_ENABLED"); v != "" {
		cfg.Extraction.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("STATE_EXTRACTION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.TimeoutMs = n
		}
	}
	if v := os.Getenv("USER_TIMEZONE"); v != "" {
		cfg.UserTimezone = v
	}
}

// WorldModelPath returns STATE_WORLD_MODEL_PATH if set, else the default
// location under the data directory.
func (c *Config) WorldModelPath() string {
	if c.worldModelPathOverride != "" {
		return c.worldModelPathOverride
	}
	return filepath.Join(c.Gateway.DataDir, "state", "world-model.md")
}
