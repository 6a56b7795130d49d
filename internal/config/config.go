// Package config loads bridge configuration from defaults, an optional
// YAML file, and BRIDGE_* environment variables (highest precedence).
// Environment keys use double underscores as level separators, e.g.
// BRIDGE_PROVIDER__API_BASE maps to provider.api_base.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Provider holds messaging-provider API settings.
type Provider struct {
	APIBase   string `koanf:"api_base"`
	APIKey    string `koanf:"api_key"`
	APISecret string `koanf:"api_secret"`
}

// Codex holds agent child-process settings.
type Codex struct {
	Bin              string `koanf:"bin"`
	WorkingDir       string `koanf:"working_dir"`
	ModelPrefix      string `koanf:"model_prefix"`
	DefaultModel     string `koanf:"default_model"`
	SandboxMode      string `koanf:"sandbox_mode"`
	RequestTimeoutMS int    `koanf:"request_timeout_ms"`
}

// Features holds boolean feature toggles.
type Features struct {
	TypingIndicators      bool `koanf:"typing_indicators"`
	ReadReceipts          bool `koanf:"read_receipts"`
	OutboundStyling       bool `koanf:"outbound_styling"`
	DiscardStartupBacklog bool `koanf:"discard_startup_backlog"`
}

// Notifications holds notification pipeline settings.
type Notifications struct {
	Enabled         bool `koanf:"enabled"`
	RawExcerptBytes int  `koanf:"raw_excerpt_bytes"`
	RetentionDays   int  `koanf:"retention_days"`
	MaxRows         int  `koanf:"max_rows"`
}

// Webhook holds webhook ingress settings.
type Webhook struct {
	Enabled      bool   `koanf:"enabled"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	Path         string `koanf:"path"`
	Secret       string `koanf:"secret"`
	MaxBodyBytes int64  `koanf:"max_body_bytes"`
}

// Config is the complete bridge configuration.
type Config struct {
	TrustedNumber string `koanf:"trusted_number"`
	SendFrom      string `koanf:"send_from"`
	DBPath        string `koanf:"db_path"`
	DataDir       string `koanf:"data_dir"`
	LogLevel      string `koanf:"log_level"`

	PollIntervalMS        int `koanf:"poll_interval_ms"`
	TypingHeartbeatSecond int `koanf:"typing_heartbeat_seconds"`

	Provider      Provider      `koanf:"provider"`
	Codex         Codex         `koanf:"codex"`
	Features      Features      `koanf:"features"`
	Notifications Notifications `koanf:"notifications"`
	Webhook       Webhook       `koanf:"webhook"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                        defaultDataDir(),
		"log_level":                       "info",
		"poll_interval_ms":                2000,
		"typing_heartbeat_seconds":        10,
		"codex.bin":                       "codex",
		"codex.model_prefix":              "gpt-5.3-codex",
		"codex.default_model":             "gpt-5.3-codex",
		"codex.sandbox_mode":              "workspace-write",
		"codex.request_timeout_ms":        120_000,
		"features.typing_indicators":      true,
		"features.read_receipts":          true,
		"features.outbound_styling":       true,
		"notifications.enabled":           true,
		"notifications.raw_excerpt_bytes": 4096,
		"notifications.retention_days":    14,
		"notifications.max_rows":          5000,
		"webhook.host":                    "127.0.0.1",
		"webhook.port":                    8787,
		"webhook.path":                    "/hooks/notify",
		"webhook.max_body_bytes":          1 << 20,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path (skipped when path is empty or missing), and BRIDGE_* environment
// variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("BRIDGE_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// envKey maps BRIDGE_PROVIDER__API_BASE to provider.api_base. A double
// underscore separates levels; single underscores survive inside keys.
func envKey(s string) string {
	s = strings.TrimPrefix(s, "BRIDGE_")
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// normalize validates required fields and clamps ranged values.
func (c *Config) normalize() error {
	if c.Provider.APIBase == "" {
		return fmt.Errorf("provider.api_base is required")
	}
	if c.Provider.APIKey == "" || c.Provider.APISecret == "" {
		return fmt.Errorf("provider.api_key and provider.api_secret are required")
	}
	if c.TrustedNumber == "" {
		return fmt.Errorf("trusted_number is required")
	}
	if c.SendFrom == "" {
		return fmt.Errorf("send_from is required")
	}
	if c.Codex.WorkingDir == "" {
		return fmt.Errorf("codex.working_dir is required")
	}
	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required when the webhook is enabled")
	}

	c.Provider.APIBase = strings.TrimRight(c.Provider.APIBase, "/")

	c.PollIntervalMS = clampInt(c.PollIntervalMS, 250, 30_000)
	c.TypingHeartbeatSecond = clampInt(c.TypingHeartbeatSecond, 3, 30)
	c.Notifications.RawExcerptBytes = clampInt(c.Notifications.RawExcerptBytes, 256, 32_768)
	if c.Notifications.RetentionDays < 1 {
		c.Notifications.RetentionDays = 1
	}
	if c.Notifications.MaxRows < 100 {
		c.Notifications.MaxRows = 100
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "bridge.db")
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TypingHeartbeat returns the typing indicator heartbeat as a duration.
func (c *Config) TypingHeartbeat() time.Duration {
	return time.Duration(c.TypingHeartbeatSecond) * time.Second
}

// RequestTimeout returns the JSON-RPC request timeout as a duration.
func (c *Codex) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// LockPath returns the path of the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "bridge.lock")
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "codexbridge")
	}
	return filepath.Join(home, ".config", "codexbridge")
}

// EnsureDataDir creates the data directory if missing.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
