// Package config loads runtime configuration: credentials from the
// environment (optionally seeded from a .env file) and operational
// settings from a YAML file. Credentials never live in the YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvBotToken      = "RELAY_BOT_TOKEN"
	EnvSourceChannel = "RELAY_SOURCE_CHANNEL"
	EnvOperatorID    = "RELAY_OPERATOR_ID"
)

// Credentials is the secret material read from the environment.
type Credentials struct {
	// BotToken authenticates the publishing identity.
	BotToken string

	// SourceChannel references the watched channel: a numeric chat id
	// or an @handle.
	SourceChannel string

	// OperatorID, when non-zero, restricts operator commands to one
	// user id. Zero accepts commands from any private chat.
	OperatorID int64
}

// LoadCredentials reads credentials from the environment. A .env file
// in the working directory seeds missing variables first; its absence
// is not an error. Missing BotToken or SourceChannel is fatal at
// startup, so both are checked here.
func LoadCredentials() (Credentials, error) {
	_ = godotenv.Load()

	c := Credentials{
		BotToken:      os.Getenv(EnvBotToken),
		SourceChannel: os.Getenv(EnvSourceChannel),
	}
	if c.BotToken == "" {
		return c, fmt.Errorf("%s is not set", EnvBotToken)
	}
	if c.SourceChannel == "" {
		return c, fmt.Errorf("%s is not set", EnvSourceChannel)
	}

	if raw := os.Getenv(EnvOperatorID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvOperatorID, err)
		}
		c.OperatorID = id
	}
	return c, nil
}

// Config is the operational configuration. Every field has a working
// default; a missing config file yields Default().
type Config struct {
	// Database is the SQLite database path.
	Database string `yaml:"database"`

	// RulesFile overrides the embedded marker grammar when set.
	RulesFile string `yaml:"rules_file"`

	// QuietPeriodMS is the album assembly quiet period in
	// milliseconds.
	QuietPeriodMS int `yaml:"quiet_period_ms"`

	// FallbackWindow is how many recent destination entries the
	// retraction fallback scan considers.
	FallbackWindow int `yaml:"fallback_window"`

	// CaptionCap bounds the per-destination caption index.
	CaptionCap int `yaml:"caption_cap"`

	// SendRatePerSec is the per-destination emission rate limit.
	SendRatePerSec float64 `yaml:"send_rate_per_sec"`

	// ArchiveExport points at a source channel history export
	// directory. When set, the operator /replay command works without
	// a separate archive identity.
	ArchiveExport string `yaml:"archive_export"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database:       "pricerelay.db",
		QuietPeriodMS:  600,
		FallbackWindow: 800,
		CaptionCap:     500,
		SendRatePerSec: 1,
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
// An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.merge(loaded)

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(o Config) {
	if o.Database != "" {
		c.Database = o.Database
	}
	if o.RulesFile != "" {
		c.RulesFile = o.RulesFile
	}
	if o.QuietPeriodMS != 0 {
		c.QuietPeriodMS = o.QuietPeriodMS
	}
	if o.FallbackWindow != 0 {
		c.FallbackWindow = o.FallbackWindow
	}
	if o.CaptionCap != 0 {
		c.CaptionCap = o.CaptionCap
	}
	if o.SendRatePerSec != 0 {
		c.SendRatePerSec = o.SendRatePerSec
	}
	if o.ArchiveExport != "" {
		c.ArchiveExport = o.ArchiveExport
	}
}

// validate rejects negative values. Zero is indistinguishable from
// "not set" after merge and falls back to the default.
func (c Config) validate() error {
	if c.QuietPeriodMS < 0 {
		return fmt.Errorf("quiet_period_ms must not be negative")
	}
	if c.FallbackWindow < 0 {
		return fmt.Errorf("fallback_window must not be negative")
	}
	if c.CaptionCap < 0 {
		return fmt.Errorf("caption_cap must not be negative")
	}
	if c.SendRatePerSec < 0 {
		return fmt.Errorf("send_rate_per_sec must not be negative")
	}
	return nil
}
