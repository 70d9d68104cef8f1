// Package config loads the toolgate daemon configuration from a TOML
// file and applies defaults and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all toolgate configuration.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Arbitration ArbitrationConfig `toml:"arbitration"`
	Registry    RegistryConfig    `toml:"registry"`
	Surfaces    SurfacesConfig    `toml:"surfaces"`
	Auth        AuthConfig        `toml:"auth"`
	Audit       AuditConfig       `toml:"audit"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	LogLevel   string `toml:"log_level"`
	LogFile    string `toml:"log_file"`
	// Profile bound at startup; switchable at runtime via the admin API.
	DefaultProfile string `toml:"default_profile"`
}

type ArbitrationConfig struct {
	// TimeoutSeconds is the approver response window; expiry denies.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// RememberDeny persists a human deny when the decision asks for it.
	RememberDeny bool `toml:"remember_deny"`
	PromptBuffer int  `toml:"prompt_buffer"`
}

type RegistryConfig struct {
	ManifestDir string `toml:"manifest_dir"`
}

type SurfacesConfig struct {
	WS   WSSurfaceConfig   `toml:"ws"`
	MQTT MQTTSurfaceConfig `toml:"mqtt"`
	TUI  TUISurfaceConfig  `toml:"tui"`
}

type WSSurfaceConfig struct {
	Enabled bool `toml:"enabled"`
}

type MQTTSurfaceConfig struct {
	Enabled   bool   `toml:"enabled"`
	BrokerURL string `toml:"broker_url"`
	ClientID  string `toml:"client_id"`
	TopicBase string `toml:"topic_base"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

type TUISurfaceConfig struct {
	Enabled bool `toml:"enabled"`
}

type AuthConfig struct {
	// Secret signs approver tokens. Required when a remote surface is
	// enabled.
	Secret          string `toml:"secret"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

type AuditConfig struct {
	Enabled       bool   `toml:"enabled"`
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
}

type MaintenanceConfig struct {
	// SnapshotCron is a cron expression for periodic decision-store
	// snapshots; empty disables snapshots.
	SnapshotCron string `toml:"snapshot_cron"`
	SnapshotDir  string `toml:"snapshot_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:7433",
			DataDir:        "data",
			LogLevel:       "info",
			DefaultProfile: "default",
		},
		Arbitration: ArbitrationConfig{
			TimeoutSeconds: 120,
			PromptBuffer:   64,
		},
		Registry: RegistryConfig{
			ManifestDir: "manifests",
		},
		Surfaces: SurfacesConfig{
			TUI: TUISurfaceConfig{Enabled: true},
			MQTT: MQTTSurfaceConfig{
				TopicBase: "toolgate",
				ClientID:  "toolgate",
			},
		},
		Auth: AuthConfig{
			TokenTTLMinutes: 24 * 60,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Maintenance: MaintenanceConfig{
			SnapshotCron: "0 3 * * *",
		},
	}
}

// Load reads a TOML config file, layering it over the defaults. A
// missing file returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, cfg.Validate()
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyPaths()
	return cfg, cfg.Validate()
}

// applyPaths resolves the file paths that default relative to data_dir.
func (c *Config) applyPaths() {
	if c.Audit.DBPath == "" {
		c.Audit.DBPath = filepath.Join(c.Server.DataDir, "audit.db")
	}
	if c.Maintenance.SnapshotDir == "" {
		c.Maintenance.SnapshotDir = filepath.Join(c.Server.DataDir, "snapshots")
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	c.applyPaths()

	if c.Server.DataDir == "" {
		return fmt.Errorf("config: server.data_dir is required")
	}
	if c.Arbitration.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: arbitration.timeout_seconds must be positive")
	}
	if c.Arbitration.PromptBuffer <= 0 {
		return fmt.Errorf("config: arbitration.prompt_buffer must be positive")
	}
	if c.Surfaces.MQTT.Enabled && c.Surfaces.MQTT.BrokerURL == "" {
		return fmt.Errorf("config: surfaces.mqtt.broker_url is required when mqtt is enabled")
	}
	if remote := c.Surfaces.WS.Enabled || c.Surfaces.MQTT.Enabled; remote && c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required when a remote surface is enabled")
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		return fmt.Errorf("config: auth.token_ttl_minutes must be positive")
	}
	if c.Audit.Enabled && c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("config: audit.retention_days must be positive")
	}
	return nil
}

// Timeout returns the arbitration timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Arbitration.TimeoutSeconds) * time.Second
}

// TokenTTL returns the approver token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// ProfilesDir returns the decision-store root under the data dir.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.Server.DataDir, "profiles")
}
