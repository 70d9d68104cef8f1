package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7433" {
		t.Errorf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Timeout() != 2*time.Minute {
		t.Errorf("timeout = %s", cfg.Timeout())
	}
	if !cfg.Surfaces.TUI.Enabled {
		t.Error("tui surface should default enabled")
	}
	if cfg.Audit.DBPath != filepath.Join("data", "audit.db") {
		t.Errorf("audit db path = %s", cfg.Audit.DBPath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolgate.toml")
	content := `
[server]
listen_addr = "0.0.0.0:9000"
data_dir = "/var/lib/toolgate"
default_profile = "work"

[arbitration]
timeout_seconds = 30
remember_deny = true

[surfaces.ws]
enabled = true

[auth]
secret = "sekrit"
token_ttl_minutes = 60
`
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen addr = %s", cfg.Server.ListenAddr)
	}
	if cfg.Server.DefaultProfile != "work" {
		t.Errorf("default profile = %s", cfg.Server.DefaultProfile)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Errorf("timeout = %s", cfg.Timeout())
	}
	if !cfg.Arbitration.RememberDeny {
		t.Error("remember_deny not applied")
	}
	if cfg.TokenTTL() != time.Hour {
		t.Errorf("token ttl = %s", cfg.TokenTTL())
	}
	if cfg.ProfilesDir() != filepath.Join("/var/lib/toolgate", "profiles") {
		t.Errorf("profiles dir = %s", cfg.ProfilesDir())
	}
	if cfg.Audit.DBPath != filepath.Join("/var/lib/toolgate", "audit.db") {
		t.Errorf("audit db path = %s", cfg.Audit.DBPath)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero timeout", func(c *Config) { c.Arbitration.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"mqtt without broker", func(c *Config) {
			c.Surfaces.MQTT.Enabled = true
			c.Auth.Secret = "x"
		}, "broker_url"},
		{"remote surface without secret", func(c *Config) { c.Surfaces.WS.Enabled = true }, "auth.secret"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "data_dir"},
		{"bad retention", func(c *Config) { c.Audit.RetentionDays = 0 }, "retention_days"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[server\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
