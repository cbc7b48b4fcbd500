package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.ChannelNumber = "15550000"
	cfg.CORSOrigins = []string{"https://chat.example"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ChannelNumber != "15550000" {
		t.Errorf("ChannelNumber = %q, want %q", loaded.ChannelNumber, "15550000")
	}
	if len(loaded.CORSOrigins) != 1 || loaded.CORSOrigins[0] != "https://chat.example" {
		t.Errorf("CORSOrigins = %v", loaded.CORSOrigins)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("listen_addr = \":9000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.SendQueue != 64 || cfg.AMQPExchange != "chatrelay.events" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CHATRELAY_LISTEN_ADDR", ":7070")
	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATRELAY_JWT_SECRET":          "0123456789abcdef",
		"CHATRELAY_CORS_ORIGINS":        "https://a.example, https://b.example",
		"CHATRELAY_REQUIRE_KNOWN_USERS": "false",
		"CHATRELAY_TOKEN_TTL":           "1h",
		"CHATRELAY_SEND_QUEUE":          "8",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.JWTSecret != "0123456789abcdef" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RequireKnownUsers {
		t.Error("RequireKnownUsers should be false")
	}
	if cfg.TokenTTL != time.Hour || cfg.SendQueue != 8 {
		t.Errorf("TokenTTL = %v SendQueue = %d", cfg.TokenTTL, cfg.SendQueue)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "CHATRELAY_SEND_QUEUE" {
			return "many", true
		}
		return "", false
	}
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("expected error for non-numeric send queue")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, true},
		{"no listen addr", func(c *Config) { c.ListenAddr = "" }, true},
		{"amqp without exchange", func(c *Config) { c.AMQPURL = "amqp://localhost"; c.AMQPExchange = "" }, true},
		{"zero queue", func(c *Config) { c.SendQueue = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.JWTSecret = "0123456789abcdef"
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
