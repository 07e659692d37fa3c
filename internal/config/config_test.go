package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.GetPollInterval() != 15*time.Minute {
		t.Errorf("Expected 15m poll interval, got %v", cfg.GetPollInterval())
	}
	if cfg.GetLookbackDays() != 7 {
		t.Errorf("Expected 7 lookback days, got %d", cfg.GetLookbackDays())
	}
	if cfg.GetAPITimeout() != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.GetAPITimeout())
	}
	if cfg.GetTopicPrefix() != "watermeter" {
		t.Errorf("Expected default topic prefix, got %s", cfg.GetTopicPrefix())
	}
	if cfg.GetMQTTClientID() != "watermeter" {
		t.Errorf("Expected default client id, got %s", cfg.GetMQTTClientID())
	}
	if cfg.GetMetricsListen() != ":9120" {
		t.Errorf("Expected default metrics address, got %s", cfg.GetMetricsListen())
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  auth_url: http://localhost/auth
  timeout: 5s
poll_interval: 30m
lookback_days: 0
log:
  level: debug
  json: true
mqtt:
  enabled: true
  broker: localhost:1883
  topic_prefix: home/water/
home_assistant:
  enabled: true
  url: http://ha.local:8123
  token: abc
  entity_prefix: sensor.water
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.AuthURL != "http://localhost/auth" {
		t.Errorf("Expected auth URL, got %s", cfg.API.AuthURL)
	}
	if cfg.GetAPITimeout() != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", cfg.GetAPITimeout())
	}
	if cfg.GetPollInterval() != 30*time.Minute {
		t.Errorf("Expected 30m interval, got %v", cfg.GetPollInterval())
	}
	if cfg.GetLookbackDays() != 0 {
		t.Errorf("Expected explicit lookback of 0, got %d", cfg.GetLookbackDays())
	}
	if !cfg.Log.JSON || cfg.Log.Level != "debug" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.GetTopicPrefix() != "home/water" {
		t.Errorf("Expected trimmed topic prefix, got %s", cfg.GetTopicPrefix())
	}
	if !cfg.HomeAssistant.Enabled || cfg.HomeAssistant.EntityPrefix != "sensor.water" {
		t.Errorf("Unexpected HA config %+v", cfg.HomeAssistant)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("mqtt: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WATERMETER_EMAIL", "env@example.com")
	t.Setenv("WATERMETER_PASSWORD", "env-secret")
	t.Setenv("WATERMETER_LOG_LEVEL", "WARN")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Account.Email != "env@example.com" || cfg.Account.Password != "env-secret" {
		t.Errorf("Expected account from environment, got %+v", cfg.Account)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected lowercased level, got %s", cfg.Log.Level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		t.Errorf("Expected missing .env to be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("WATERMETER_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WATERMETER_TEST_DOTENV", "")
	os.Unsetenv("WATERMETER_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("WATERMETER_TEST_DOTENV"); got != "loaded" {
		t.Errorf("Expected variable from .env, got %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	days := 3
	cfg := &Config{PollInterval: 20 * time.Minute, LookbackDays: &days}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.GetPollInterval() != 20*time.Minute || loaded.GetLookbackDays() != 3 {
		t.Errorf("Unexpected loaded config %+v", loaded)
	}
}
