package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jgoulah/watermeter/pkg/models"
)

const (
	defaultPollInterval  = 15 * time.Minute
	defaultLookbackDays  = 7
	defaultAPITimeout    = 30 * time.Second
	defaultTopicPrefix   = "watermeter"
	defaultMQTTClientID  = "watermeter"
	defaultMetricsListen = ":9120"
	envPrefix            = "WATERMETER_"
)

// Config holds the application configuration
type Config struct {
	API           APIConfig     `yaml:"api,omitempty"`
	Account       AccountConfig `yaml:"account,omitempty"`        // Default login for pairing
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`  // Fallback: 15m
	LookbackDays  *int          `yaml:"lookback_days,omitempty"`  // Days before today to probe (fallback: 7)
	Log           LogConfig     `yaml:"log,omitempty"`
	MQTT          MQTTConfig    `yaml:"mqtt,omitempty"`
	HomeAssistant HAConfig      `yaml:"home_assistant,omitempty"`
	Metrics       MetricsConfig `yaml:"metrics,omitempty"`
}

// APIConfig overrides the provider endpoints
type APIConfig struct {
	AuthURL        string        `yaml:"auth_url,omitempty"`
	ConsumptionURL string        `yaml:"consumption_url,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

// AccountConfig holds provider credentials
type AccountConfig struct {
	Email    string `yaml:"email,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Credentials returns the configured login
func (a AccountConfig) Credentials() models.Credentials {
	return models.Credentials{Email: a.Email, Password: a.Password}
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
	JSON  bool   `yaml:"json,omitempty"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`                 // e.g., "localhost:1883"
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"` // Fallback: "watermeter"
	ClientID    string `yaml:"client_id,omitempty"`
}

// HAConfig holds Home Assistant HTTP API configuration
type HAConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`                     // e.g., "http://homeassistant.local:8123"
	Token        string `yaml:"token"`                   // Long-lived access token
	EntityPrefix string `yaml:"entity_prefix,omitempty"` // e.g., "sensor.water"
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"` // Fallback: ":9120"
}

// Load reads the config file and applies environment overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// Missing file means defaults
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	return &cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envPrefix + "EMAIL"); v != "" {
		c.Account.Email = v
	}
	if v := os.Getenv(envPrefix + "PASSWORD"); v != "" {
		c.Account.Password = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv(envPrefix + "HA_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// GetPollInterval returns the refresh period with a default of 15 minutes
func (c *Config) GetPollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}

// GetLookbackDays returns how many days before today are probed, default 7
func (c *Config) GetLookbackDays() int {
	if c.LookbackDays == nil || *c.LookbackDays < 0 {
		return defaultLookbackDays
	}
	return *c.LookbackDays
}

// GetAPITimeout returns the provider request timeout
func (c *Config) GetAPITimeout() time.Duration {
	if c.API.Timeout <= 0 {
		return defaultAPITimeout
	}
	return c.API.Timeout
}

// GetTopicPrefix returns the MQTT topic prefix
func (c *Config) GetTopicPrefix() string {
	if c.MQTT.TopicPrefix == "" {
		return defaultTopicPrefix
	}
	return strings.TrimRight(c.MQTT.TopicPrefix, "/")
}

// GetMQTTClientID returns the MQTT client id
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID == "" {
		return defaultMQTTClientID
	}
	return c.MQTT.ClientID
}

// GetMetricsListen returns the metrics listen address
func (c *Config) GetMetricsListen() string {
	if c.Metrics.Listen == "" {
		return defaultMetricsListen
	}
	return c.Metrics.Listen
}
