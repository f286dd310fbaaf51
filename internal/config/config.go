package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN renders a lib/pq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// Config carries every recognised broker option. Values come from an
// optional YAML file overlaid by environment variables; env wins.
type Config struct {
	HTTPAgentPort     int `yaml:"http_agent_port"`
	HTTPSFrontendPort int `yaml:"https_frontend_port"`
	HTTPFrontendPort  int `yaml:"http_frontend_port"`

	LongPollTimeoutSec int `yaml:"long_poll_timeout"`
	ContactTimeoutSec  int `yaml:"contact_timeout"`
	PollIntervalSec    int `yaml:"poll_interval"`
	StartupDelaySec    int `yaml:"startup_delay"`

	BrokerURL     string `yaml:"broker_url"`
	CryptoFolder  string `yaml:"crypto_folder"`
	ServerHTTPURL string `yaml:"server_http_url"`

	Plugins      []string `yaml:"plugins"`
	TxQueueCap   int      `yaml:"tx_queue_cap"`
	GetDrainCap  int      `yaml:"get_drain_cap"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`

	Version  string   `yaml:"version"`
	LogLevel string   `yaml:"log_level"`
	Database Database `yaml:"database"`
}

// Load builds the configuration from defaults, the YAML file named by
// BROKER_CONFIG (if any), and the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAgentPort:      8092,
		HTTPSFrontendPort:  8443,
		HTTPFrontendPort:   8080,
		LongPollTimeoutSec: 30,
		PollIntervalSec:    10,
		StartupDelaySec:    30,
		BrokerURL:          "nats://localhost:4222",
		CryptoFolder:       ".",
		ServerHTTPURL:      "https://localhost:8443/",
		Plugins:            []string{"action_runner"},
		TxQueueCap:         4096,
		GetDrainCap:        256,
		MaxBodyBytes:       8 << 20,
		Version:            "6.2.0",
		LogLevel:           "info",
		Database: Database{
			Host: "localhost",
			Port: "5432",
			User: "chroma",
			Name: "chroma",
		},
	}

	if path := os.Getenv("BROKER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPAgentPort = getEnvInt("HTTP_AGENT_PORT", cfg.HTTPAgentPort)
	cfg.HTTPSFrontendPort = getEnvInt("HTTPS_FRONTEND_PORT", cfg.HTTPSFrontendPort)
	cfg.HTTPFrontendPort = getEnvInt("HTTP_FRONTEND_PORT", cfg.HTTPFrontendPort)
	cfg.LongPollTimeoutSec = getEnvInt("LONG_POLL_TIMEOUT", cfg.LongPollTimeoutSec)
	cfg.ContactTimeoutSec = getEnvInt("CONTACT_TIMEOUT", cfg.ContactTimeoutSec)
	cfg.PollIntervalSec = getEnvInt("POLL_INTERVAL", cfg.PollIntervalSec)
	cfg.StartupDelaySec = getEnvInt("STARTUP_DELAY", cfg.StartupDelaySec)
	cfg.BrokerURL = getEnv("BROKER_URL", cfg.BrokerURL)
	cfg.CryptoFolder = getEnv("CRYPTO_FOLDER", cfg.CryptoFolder)
	cfg.ServerHTTPURL = getEnv("SERVER_HTTP_URL", cfg.ServerHTTPURL)
	cfg.TxQueueCap = getEnvInt("TX_QUEUE_CAP", cfg.TxQueueCap)
	cfg.GetDrainCap = getEnvInt("GET_DRAIN_CAP", cfg.GetDrainCap)
	cfg.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.Version = getEnv("BROKER_VERSION", cfg.Version)
	cfg.LogLevel = getEnv("BROKER_LOG_LEVEL", cfg.LogLevel)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)

	if plugins := os.Getenv("BROKER_PLUGINS"); plugins != "" {
		cfg.Plugins = nil
		for _, p := range strings.Split(plugins, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Plugins = append(cfg.Plugins, p)
			}
		}
	}

	// The liveness threshold defaults to twice the long-poll bound: a
	// healthy agent reconnects its GET well inside two poll windows.
	if cfg.ContactTimeoutSec == 0 {
		cfg.ContactTimeoutSec = 2 * cfg.LongPollTimeoutSec
	}

	return cfg, nil
}

// LongPollTimeout returns the long-poll bound as a duration.
func (c *Config) LongPollTimeout() time.Duration {
	return time.Duration(c.LongPollTimeoutSec) * time.Second
}

// ContactTimeout returns the liveness threshold as a duration.
func (c *Config) ContactTimeout() time.Duration {
	return time.Duration(c.ContactTimeoutSec) * time.Second
}

// PollInterval returns the sweeper cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StartupDelay returns the sweeper's initial delay as a duration.
func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
