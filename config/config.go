// Package config loads service configuration from yaml with environment
// overrides. Defaults are usable out of the box against a local Mongo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all context queue configuration.
type Config struct {
	Mongo   MongoConfig   `yaml:"mongo"`
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Manager ManagerConfig `yaml:"manager"`
	Engine  EngineConfig  `yaml:"engine"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
}

// MongoConfig configures the document store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// WorkerConfig configures the claim/process loop.
type WorkerConfig struct {
	ServiceType  string        `yaml:"service_type"`
	BatchMode    bool          `yaml:"batch_mode"`
	BatchSize    int           `yaml:"batch_size"`
	BatchWait    time.Duration `yaml:"batch_wait"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// ManagerConfig configures lifecycle policy: condition table, TTL
// cleanup and priority aging.
type ManagerConfig struct {
	IDSource           string        `yaml:"id_source"`
	ConditionsPath     string        `yaml:"conditions_path"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	CompletedTTLDays   int           `yaml:"completed_ttl_days"`
	FailedTTLDays      int           `yaml:"failed_ttl_days"`
	PromotionInterval  time.Duration `yaml:"promotion_interval"`
	MaxWaitTimeMinutes int           `yaml:"max_wait_time_minutes"`
}

// EngineConfig points at the remote processing service.
type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig configures output routing. Empty brokers disable Kafka and
// fall back to log-only output.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mongo:  MongoConfig{URI: "mongodb://localhost:27017", Database: "contextqueue"},
		Server: ServerConfig{Port: "8080"},
		Worker: WorkerConfig{
			ServiceType:  "default",
			BatchSize:    10,
			BatchWait:    5 * time.Second,
			PollInterval: time.Second,
			MaxAttempts:  5,
			MaxRetries:   3,
			RetryDelay:   30 * time.Second,
		},
		Manager: ManagerConfig{
			IDSource:           "agent",
			CleanupInterval:    24 * time.Hour,
			CompletedTTLDays:   7,
			FailedTTLDays:      14,
			PromotionInterval:  5 * time.Minute,
			MaxWaitTimeMinutes: 60,
		},
		Engine: EngineConfig{BaseURL: "http://localhost:8090", Timeout: 60 * time.Second},
		Kafka:  KafkaConfig{Topic: "context-output"},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the yaml file at path over the defaults, then applies env
// overrides. An empty path skips the file; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("SERVICE_TYPE"); v != "" {
		c.Worker.ServiceType = v
	}
	if v := os.Getenv("BATCH_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Worker.BatchMode = b
		}
	}
	if v := os.Getenv("ENGINE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitCSV(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
