// Package config handles configuration loading for remedyd.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Logging   LoggingConfig         `yaml:"logging"`
	Evidence  EvidenceConfig        `yaml:"evidence"`
	Storage   StorageConfig         `yaml:"storage"`
	Events    EventsConfig          `yaml:"events"`
	Notify    NotifyConfig          `yaml:"notify"`
	Approvers map[string][]Approver `yaml:"approvers"`
	Engine    EngineConfig          `yaml:"engine"`
	Workflows WorkflowsConfig       `yaml:"workflows"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EvidenceConfig holds evidence ledger settings.
type EvidenceConfig struct {
	// KeyPath is where the HMAC signing key lives. Empty disables signing.
	KeyPath   string        `yaml:"key_path"`
	Retention time.Duration `yaml:"retention"`
	Archive   ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds S3 archival settings for expired evidence.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// StorageConfig holds persistence settings. With storage disabled everything
// runs on in-memory stores, which is the development default.
type StorageConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// RedisConfig holds Redis connection settings for workflow run state.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// EventsConfig holds lifecycle event publishing settings.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	Email   EmailConfig          `yaml:"email"`
	Slack   SlackConfig          `yaml:"slack"`
	Webhook WebhookChannelConfig `yaml:"webhook"`
}

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SlackConfig holds Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// WebhookChannelConfig holds generic webhook notification settings.
type WebhookChannelConfig struct {
	Enabled bool              `yaml:"enabled"`
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Approver is one member of an approver role.
type Approver struct {
	ID          string `yaml:"id"`
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
}

// EngineConfig holds workflow engine settings.
type EngineConfig struct {
	DefaultStepTimeout     time.Duration `yaml:"default_step_timeout"`
	DefaultApprovalTimeout time.Duration `yaml:"default_approval_timeout"`
	ApprovalSweepInterval  time.Duration `yaml:"approval_sweep_interval"`
	RetryBackoffUnit       time.Duration `yaml:"retry_backoff_unit"`
	RollbackTTL            time.Duration `yaml:"rollback_ttl"`
	EscalationRole         string        `yaml:"escalation_role"`
}

// WorkflowsConfig holds workflow definition loading settings.
type WorkflowsConfig struct {
	// Dir is scanned for *.yaml workflow definitions at startup.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8085,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Evidence: EvidenceConfig{
			KeyPath:   "",
			Retention: 90 * 24 * time.Hour,
			Archive: ArchiveConfig{
				Enabled:       false,
				Region:        "us-east-1",
				Bucket:        "remedyd-evidence-archive",
				Prefix:        "evidence/",
				SweepInterval: 24 * time.Hour,
			},
		},
		Storage: StorageConfig{
			Enabled: false, // In-memory stores by default for development
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "remedyd",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			Redis: RedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				DB:           0,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
		},
		Events: EventsConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "remedyd.workflow.events",
		},
		Notify: NotifyConfig{
			Email: EmailConfig{
				Enabled:  false,
				SMTPPort: 587,
				From:     "remedyd@localhost",
			},
			Slack: SlackConfig{
				Enabled:  false,
				Username: "remedyd",
			},
			Webhook: WebhookChannelConfig{
				Enabled: false,
				Name:    "webhook",
			},
		},
		Approvers: map[string][]Approver{},
		Engine: EngineConfig{
			DefaultStepTimeout:     5 * time.Minute,
			DefaultApprovalTimeout: 4 * time.Hour,
			ApprovalSweepInterval:  time.Minute,
			RetryBackoffUnit:       2 * time.Second,
			RollbackTTL:            24 * time.Hour,
			EscalationRole:         "security-lead",
		},
		Workflows: WorkflowsConfig{
			Dir: "configs/workflows",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("REMEDY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("REMEDY_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("REMEDY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if keyPath := os.Getenv("REMEDY_EVIDENCE_KEY_PATH"); keyPath != "" {
		c.Evidence.KeyPath = keyPath
	}

	if dir := os.Getenv("REMEDY_WORKFLOWS_DIR"); dir != "" {
		c.Workflows.Dir = dir
	}

	// Storage settings
	if enabled := os.Getenv("REMEDY_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Storage.Redis.Enabled = true
		c.Storage.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Storage.Redis.Password = pass
	}

	// Event publishing
	if brokers := os.Getenv("REMEDY_KAFKA_BROKERS"); brokers != "" {
		c.Events.Enabled = true
		c.Events.Brokers = splitAndTrim(brokers, ",")
	}

	if topic := os.Getenv("REMEDY_KAFKA_TOPIC"); topic != "" {
		c.Events.Topic = topic
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Evidence.Retention <= 0 {
		return fmt.Errorf("evidence retention must be positive")
	}

	if c.Evidence.Archive.Enabled && c.Evidence.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archival is enabled")
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("clickhouse hosts are required when storage is enabled")
	}

	if c.Storage.Redis.Enabled && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when event publishing is enabled")
	}

	if c.Engine.DefaultStepTimeout <= 0 {
		return fmt.Errorf("default_step_timeout must be positive")
	}

	if c.Engine.DefaultApprovalTimeout <= 0 {
		return fmt.Errorf("default_approval_timeout must be positive")
	}

	for role, members := range c.Approvers {
		if len(members) == 0 {
			return fmt.Errorf("approver role %q has no members", role)
		}
		for _, m := range members {
			if m.ID == "" || m.Email == "" {
				return fmt.Errorf("approver role %q has a member missing id or email", role)
			}
		}
	}

	return nil
}
