package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree loaded from config.yaml.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Export ExportConfig `mapstructure:"export"`
	Jobs   JobsConfig   `mapstructure:"jobs"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	WorkerID int `mapstructure:"worker_id"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ExportEvents string `mapstructure:"export_events"`
	Postings     string `mapstructure:"postings"`
}

// ExportConfig holds the knobs of the export pipeline itself.
type ExportConfig struct {
	DefaultCurrency string            `mapstructure:"default_currency"`
	GLAccounts      map[string]string `mapstructure:"gl_accounts"`
	LockTTLSeconds  int               `mapstructure:"lock_ttl_seconds"`
	MaxRetryCount   int               `mapstructure:"max_retry_count"`
}

type JobsConfig struct {
	OutboxIntervalMs          int `mapstructure:"outbox_interval_ms"`
	ReconciliationIntervalSec int `mapstructure:"reconciliation_interval_sec"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LockTTL is the expiry of the per-batch stage lock.
func (c ExportConfig) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// GLAccountFor returns the ledger account for an expense type, or "" when unmapped.
func (c ExportConfig) GLAccountFor(expenseType string) string {
	if c.GLAccounts == nil {
		return ""
	}
	return c.GLAccounts[strings.ToLower(expenseType)]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.consumer_group", "expense-export")
	v.SetDefault("kafka.topic.export_events", "expense.export.events")
	v.SetDefault("kafka.topic.postings", "erp.expense.postings")
	v.SetDefault("export.default_currency", "LYD")
	v.SetDefault("export.lock_ttl_seconds", 30)
	v.SetDefault("export.max_retry_count", 5)
	v.SetDefault("jobs.outbox_interval_ms", 500)
	v.SetDefault("jobs.reconciliation_interval_sec", 60)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads the yaml file at configPath. EXPORT_* environment
// variables override file values (EXPORT_MYSQL_HOST -> mysql.host).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("export")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
