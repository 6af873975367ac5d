// Package config provides configuration management for the position engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eqswap/positions-engine/internal/domain"
)

// Defaults applied when the corresponding field is unset.
const (
	defaultPartitions  = 16
	defaultQueueSize   = 64
	defaultCacheTTL    = "10m"
	defaultDBPath      = "data/positions.db"
	defaultRESTTimeout = "5s"
)

// Config represents the complete engine configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Database    DatabaseConfig    `yaml:"database"`
	Partitions  PartitionConfig   `yaml:"partitions"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Cache       CacheConfig       `yaml:"cache"`
	Contracts   ContractConfig    `yaml:"contract_service"`
	TaxLot      TaxLotConfig      `yaml:"taxlot"`
	Sweeps      SweepConfig       `yaml:"sweeps"`
}

// EnvironmentConfig defines process-wide settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	Timezone string `yaml:"timezone"`  // trade dating zone, e.g. "America/New_York"
}

// DatabaseConfig defines where the SQLite stores live.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PartitionConfig sizes the dispatcher's worker pool.
type PartitionConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// MessagingConfig selects and configures the bus binding.
type MessagingConfig struct {
	Provider string      `yaml:"provider"` // memory | kafka | solace
	Kafka    KafkaConfig `yaml:"kafka"`
	Topics   TopicConfig `yaml:"topics"`
}

// KafkaConfig holds broker connection settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

// TopicConfig names the logical channels. Empty fields fall back to the
// conventional names.
type TopicConfig struct {
	TradeEvents string `yaml:"trade_events"`
	Backdated   string `yaml:"backdated_trades"`
	DLQ         string `yaml:"dlq"`
	Errors      string `yaml:"errors"`
	Corrections string `yaml:"corrections"`
}

// CacheConfig selects the cache binding.
type CacheConfig struct {
	Type  string      `yaml:"type"` // memory | redis
	TTL   string      `yaml:"ttl"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ContractConfig selects the contract-rules service binding.
type ContractConfig struct {
	Type     string `yaml:"type"` // mock | rest
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
	Breaker  bool   `yaml:"breaker"`
	CacheTTL string `yaml:"cache_ttl"`
}

// TaxLotConfig sets the engine-wide default allocation method. Contracts
// override it per position.
type TaxLotConfig struct {
	DefaultMethod string `yaml:"default_method"` // FIFO | LIFO | HIFO
}

// SweepConfig schedules the background maintenance jobs.
type SweepConfig struct {
	RetentionSchedule    string `yaml:"retention_schedule"`
	ArchivalSchedule     string `yaml:"archival_schedule"`
	StaleScanSchedule    string `yaml:"stale_scan_schedule"`
	IdempotencyRetention string `yaml:"idempotency_retention"`
	EventRetention       string `yaml:"event_retention"`
	StaleAfter           string `yaml:"stale_after"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns a runnable in-process configuration: memory bus, memory
// cache, mock contract service.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = "UTC"
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDBPath
	}
	if c.Partitions.Count == 0 {
		c.Partitions.Count = defaultPartitions
	}
	if c.Partitions.QueueSize == 0 {
		c.Partitions.QueueSize = defaultQueueSize
	}
	if c.Messaging.Provider == "" {
		c.Messaging.Provider = "memory"
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "memory"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = defaultCacheTTL
	}
	if c.Contracts.Type == "" {
		c.Contracts.Type = "mock"
	}
	if c.Contracts.Timeout == "" {
		c.Contracts.Timeout = defaultRESTTimeout
	}
	if c.Contracts.CacheTTL == "" {
		c.Contracts.CacheTTL = defaultCacheTTL
	}
	if c.TaxLot.DefaultMethod == "" {
		c.TaxLot.DefaultMethod = string(domain.MethodFIFO)
	}
	if c.Sweeps.RetentionSchedule == "" {
		c.Sweeps.RetentionSchedule = "@every 1h"
	}
	if c.Sweeps.ArchivalSchedule == "" {
		c.Sweeps.ArchivalSchedule = "@daily"
	}
	if c.Sweeps.StaleScanSchedule == "" {
		c.Sweeps.StaleScanSchedule = "@every 15m"
	}
	if c.Sweeps.IdempotencyRetention == "" {
		c.Sweeps.IdempotencyRetention = "168h"
	}
	if c.Sweeps.EventRetention == "" {
		c.Sweeps.EventRetention = "8760h"
	}
	if c.Sweeps.StaleAfter == "" {
		c.Sweeps.StaleAfter = "30m"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}
	if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
		return fmt.Errorf("environment.timezone invalid: %w", err)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Partitions.Count <= 0 || c.Partitions.Count > 1024 {
		return fmt.Errorf("partitions.count must be between 1 and 1024")
	}
	if c.Partitions.QueueSize <= 0 {
		return fmt.Errorf("partitions.queue_size must be > 0")
	}

	switch c.Messaging.Provider {
	case "memory":
	case "kafka":
		if len(c.Messaging.Kafka.Brokers) == 0 {
			return fmt.Errorf("messaging.kafka.brokers is required for the kafka provider")
		}
		if c.Messaging.Kafka.GroupID == "" {
			return fmt.Errorf("messaging.kafka.group_id is required for the kafka provider")
		}
	case "solace":
		// Accepted for forward compatibility; the binding is selected at
		// startup and fails there if not built in.
	default:
		return fmt.Errorf("messaging.provider must be memory, kafka or solace")
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("cache.type must be memory or redis")
	}
	if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("cache.ttl invalid: %w", err)
	}

	switch c.Contracts.Type {
	case "mock":
	case "rest":
		if c.Contracts.Endpoint == "" {
			return fmt.Errorf("contract_service.endpoint is required for the rest service")
		}
	default:
		return fmt.Errorf("contract_service.type must be mock or rest")
	}
	if _, err := time.ParseDuration(c.Contracts.Timeout); err != nil {
		return fmt.Errorf("contract_service.timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Contracts.CacheTTL); err != nil {
		return fmt.Errorf("contract_service.cache_ttl invalid: %w", err)
	}

	if !domain.TaxLotMethod(c.TaxLot.DefaultMethod).Valid() {
		return fmt.Errorf("taxlot.default_method must be FIFO, LIFO or HIFO")
	}

	for name, v := range map[string]string{
		"sweeps.idempotency_retention": c.Sweeps.IdempotencyRetention,
		"sweeps.event_retention":       c.Sweeps.EventRetention,
		"sweeps.stale_after":           c.Sweeps.StaleAfter,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	return nil
}

// Location returns the validated trade dating zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CacheTTL returns the validated cache expiration.
func (c *Config) CacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Cache.TTL)
	return d
}

// ContractTimeout returns the validated REST client timeout.
func (c *Config) ContractTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Contracts.Timeout)
	return d
}

// ContractCacheTTL returns the validated rules cache expiration.
func (c *Config) ContractCacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Contracts.CacheTTL)
	return d
}

// DefaultMethod returns the validated engine-wide tax-lot method.
func (c *Config) DefaultMethod() domain.TaxLotMethod {
	return domain.TaxLotMethod(c.TaxLot.DefaultMethod)
}

// SweepDurations returns the three validated sweep windows.
func (c *Config) SweepDurations() (idem, event, stale time.Duration) {
	idem, _ = time.ParseDuration(c.Sweeps.IdempotencyRetention)
	event, _ = time.ParseDuration(c.Sweeps.EventRetention)
	stale, _ = time.ParseDuration(c.Sweeps.StaleAfter)
	return idem, event, stale
}
