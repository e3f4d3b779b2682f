// Package config loads the service configuration from the environment,
// optionally layered over a YAML file named by EMS_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker holds the endpoint and topic composition.
type Broker struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	DataPrefix          string `yaml:"data_prefix"`
	CommandPrefix       string `yaml:"cmd_prefix"`
	ReceiptPrefix       string `yaml:"receipt_prefix"`
	DataIncludeSourceID bool   `yaml:"data_include_source_id"`
	CmdIncludeTarget    bool   `yaml:"cmd_include_target"`
	DataQoS             int    `yaml:"data_qos"`
	CmdQoS              int    `yaml:"cmd_qos"`
	ReceiptQoS          int    `yaml:"receipt_qos"`
}

// Pipeline tunes the write pipeline.
type Pipeline struct {
	BatchSize       int   `yaml:"batch_size"`
	MaxBufferSize   int   `yaml:"max_buffer_size"`
	MaxRetries      int   `yaml:"max_retries"`
	DedupCacheSize  int   `yaml:"dedup_cache_size"`
	MaxAgeMs        int64 `yaml:"max_age_ms"`
	FlushIntervalMs int   `yaml:"flush_interval_ms"`
}

// Cache tunes the fast key/value store TTLs.
type Cache struct {
	LastValueTTLSeconds int `yaml:"last_value_ttl_s"`
	OnlineTTLSeconds    int `yaml:"online_ttl_s"`
}

// Config is the whole service configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	HTTPAddr    string `yaml:"http_addr"`
	JWTSecret   string `yaml:"jwt_secret"`

	IngestEnabled  bool `yaml:"ingest_enabled"`
	ControlEnabled bool `yaml:"control_enabled"`

	Broker   Broker   `yaml:"broker"`
	Pipeline Pipeline `yaml:"pipeline"`
	Cache    Cache    `yaml:"cache"`

	DispatchMaxRetries    int `yaml:"dispatch_max_retries"`
	DispatchBackoffMs     int `yaml:"dispatch_backoff_ms"`
	ReceiptTimeoutSeconds int `yaml:"receipt_timeout_s"`

	MappingCacheSize      int  `yaml:"mapping_cache_size"`
	RequireTimeseriesExt  bool `yaml:"require_timeseries_ext"`
	ShutdownTimeoutSecond int  `yaml:"shutdown_timeout_s"`
}

func defaults() Config {
	return Config{
		HTTPAddr:       ":8080",
		IngestEnabled:  true,
		ControlEnabled: true,
		Broker: Broker{
			Host:          "localhost",
			Port:          1883,
			DataPrefix:    "ems/data",
			CommandPrefix: "ems/commands",
			ReceiptPrefix: "ems/receipts",
			DataQoS:       0,
			CmdQoS:        1,
			ReceiptQoS:    1,
		},
		Pipeline: Pipeline{
			BatchSize:       100,
			MaxBufferSize:   1000,
			MaxRetries:      3,
			DedupCacheSize:  10000,
			FlushIntervalMs: 1000,
		},
		Cache: Cache{
			OnlineTTLSeconds: 60,
		},
		DispatchMaxRetries:    3,
		DispatchBackoffMs:     200,
		ReceiptTimeoutSeconds: 60,
		MappingCacheSize:      4096,
		ShutdownTimeoutSecond: 10,
	}
}

// Load builds the configuration. Environment variables override YAML
// values, which override defaults. Missing required options are an error;
// the caller refuses to start.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("EMS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.DatabaseURL = getenvDefault("EMS_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getenvDefault("EMS_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getenvIntDefault("EMS_REDIS_DB", cfg.RedisDB)
	cfg.HTTPAddr = getenvDefault("EMS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.JWTSecret = getenvDefault("EMS_JWT_SECRET", cfg.JWTSecret)

	cfg.IngestEnabled = getenvBoolDefault("EMS_INGEST_ENABLED", cfg.IngestEnabled)
	cfg.ControlEnabled = getenvBoolDefault("EMS_CONTROL_ENABLED", cfg.ControlEnabled)

	cfg.Broker.Host = getenvDefault("EMS_BROKER_HOST", cfg.Broker.Host)
	cfg.Broker.Port = getenvIntDefault("EMS_BROKER_PORT", cfg.Broker.Port)
	cfg.Broker.Username = getenvDefault("EMS_BROKER_USER", cfg.Broker.Username)
	cfg.Broker.Password = getenvDefault("EMS_BROKER_PASS", cfg.Broker.Password)
	cfg.Broker.DataPrefix = getenvDefault("EMS_BROKER_DATA_PREFIX", cfg.Broker.DataPrefix)
	cfg.Broker.CommandPrefix = getenvDefault("EMS_BROKER_CMD_PREFIX", cfg.Broker.CommandPrefix)
	cfg.Broker.ReceiptPrefix = getenvDefault("EMS_BROKER_RECEIPT_PREFIX", cfg.Broker.ReceiptPrefix)
	cfg.Broker.DataIncludeSourceID = getenvBoolDefault("EMS_BROKER_DATA_INCLUDE_SOURCE_ID", cfg.Broker.DataIncludeSourceID)
	cfg.Broker.CmdIncludeTarget = getenvBoolDefault("EMS_BROKER_CMD_INCLUDE_TARGET", cfg.Broker.CmdIncludeTarget)
	cfg.Broker.DataQoS = getenvIntDefault("EMS_BROKER_DATA_QOS", cfg.Broker.DataQoS)
	cfg.Broker.CmdQoS = getenvIntDefault("EMS_CMD_QOS", cfg.Broker.CmdQoS)
	cfg.Broker.ReceiptQoS = getenvIntDefault("EMS_RECEIPT_QOS", cfg.Broker.ReceiptQoS)

	cfg.Pipeline.BatchSize = getenvIntDefault("EMS_PIPELINE_BATCH_SIZE", cfg.Pipeline.BatchSize)
	cfg.Pipeline.MaxBufferSize = getenvIntDefault("EMS_PIPELINE_MAX_BUFFER_SIZE", cfg.Pipeline.MaxBufferSize)
	cfg.Pipeline.MaxRetries = getenvIntDefault("EMS_PIPELINE_MAX_RETRIES", cfg.Pipeline.MaxRetries)
	cfg.Pipeline.DedupCacheSize = getenvIntDefault("EMS_PIPELINE_DEDUP_CACHE_SIZE", cfg.Pipeline.DedupCacheSize)
	cfg.Pipeline.MaxAgeMs = getenvInt64Default("EMS_PIPELINE_MAX_AGE_MS", cfg.Pipeline.MaxAgeMs)
	cfg.Pipeline.FlushIntervalMs = getenvIntDefault("EMS_PIPELINE_FLUSH_INTERVAL_MS", cfg.Pipeline.FlushIntervalMs)

	cfg.Cache.LastValueTTLSeconds = getenvIntDefault("EMS_CACHE_LAST_VALUE_TTL_S", cfg.Cache.LastValueTTLSeconds)
	cfg.Cache.OnlineTTLSeconds = getenvIntDefault("EMS_CACHE_ONLINE_TTL_S", cfg.Cache.OnlineTTLSeconds)

	cfg.DispatchMaxRetries = getenvIntDefault("EMS_DISPATCH_MAX_RETRIES", cfg.DispatchMaxRetries)
	cfg.DispatchBackoffMs = getenvIntDefault("EMS_DISPATCH_BACKOFF_MS", cfg.DispatchBackoffMs)
	cfg.ReceiptTimeoutSeconds = getenvIntDefault("EMS_RECEIPT_TIMEOUT_S", cfg.ReceiptTimeoutSeconds)

	cfg.MappingCacheSize = getenvIntDefault("EMS_MAPPING_CACHE_SIZE", cfg.MappingCacheSize)
	cfg.RequireTimeseriesExt = getenvBoolDefault("EMS_REQUIRE_TIMESERIES_EXT", cfg.RequireTimeseriesExt)
	cfg.ShutdownTimeoutSecond = getenvIntDefault("EMS_SHUTDOWN_TIMEOUT_S", cfg.ShutdownTimeoutSecond)

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("config: EMS_DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		return Config{}, errors.New("config: EMS_REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("config: EMS_JWT_SECRET is required")
	}
	return cfg, nil
}

// FlushInterval returns the pipeline flush cadence.
func (p Pipeline) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMs) * time.Millisecond
}

// OnlineTTL returns the online marker TTL.
func (c Cache) OnlineTTL() time.Duration {
	return time.Duration(c.OnlineTTLSeconds) * time.Second
}

// LastValueTTL returns the last-value TTL; zero disables expiry.
func (c Cache) LastValueTTL() time.Duration {
	return time.Duration(c.LastValueTTLSeconds) * time.Second
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64Default(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
