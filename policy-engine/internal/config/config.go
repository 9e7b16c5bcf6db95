// Package config loads the policy engine's configuration: struct defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigPathEnvVar  = "POLICY_ENGINE_CONFIG"
	DefaultConfigPath = "policy-engine.yaml"
)

type Config struct {
	Addr        string        `koanf:"addr"`
	DatabaseURL string        `koanf:"database_url"`
	Runs        RunsConfig    `koanf:"runs"`
	Promotion   PromoteConfig `koanf:"promotion"`
	Diff        DiffConfig    `koanf:"diff"`
	Auth        AuthConfig    `koanf:"auth"`
	Kafka       KafkaConfig   `koanf:"kafka"`
	Archive     ArchiveConfig `koanf:"archive"`
	Redis       RedisConfig   `koanf:"redis"`
	Catalog     CatalogConfig `koanf:"catalog"`
	Logging     LoggingConfig `koanf:"logging"`
}

type RunsConfig struct {
	BatchSize   int           `koanf:"batch_size"`
	Concurrency int           `koanf:"concurrency"`
	LeaseTTL    time.Duration `koanf:"lease_ttl"`
}

type PromoteConfig struct {
	CoverageThreshold float64 `koanf:"coverage_threshold"`
	MaxErrors         int64   `koanf:"max_errors"`
}

type DiffConfig struct {
	SampleSize    int `koanf:"sample_size"`
	MaxSampleSize int `koanf:"max_sample_size"`
}

type AuthConfig struct {
	KeysFile        string `koanf:"jwt_keys_file"`
	Issuer          string `koanf:"jwt_issuer"`
	AllowDebugToken bool   `koanf:"allow_debug_token"`
	DebugToken      string `koanf:"debug_token"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type ArchiveConfig struct {
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

type CatalogConfig struct {
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Addr: ":8070",
		Runs: RunsConfig{
			BatchSize:   500,
			Concurrency: 8,
			LeaseTTL:    30 * time.Second,
		},
		Promotion: PromoteConfig{
			CoverageThreshold: 1.0,
			MaxErrors:         0,
		},
		Diff: DiffConfig{
			SampleSize:    50,
			MaxSampleSize: 1000,
		},
		Kafka: KafkaConfig{
			Topic: "policy-engine.events",
		},
		Archive: ArchiveConfig{
			Prefix: "policy-engine",
		},
		Catalog: CatalogConfig{
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeys maps environment variables to config keys. Unlisted variables are ignored.
var envKeys = map[string]string{
	"policy_engine_addr":                     "addr",
	"policy_engine_database_url":             "database_url",
	"policy_engine_batch_size":               "runs.batch_size",
	"policy_engine_concurrency":              "runs.concurrency",
	"policy_engine_lease_ttl":                "runs.lease_ttl",
	"policy_engine_coverage_threshold":       "promotion.coverage_threshold",
	"policy_engine_max_errors":               "promotion.max_errors",
	"policy_engine_diff_sample_size":         "diff.sample_size",
	"policy_engine_diff_max_sample_size":     "diff.max_sample_size",
	"policy_engine_jwt_keys_file":            "auth.jwt_keys_file",
	"policy_engine_jwt_issuer":               "auth.jwt_issuer",
	"policy_engine_allow_debug_token":        "auth.allow_debug_token",
	"policy_engine_debug_token":              "auth.debug_token",
	"policy_engine_kafka_brokers":            "kafka.brokers",
	"policy_engine_kafka_topic":              "kafka.topic",
	"policy_engine_archive_bucket":           "archive.bucket",
	"policy_engine_archive_prefix":           "archive.prefix",
	"policy_engine_redis_addr":               "redis.addr",
	"policy_engine_catalog_breaker_failures": "catalog.breaker_failures",
	"policy_engine_catalog_breaker_timeout":  "catalog.breaker_timeout",
	"log_level":                              "logging.level",
	"log_format":                             "logging.format",
}

var sliceKeys = []string{"kafka.brokers"}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// DATABASE_URL is the fallback shared with the other services
	if os.Getenv("POLICY_ENGINE_DATABASE_URL") == "" {
		if url := os.Getenv("DATABASE_URL"); url != "" {
			if err := k.Set("database_url", url); err != nil {
				return nil, err
			}
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envValue maps a variable to its config key; empty values are skipped.
func envValue(key, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	return envKeys[strings.ToLower(key)], value
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// splitSlices turns comma-separated env values into lists.
func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required (POLICY_ENGINE_DATABASE_URL or DATABASE_URL)"))
	}
	if c.Runs.BatchSize <= 0 {
		errs = append(errs, errors.New("runs.batch_size must be positive"))
	}
	if c.Runs.Concurrency <= 0 {
		errs = append(errs, errors.New("runs.concurrency must be positive"))
	}
	if c.Runs.LeaseTTL <= 0 {
		errs = append(errs, errors.New("runs.lease_ttl must be positive"))
	}
	if c.Promotion.CoverageThreshold <= 0 || c.Promotion.CoverageThreshold > 1 {
		errs = append(errs, errors.New("promotion.coverage_threshold must be in (0, 1]"))
	}
	if c.Promotion.MaxErrors < 0 {
		errs = append(errs, errors.New("promotion.max_errors must not be negative"))
	}
	if c.Diff.SampleSize <= 0 || c.Diff.MaxSampleSize < c.Diff.SampleSize {
		errs = append(errs, errors.New("diff.sample_size must be positive and at most diff.max_sample_size"))
	}
	if c.Auth.AllowDebugToken && c.Auth.DebugToken == "" {
		errs = append(errs, errors.New("auth.debug_token is required when debug tokens are allowed"))
	}
	if c.Auth.KeysFile == "" && !c.Auth.AllowDebugToken {
		errs = append(errs, errors.New("auth.jwt_keys_file is required unless debug tokens are allowed"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
