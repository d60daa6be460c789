package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

const (
	CounterBackendPostgres = "postgres"
	CounterBackendRedis    = "redis"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                 string   `yaml:"port"`
	LogLevel             string   `yaml:"logLevel"`
	DatabaseURL          string   `yaml:"databaseURL"`
	RedisAddr            string   `yaml:"redisAddr"`
	RedisPassword        string   `yaml:"redisPassword"`
	AMQPURL              string   `yaml:"amqpURL"`
	AMQPExchange         string   `yaml:"amqpExchange"`
	AMQPRoutingKey       string   `yaml:"amqpRoutingKey"`
	TokenSecret          string   `yaml:"tokenSecret"`
	TokenIssuers         []string `yaml:"tokenIssuers"`
	TrustedProxyCIDRs    []string `yaml:"trustedProxyCidrs"`
	RateLimitPerMinute   int      `yaml:"rateLimitPerMinute"`
	LoanPeriodDays       int      `yaml:"loanPeriodDays"`
	FinePerDay           int      `yaml:"finePerDay"`
	OverdueThresholdDays int      `yaml:"overdueThresholdDays"`
	LibraryIDCode        string   `yaml:"libraryIdCode"`
	CardBarcodePrefix    string   `yaml:"cardBarcodePrefix"`
	MediaBarcodePrefix   string   `yaml:"mediaBarcodePrefix"`
	OverdueSweepEvery    string   `yaml:"overdueSweepEvery"`
	DueNotificationEvery string   `yaml:"dueNotificationEvery"`
	JobLockTTL           string   `yaml:"jobLockTTL"`
	CounterBackend       string   `yaml:"counterBackend"`
	OutboxWorkers        int      `yaml:"outboxWorkers"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("LIBRARY_API_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("LIBRARY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("LIBRARY_COUNTER_BACKEND"); v != "" {
		cfg.CounterBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOAN_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.LoanPeriodDays = n
		}
	}
	if v := os.Getenv("FINE_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.FinePerDay = n
		}
	}
	if v := os.Getenv("OVERDUE_THRESHOLD_DAYS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.OverdueThresholdDays = n
		}
	}
	if v := os.Getenv("OVERDUE_SWEEP_EVERY"); v != "" {
		cfg.OverdueSweepEvery = strings.TrimSpace(v)
	}
	if v := os.Getenv("DUE_NOTIFICATION_EVERY"); v != "" {
		cfg.DueNotificationEvery = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LoanPeriodDays == 0 {
		cfg.LoanPeriodDays = 21
	}
	if cfg.FinePerDay == 0 {
		cfg.FinePerDay = 1
	}
	if cfg.OverdueThresholdDays == 0 {
		cfg.OverdueThresholdDays = 30
	}
	if cfg.OverdueSweepEvery == "" {
		cfg.OverdueSweepEvery = "24h"
	}
	if cfg.DueNotificationEvery == "" {
		cfg.DueNotificationEvery = "24h"
	}
	if cfg.JobLockTTL == "" {
		cfg.JobLockTTL = "10m"
	}
	if cfg.CounterBackend == "" {
		cfg.CounterBackend = CounterBackendPostgres
	}
	if cfg.OutboxWorkers == 0 {
		cfg.OutboxWorkers = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if len(cfg.TokenSecret) < 32 {
		return errors.New("config: tokenSecret must be at least 32 bytes (set in config.yaml or LIBRARY_API_TOKEN_SECRET)")
	}
	if cfg.LoanPeriodDays < 1 {
		return errors.New("config: loanPeriodDays must be positive")
	}
	if cfg.FinePerDay < 1 {
		return errors.New("config: finePerDay must be positive")
	}
	if cfg.OverdueThresholdDays < 0 {
		return errors.New("config: overdueThresholdDays must not be negative")
	}
	if !isDigits(cfg.LibraryIDCode) {
		return errors.New("config: libraryIdCode is required and must be numeric")
	}
	if !isDigits(cfg.CardBarcodePrefix) {
		return errors.New("config: cardBarcodePrefix is required and must be numeric")
	}
	if !isDigits(cfg.MediaBarcodePrefix) {
		return errors.New("config: mediaBarcodePrefix is required and must be numeric")
	}
	for name, raw := range map[string]string{
		"overdueSweepEvery":    cfg.OverdueSweepEvery,
		"dueNotificationEvery": cfg.DueNotificationEvery,
		"jobLockTTL":           cfg.JobLockTTL,
	} {
		if _, err := parsePositiveDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	switch cfg.CounterBackend {
	case CounterBackendPostgres:
	case CounterBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: counterBackend redis requires redisAddr")
		}
	default:
		return fmt.Errorf("config: unknown counterBackend %q", cfg.CounterBackend)
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.RateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: rateLimitPerMinute requires redisAddr for distributed rate limiting")
	}
	return nil
}

// SweepInterval returns the overdue sweep period. Only valid after Load.
func (c FileConfig) SweepInterval() time.Duration {
	d, _ := parsePositiveDuration(c.OverdueSweepEvery)
	return d
}

// NotificationInterval returns the due-notification period. Only valid after Load.
func (c FileConfig) NotificationInterval() time.Duration {
	d, _ := parsePositiveDuration(c.DueNotificationEvery)
	return d
}

// LockTTL returns the job lease lifetime. Only valid after Load.
func (c FileConfig) LockTTL() time.Duration {
	d, _ := parsePositiveDuration(c.JobLockTTL)
	return d
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", raw)
	}
	return d, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
