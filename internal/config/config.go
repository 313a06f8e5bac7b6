package config

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatcherConfig tunes the outbox dispatcher. An empty IngestURL disables
// the dispatcher entirely rather than letting events fail one by one.
type DispatcherConfig struct {
	IngestURL         string `yaml:"ingest_url"`
	SourceService     string `yaml:"source_service"`
	BatchSize         int    `yaml:"batch_size"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	BackoffCapMinutes int    `yaml:"backoff_cap_minutes"`
	HTTPTimeoutMS     int    `yaml:"http_timeout_ms"`
}

func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

func (d DispatcherConfig) HTTPTimeout() time.Duration {
	return time.Duration(d.HTTPTimeoutMS) * time.Millisecond
}

func (d DispatcherConfig) BackoffCap() time.Duration {
	return time.Duration(d.BackoffCapMinutes) * time.Minute
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file, then applies env overrides.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if url := os.Getenv("EVENT_DISPATCH_URL"); url != "" {
		cfg.Dispatcher.IngestURL = url
	}
	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.BatchSize = n
		}
	}
	if v := os.Getenv("OUTBOX_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxRetries = n
		}
	}
	if v := os.Getenv("OUTBOX_DISPATCH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.PollIntervalMS = n
		}
	}
	if v := os.Getenv("OUTBOX_HTTP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.HTTPTimeoutMS = n
		}
	}
	cfg.Dispatcher.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset dispatcher tunables with sane values.
func (d *DispatcherConfig) ApplyDefaults() {
	if d.SourceService == "" {
		d.SourceService = "pledge-service"
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 10
	}
	if d.PollIntervalMS <= 0 {
		d.PollIntervalMS = 5000
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = 6
	}
	if d.BackoffCapMinutes <= 0 {
		d.BackoffCapMinutes = 30
	}
	if d.HTTPTimeoutMS <= 0 {
		d.HTTPTimeoutMS = 4000
	}
}
