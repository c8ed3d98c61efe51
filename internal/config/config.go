// Package config loads the coordinator's configuration: a YAML file layered
// under environment-variable overrides, with defaults for everything so an
// empty config still boots a working single-node coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Blobs      BlobConfig      `yaml:"blobs"`
	Classifier InferenceConfig `yaml:"classifier"`
	Generator  InferenceConfig `yaml:"generator"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Reaper     ReaperConfig    `yaml:"reaper"`
	Gateway    GatewayConfig   `yaml:"gateway"`
	Redis      RedisConfig     `yaml:"redis"`
	Auth       AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	// URL is a Postgres DSN. Empty runs the in-memory repository, which is
	// only suitable for development.
	URL string `yaml:"url"`
}

type BlobConfig struct {
	// Dir is the local filesystem root for clip and asset blobs.
	Dir        string `yaml:"dir"`
	ClipPrefix string `yaml:"clip_prefix"`
	PublicBase string `yaml:"public_base"`
}

type InferenceConfig struct {
	URL      string        `yaml:"url"`
	Deadline time.Duration `yaml:"deadline"`
}

type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	JobDeadline time.Duration `yaml:"job_deadline"`
}

type RateLimitConfig struct {
	RatePerMinute int `yaml:"rate_per_minute"`
	Burst         int `yaml:"burst"`
}

type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type GatewayConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	SaturationGrace time.Duration `yaml:"saturation_grace"`
}

type RedisConfig struct {
	// Addr empty keeps rate limiting in-process.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	// HMACSecret signs and verifies bearer tokens.
	HMACSecret string `yaml:"hmac_secret"`
}

// Load reads the YAML file (missing file is fine), applies environment
// overrides, then defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// applyEnv lets the environment override the file, CHIRP_-prefixed.
func (c *Config) applyEnv() {
	envStr("CHIRP_ADDR", &c.Server.Addr)
	envInt64("CHIRP_MAX_UPLOAD_BYTES", &c.Server.MaxUploadBytes)
	envStr("DATABASE_URL", &c.Database.URL)
	envStr("CHIRP_BLOB_DIR", &c.Blobs.Dir)
	envStr("CHIRP_BLOB_PUBLIC_BASE", &c.Blobs.PublicBase)
	envStr("CHIRP_CLASSIFIER_URL", &c.Classifier.URL)
	envDur("CHIRP_CLASSIFIER_DEADLINE", &c.Classifier.Deadline)
	envStr("CHIRP_GENERATOR_URL", &c.Generator.URL)
	envDur("CHIRP_GENERATOR_DEADLINE", &c.Generator.Deadline)
	envInt("CHIRP_WORKERS", &c.Dispatch.Workers)
	envInt("CHIRP_QUEUE_SIZE", &c.Dispatch.QueueSize)
	envDur("CHIRP_JOB_DEADLINE", &c.Dispatch.JobDeadline)
	envInt("CHIRP_RATE_PER_MINUTE", &c.RateLimit.RatePerMinute)
	envInt("CHIRP_RATE_BURST", &c.RateLimit.Burst)
	envDur("CHIRP_REAP_INTERVAL", &c.Reaper.Interval)
	envDur("CHIRP_REAP_MAX_AGE", &c.Reaper.MaxAge)
	envDur("CHIRP_PING_INTERVAL", &c.Gateway.PingInterval)
	envDur("CHIRP_SATURATION_GRACE", &c.Gateway.SaturationGrace)
	envStr("REDIS_ADDR", &c.Redis.Addr)
	envStr("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envStr("CHIRP_HMAC_SECRET", &c.Auth.HMACSecret)
}

// ApplyDefaults fills every unset field with a workable default.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			c.Server.Addr = ":" + port
		} else {
			c.Server.Addr = ":8080"
		}
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 10 << 20
	}
	if c.Blobs.Dir == "" {
		c.Blobs.Dir = "./data/blobs"
	}
	if c.Blobs.ClipPrefix == "" {
		c.Blobs.ClipPrefix = "clips"
	}
	if c.Classifier.URL == "" {
		c.Classifier.URL = "http://localhost:8081"
	}
	if c.Classifier.Deadline <= 0 {
		c.Classifier.Deadline = 5 * time.Second
	}
	if c.Generator.URL == "" {
		c.Generator.URL = "http://localhost:8082"
	}
	if c.Generator.Deadline <= 0 {
		c.Generator.Deadline = 15 * time.Second
	}
	if c.RateLimit.RatePerMinute <= 0 {
		c.RateLimit.RatePerMinute = 30
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = 30 * time.Second
	}
	if c.Reaper.MaxAge <= 0 {
		c.Reaper.MaxAge = 2 * time.Minute
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 20 * time.Second
	}
	if c.Gateway.SaturationGrace <= 0 {
		c.Gateway.SaturationGrace = 5 * time.Second
	}
	if c.Auth.HMACSecret == "" {
		// Development fallback; override in any real deployment.
		c.Auth.HMACSecret = "chirp-dev-hmac-secret-change-in-production"
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
