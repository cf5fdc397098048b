// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"karatcalc/internal/cache"
	"karatcalc/internal/logger"
	"karatcalc/internal/quotes"
	"karatcalc/internal/ratelimit"
)

// Config is the full application configuration.
type Config struct {
	App       AppConfig           `yaml:"app"`
	Server    ServerConfig        `yaml:"server"`
	Logging   logger.Config       `yaml:"logging"`
	Cache     cache.Config        `yaml:"cache"`
	RateLimit ratelimit.Config    `yaml:"rate_limit"`
	Crypto    quotes.CryptoConfig `yaml:"crypto"`
	Metals    quotes.MetalsConfig `yaml:"metals"`
}

// AppConfig identifies the deployment.
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// ServerConfig sizes the HTTP API server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UnmarshalYAML decodes the server config with timeouts given as Go
// duration strings ("10s"). Absent fields keep their current values.
func (s *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}
	r := raw{
		Host:         s.Host,
		Port:         s.Port,
		ReadTimeout:  s.ReadTimeout.String(),
		WriteTimeout: s.WriteTimeout.String(),
	}
	if err := node.Decode(&r); err != nil {
		return err
	}
	readTimeout, err := time.ParseDuration(r.ReadTimeout)
	if err != nil {
		return fmt.Errorf("invalid read_timeout %q: %w", r.ReadTimeout, err)
	}
	writeTimeout, err := time.ParseDuration(r.WriteTimeout)
	if err != nil {
		return fmt.Errorf("invalid write_timeout %q: %w", r.WriteTimeout, err)
	}
	s.Host = r.Host
	s.Port = r.Port
	s.ReadTimeout = readTimeout
	s.WriteTimeout = writeTimeout
	return nil
}

// Default returns a fully populated default configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name: "karatcalc",
			Env:  "development",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Logging:   logger.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Crypto:    quotes.DefaultCryptoConfig(),
		Metals:    quotes.DefaultMetalsConfig(),
	}
}

// Load reads the YAML file, layers environment overrides on top, and
// validates the result. A missing file means defaults plus env.
func Load(filename string) (*Config, error) {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KARATCALC_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("KARATCALC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KARATCALC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KARATCALC_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("KARATCALC_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("KARATCALC_REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("KARATCALC_CRYPTO_BASE_URL"); v != "" {
		c.Crypto.BaseURL = v
	}
	if v := os.Getenv("KARATCALC_METALS_BASE_URL"); v != "" {
		c.Metals.BaseURL = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Crypto.BaseURL == "" {
		return fmt.Errorf("crypto base_url is required")
	}
	if c.Metals.BaseURL == "" {
		return fmt.Errorf("metals base_url is required")
	}
	if c.RateLimit.BaseLimit <= 0 {
		return fmt.Errorf("rate_limit base_limit must be positive")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required for the redis backend")
	}
	return nil
}
