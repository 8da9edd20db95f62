package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 8080
	defaultHost            = "https://coderider.jihulab.com"
	defaultUpstreamTimeout = 60 * time.Second
	defaultModel           = "maas/maas-chat-model"
	defaultLogLevel        = "info"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config represents the application configuration. It is read from an
// optional YAML file and then overridden by environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Models   ModelsConfig   `yaml:"models"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines listener and inbound auth configuration.
type ServerConfig struct {
	Port int `yaml:"port" env:"GATEWAY_PORT"`
	// APIKeys lists accepted inbound keys. Empty disables the check.
	APIKeys     []string `yaml:"api_keys" env:"GATEWAY_API_KEYS" envSeparator:","`
	CORSOrigins []string `yaml:"cors_origins" env:"GATEWAY_CORS_ORIGINS" envSeparator:","`
}

// UpstreamConfig points at the CodeRider deployment.
type UpstreamConfig struct {
	Host        string        `yaml:"host" env:"CODERIDER_HOST"`
	AccessToken string        `yaml:"access_token" env:"GITLAB_OAUTH_ACCESS_TOKEN"`
	Timeout     time.Duration `yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
}

// ModelsConfig extends the built-in model tables.
type ModelsConfig struct {
	Default    string            `yaml:"default" env:"DEFAULT_MODEL"`
	Aliases    map[string]string `yaml:"aliases"`
	Multimodal []string          `yaml:"multimodal"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Load reads YAML configuration from path, applies environment overrides and
// defaults, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	c.Server.APIKeys = compact(c.Server.APIKeys)
	c.Server.CORSOrigins = compact(c.Server.CORSOrigins)

	c.Upstream.Host = strings.TrimRight(strings.TrimSpace(c.Upstream.Host), "/")
	if c.Upstream.Host == "" {
		c.Upstream.Host = defaultHost
	}
	c.Upstream.AccessToken = strings.TrimSpace(c.Upstream.AccessToken)
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = defaultUpstreamTimeout
	}

	c.Models.Default = strings.TrimSpace(c.Models.Default)
	if c.Models.Default == "" {
		c.Models.Default = defaultModel
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = LogFormatText
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	u, err := url.Parse(c.Upstream.Host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.host is invalid: %s", c.Upstream.Host)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.host must use http/https")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative, got %s", c.Upstream.Timeout)
	}

	for alias, target := range c.Models.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("models.aliases: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("models.aliases: alias %q target must not be empty", alias)
		}
	}
	for i, needle := range c.Models.Multimodal {
		if strings.TrimSpace(needle) == "" {
			return fmt.Errorf("models.multimodal[%d] must not be empty", i)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("log.format %q must be one of %q or %q", c.Log.Format, LogFormatText, LogFormatJSON)
	}

	return nil
}

// SlogLevel converts the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid: %w", l.Level, err)
	}
	return level, nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
