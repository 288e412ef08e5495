package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/littleironwaltz/authsession/pkg/apiclient"
	"github.com/littleironwaltz/authsession/pkg/auth"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageValkey = "valkey"
)

// Config holds the session, storage, agent and logging settings
type Config struct {
	BaseURL             string        `yaml:"baseUrl" json:"baseUrl"`
	Mode                string        `yaml:"mode" json:"mode"`
	Email               string        `yaml:"email" json:"email"`
	Password            string        `yaml:"password" json:"password"`
	Provider            string        `yaml:"provider" json:"provider"`
	RefreshBeforeExpiry time.Duration `yaml:"refreshBeforeExpiry" json:"refreshBeforeExpiry"`
	AutoRefresh         bool          `yaml:"autoRefresh" json:"autoRefresh"`
	Credentials         string        `yaml:"credentials" json:"credentials"`
	Storage             StorageConfig `yaml:"storage" json:"storage"`
	Agent               AgentConfig   `yaml:"agent" json:"agent"`
	Log                 LogConfig     `yaml:"log" json:"log"`
}

// StorageConfig selects where the credential snapshot lives
type StorageConfig struct {
	Backend    string `yaml:"backend" json:"backend"`
	Path       string `yaml:"path" json:"path"`
	ValkeyAddr string `yaml:"valkeyAddr" json:"valkeyAddr"`
	ValkeyKey  string `yaml:"valkeyKey" json:"valkeyKey"`
}

// AgentConfig controls the local session agent
type AgentConfig struct {
	Address   string  `yaml:"address" json:"address"`
	RateLimit float64 `yaml:"rateLimit" json:"rateLimit"` // requests per second per client IP
}

// LogConfig controls the logger
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used before file and environment overrides
func Default() Config {
	return Config{
		BaseURL:             "http://localhost:8055",
		Mode:                string(auth.ModeCookie),
		RefreshBeforeExpiry: auth.DefaultRefreshBeforeExpiry,
		AutoRefresh:         true,
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Agent: AgentConfig{
			Address:   "127.0.0.1:3000",
			RateLimit: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig builds the configuration from defaults, the file named by
// AUTH_CONFIG_FILE (YAML or JSON) and environment variables, in that order.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(os.Getenv("AUTH_CONFIG_FILE"))
}

// LoadConfigFrom is LoadConfig with an explicit file; an empty path skips the file.
func LoadConfigFrom(configFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadConfigFromFile(&cfg, configFile); err != nil {
			return cfg, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// loadConfigFromFile overlays the file's values onto cfg
func loadConfigFromFile(cfg *Config, path string) error {
	expandedPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.BaseURL, "AUTH_BASE_URL")
	setString(&cfg.Mode, "AUTH_MODE")
	setString(&cfg.Email, "AUTH_EMAIL")
	setString(&cfg.Password, "AUTH_PASSWORD")
	setString(&cfg.Provider, "AUTH_PROVIDER")
	setString(&cfg.Credentials, "AUTH_CREDENTIALS")
	setString(&cfg.Storage.Backend, "AUTH_STORAGE")
	setString(&cfg.Storage.Path, "AUTH_STORAGE_PATH")
	setString(&cfg.Storage.ValkeyAddr, "AUTH_VALKEY_ADDR")
	setString(&cfg.Storage.ValkeyKey, "AUTH_VALKEY_KEY")
	setString(&cfg.Agent.Address, "AUTH_AGENT_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if v := os.Getenv("AUTH_REFRESH_BEFORE_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUTH_REFRESH_BEFORE_EXPIRY: %w", err)
		}
		cfg.RefreshBeforeExpiry = d
	}
	if v := os.Getenv("AUTH_AUTO_REFRESH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTH_AUTO_REFRESH: %w", err)
		}
		cfg.AutoRefresh = b
	}
	if v := os.Getenv("AUTH_AGENT_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AUTH_AGENT_RATE_LIMIT: %w", err)
		}
		cfg.Agent.RateLimit = f
	}
	return nil
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg Config) error {
	if cfg.BaseURL == "" {
		return errors.New("missing API base URL in configuration")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}

	if _, err := auth.ParseMode(cfg.Mode); err != nil {
		return err
	}
	if _, err := apiclient.ParseCredentials(cfg.Credentials); err != nil {
		return err
	}
	if cfg.RefreshBeforeExpiry < 0 {
		return errors.New("refreshBeforeExpiry must not be negative")
	}

	switch strings.ToLower(cfg.Storage.Backend) {
	case "", StorageMemory, StorageFile:
	case StorageValkey:
		if cfg.Storage.ValkeyAddr == "" {
			return errors.New("valkey storage requires a valkeyAddr")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	return nil
}

// SessionMode returns the parsed mode; call ValidateConfig first
func (c Config) SessionMode() auth.Mode {
	m, err := auth.ParseMode(c.Mode)
	if err != nil {
		return auth.ModeCookie
	}
	return m
}

// setString overwrites *dst with the environment variable when it is set
func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
