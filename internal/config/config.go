// Package config provides configuration management for castout using
// Viper: file, environment variables (CASTOUT_ prefix) and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go2tv.app/castout/internal/domain"
)

const envPrefix = "CASTOUT"

// Default configuration values.
const (
	defaultHTTPPort          = 8080
	defaultConversionQuality = 2
)

// Config holds all configuration for a casting session.
type Config struct {
	// DeviceURL locates the renderer's description document. Required.
	DeviceURL string `mapstructure:"device_url"`
	// BaseURL overrides the base used to resolve relative service
	// endpoints; defaults to DeviceURL.
	BaseURL string `mapstructure:"base_url"`
	// HTTPPort is the local port the output chain serves on.
	HTTPPort int `mapstructure:"http_port"`
	// Video enables video tracks on the session.
	Video bool `mapstructure:"video"`
	// ConversionQuality trades encoder CPU cost for output quality,
	// 0 (cheapest) to 3.
	ConversionQuality int `mapstructure:"conversion_quality"`
	// ShowPerfWarning gates the one-time video conversion warning.
	ShowPerfWarning bool `mapstructure:"show_perf_warning"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Store binds a Config to its backing file so session-scoped decisions
// (the conversion warning skip) can be written back.
type Store struct {
	v    *viper.Viper
	path string
}

// NewStore prepares a store reading from path. An empty path uses
// defaults and environment variables only.
func NewStore(path string) *Store {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Store{v: v, path: path}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_url", "")
	v.SetDefault("base_url", "")
	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("video", true)
	v.SetDefault("conversion_quality", defaultConversionQuality)
	v.SetDefault("show_perf_warning", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads and decodes the configuration. A configured file that cannot
// be read is an error; env-only operation requires no file.
func (s *Store) Load() (*Config, error) {
	if s.path != "" {
		if err := s.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", s.path, err)
		}
	}
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// PersistSkipPerfWarning records the "don't warn me again" choice. With no
// backing file the choice lives only for the process lifetime.
func (s *Store) PersistSkipPerfWarning() error {
	s.v.Set("show_perf_warning", false)
	if s.path == "" {
		return nil
	}
	return s.v.WriteConfigAs(s.path)
}

// Validate checks session-start invariants.
func (c *Config) Validate() error {
	if c == nil || strings.TrimSpace(c.DeviceURL) == "" {
		return domain.NewError(domain.CodeConfigMissingDeviceURL, "missing renderer device URL")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return domain.NewError(domain.CodeInternal, fmt.Sprintf("invalid http_port %d", c.HTTPPort))
	}
	return nil
}
