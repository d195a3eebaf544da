// Package config provides configuration management for the stevedore
// daemon.
//
// Configuration is loaded in the following order (later sources override
// earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration file (./config.yaml, /etc/stevedore/config.yaml)
//  3. Environment variables (DEPLOY_ prefix, plus the handful of
//     well-known names below)
//
// # Environment Variables
//
// The controller recognizes the historical variable names directly:
//   - DEPLOY_DATA  — volume base directory (default /srv/vdata)
//   - DEPLOY_STATE — database directory (default /srv/vstate)
//   - DOCKER_HOST  — container backend connection URL
//   - HOST_IP      — override host LAN IP detection
//   - SLUGBUILDER  — override for the app-plugin builder image
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for the daemon.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Data is the volume base directory (DEPLOY_DATA)
	Data string `mapstructure:"data"`

	// State is the database directory (DEPLOY_STATE)
	State string `mapstructure:"state"`

	// Docker contains container backend settings
	Docker DockerConfig `mapstructure:"docker"`

	// HostIP overrides host LAN IP detection when set
	HostIP string `mapstructure:"host_ip"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Builder is the image used by the app plugin to compile slugs
	Builder string `mapstructure:"builder"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 5555)
	Port int `mapstructure:"port"`

	// RateLimit is the maximum requests per second per client; 0 disables
	RateLimit int `mapstructure:"rate_limit"`

	// Debug enables debug logging and request traces
	Debug bool `mapstructure:"debug"`
}

// DockerConfig contains container backend settings.
type DockerConfig struct {
	// Host is the docker daemon URL; empty means the environment default
	Host string `mapstructure:"host"`

	// UnitDir is where per-container init units are written; empty
	// disables unit generation
	UnitDir string `mapstructure:"unit_dir"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Load reads configuration from a file and environment variables. If
// cfgFile is empty, standard locations are searched and a missing file is
// not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stevedore")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Historical names that do not follow the DEPLOY_ prefix.
	_ = v.BindEnv("docker.host", "DOCKER_HOST")
	_ = v.BindEnv("host_ip", "HOST_IP")
	_ = v.BindEnv("builder", "SLUGBUILDER")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5555)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.debug", false)

	v.SetDefault("data", "/srv/vdata")
	v.SetDefault("state", "/srv/vstate")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.unit_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("builder", "flynn/slugbuilder")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Data == "" {
		return fmt.Errorf("data directory is required")
	}
	if cfg.State == "" {
		return fmt.Errorf("state directory is required")
	}
	return nil
}

// Bind returns the host:port the HTTP server listens on.
func (c *ServerConfig) Bind() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
