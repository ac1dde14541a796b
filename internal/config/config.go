// FilePath: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names the backend the client talks to
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Base URLs per environment. Overridable via DEVREC_API__BASE_URL.
const (
	devBaseURL  = "http://localhost:9000/hqbc-device/v1"
	prodBaseURL = "http://10.1.117.228/hqbc-device/v1"
)

// Config holds all configuration for the client and the dev server
type Config struct {
	API       APIConfig
	Session   SessionConfig
	DevServer DevServerConfig
}

type APIConfig struct {
	Environment string        `mapstructure:"environment"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	Path string `mapstructure:"path"`
}

type DevServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BasePath        string        `mapstructure:"base_path"`
	DBPath          string        `mapstructure:"db_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load initializes configuration from environment variables and config file
func Load() (*Config, error) {
	viper.SetEnvPrefix("DEVREC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Load config file if exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvironment(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// API defaults
	viper.SetDefault("api.environment", EnvDevelopment)
	viper.SetDefault("api.base_url", "")
	viper.SetDefault("api.timeout", "30s")

	// Session defaults
	viper.SetDefault("session.path", defaultSessionPath())

	// Dev server defaults
	viper.SetDefault("devserver.host", "0.0.0.0")
	viper.SetDefault("devserver.port", 9000)
	viper.SetDefault("devserver.base_path", "/hqbc-device/v1")
	viper.SetDefault("devserver.db_path", "./data/devrec.sqlite")
	viper.SetDefault("devserver.read_timeout", "15s")
	viper.SetDefault("devserver.write_timeout", "15s")
	viper.SetDefault("devserver.shutdown_timeout", "30s")
}

// applyEnvironment resolves the base URL when it was not set explicitly
func applyEnvironment(config *Config) {
	if config.API.BaseURL != "" {
		return
	}
	switch config.API.Environment {
	case EnvProduction:
		config.API.BaseURL = prodBaseURL
	default:
		config.API.BaseURL = devBaseURL
	}
}

func validateConfig(config *Config) error {
	if config.API.Environment != EnvDevelopment && config.API.Environment != EnvProduction {
		return fmt.Errorf("unknown api environment %q", config.API.Environment)
	}
	if config.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}
	if config.Session.Path == "" {
		return fmt.Errorf("session path is required")
	}
	if config.DevServer.BasePath == "" || !strings.HasPrefix(config.DevServer.BasePath, "/") {
		return fmt.Errorf("devserver base path must start with /")
	}
	return nil
}

func defaultSessionPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devrec/session.json"
	}
	return filepath.Join(home, ".devrec", "session.json")
}
