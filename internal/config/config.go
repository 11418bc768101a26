package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "OBSYNC"
	defaultHTTPAddress  = "127.0.0.1:3000"
	defaultDatabasePath = "obsync.db"
	defaultHostName     = "localhost:3000"
	defaultMaxStorageGB = 10
	defaultLogLevel     = "info"

	bytesPerGigabyte = 1024 * 1024 * 1024
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	SigningSecret   string
	DatabasePath    string
	HostName        string
	MaxStorageBytes int64
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("host.name", defaultHostName)
	configViper.SetDefault("storage.max_gb", defaultMaxStorageGB)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		DatabasePath:    configViper.GetString("database.path"),
		HostName:        configViper.GetString("host.name"),
		MaxStorageBytes: configViper.GetInt64("storage.max_gb") * bytesPerGigabyte,
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HostName) == "" {
		return fmt.Errorf("host.name is required")
	}
	if c.MaxStorageBytes <= 0 {
		return fmt.Errorf("storage.max_gb must be positive")
	}
	return nil
}
