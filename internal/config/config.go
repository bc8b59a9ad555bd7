package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RETENTION"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "retention.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 30
	defaultDesiredRetention = 0.9
	defaultMaximumInterval  = 36500
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTLMinutes  int
	DesiredRetention float64
	MaximumInterval  int
	SeedPath         string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("srs.desired_retention", defaultDesiredRetention)
	configViper.SetDefault("srs.maximum_interval", defaultMaximumInterval)
	configViper.SetDefault("lexicon.seed_path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTLMinutes:  configViper.GetInt("auth.token_ttl_minutes"),
		DesiredRetention: configViper.GetFloat64("srs.desired_retention"),
		MaximumInterval:  configViper.GetInt("srs.maximum_interval"),
		SeedPath:         configViper.GetString("lexicon.seed_path"),
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
	if c.TokenTTLMinutes <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.DesiredRetention <= 0 || c.DesiredRetention >= 1 {
		return fmt.Errorf("srs.desired_retention must be in (0, 1)")
	}
	if c.MaximumInterval < 1 {
		return fmt.Errorf("srs.maximum_interval must be at least one day")
	}
	return nil
}
