package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TRAILMARK"
	defaultHTTPAddress  = "127.0.0.1:8787"
	defaultDatabasePath = "trailmark-offline.db"
	defaultLogLevel     = "info"

	defaultMaxRetries       = 3
	defaultRetryDelay       = 5 * time.Second
	defaultStatusPoll       = 4 * time.Second
	defaultRecentSyncWindow = 4 * time.Second
	defaultCacheMaxAge      = 30 * 24 * time.Hour
)

// defaultForbiddenEntityTypes lists entity types that must never enter the
// offline queue. Basecamp location updates are delivered live-only; a stale
// replayed location would move the trip's basecamp long after the fact.
var defaultForbiddenEntityTypes = []string{"basecamp_update"}

// AppConfig captures runtime configuration for the offline sync daemon.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFile              string
	RemoteBaseURL        string
	DeviceID             string
	DeviceSigningSecret  string
	MaxRetries           int
	RetryDelay           time.Duration
	StatusPollInterval   time.Duration
	RecentSyncWindow     time.Duration
	CacheMaxAge          time.Duration
	ForbiddenEntityTypes []string
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
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("device.id", "")
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.retry_delay", defaultRetryDelay)
	configViper.SetDefault("status.poll_interval", defaultStatusPoll)
	configViper.SetDefault("status.recent_sync_window", defaultRecentSyncWindow)
	configViper.SetDefault("cache.max_age", defaultCacheMaxAge)
	configViper.SetDefault("queue.forbidden_entity_types", defaultForbiddenEntityTypes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		DeviceID:             configViper.GetString("device.id"),
		DeviceSigningSecret:  configViper.GetString("device.signing_secret"),
		MaxRetries:           configViper.GetInt("sync.max_retries"),
		RetryDelay:           configViper.GetDuration("sync.retry_delay"),
		StatusPollInterval:   configViper.GetDuration("status.poll_interval"),
		RecentSyncWindow:     configViper.GetDuration("status.recent_sync_window"),
		CacheMaxAge:          configViper.GetDuration("cache.max_age"),
		ForbiddenEntityTypes: configViper.GetStringSlice("queue.forbidden_entity_types"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DeviceSigningSecret) == "" {
		return fmt.Errorf("device.signing_secret is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("sync.retry_delay must be positive")
	}
	if c.StatusPollInterval <= 0 {
		return fmt.Errorf("status.poll_interval must be positive")
	}
	if c.CacheMaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	return nil
}
