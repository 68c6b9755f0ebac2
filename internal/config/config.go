package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SKETCHPAD"
	defaultHTTPAddress       = "127.0.0.1:8090"
	defaultDatabasePath      = "sketchpad.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSnapshotFrequency = 1000
	defaultCompressionLevel  = 6
	defaultSnapshotRetain    = 3
	defaultSamplerInterval   = 50 * time.Millisecond
	defaultRecorderQueueSize = 256
	defaultSlowThreshold     = 2 * time.Second
	defaultAuthIssuer        = "sketchpad"
	defaultAuthCookieName    = "sketchpad_session"
	maxCompressionLevel      = 9
	minCompressionLevel      = 1
	logFormatJSON            = "json"
	logFormatConsole         = "console"
)

// AppConfig captures runtime configuration for the store and its CLI.
type AppConfig struct {
	HTTPAddress              string
	DatabasePath             string
	LogLevel                 string
	LogFormat                string
	SnapshotFrequency        uint64
	SnapshotCompression      bool
	SnapshotCompressionLevel int
	SnapshotRetain           int
	SamplerInterval          time.Duration
	RecorderQueueSize        int
	SlowThreshold            time.Duration
	AuthSigningSecret        string
	AuthIssuer               string
	AuthCookieName           string
}

// AuthEnabled reports whether HTTP requests must carry a session token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("snapshot.frequency", defaultSnapshotFrequency)
	configViper.SetDefault("snapshot.compression", true)
	configViper.SetDefault("snapshot.compression_level", defaultCompressionLevel)
	configViper.SetDefault("snapshot.retain", defaultSnapshotRetain)
	configViper.SetDefault("sampler.interval", defaultSamplerInterval)
	configViper.SetDefault("recorder.queue_size", defaultRecorderQueueSize)
	configViper.SetDefault("telemetry.slow_threshold", defaultSlowThreshold)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		LogFormat:                strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SnapshotFrequency:        configViper.GetUint64("snapshot.frequency"),
		SnapshotCompression:      configViper.GetBool("snapshot.compression"),
		SnapshotCompressionLevel: configViper.GetInt("snapshot.compression_level"),
		SnapshotRetain:           configViper.GetInt("snapshot.retain"),
		SamplerInterval:          configViper.GetDuration("sampler.interval"),
		RecorderQueueSize:        configViper.GetInt("recorder.queue_size"),
		SlowThreshold:            configViper.GetDuration("telemetry.slow_threshold"),
		AuthSigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:               configViper.GetString("auth.issuer"),
		AuthCookieName:           configViper.GetString("auth.cookie_name"),
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
	if c.LogFormat != logFormatJSON && c.LogFormat != logFormatConsole {
		return fmt.Errorf("log.format must be %q or %q", logFormatJSON, logFormatConsole)
	}
	if c.SnapshotFrequency == 0 {
		return fmt.Errorf("snapshot.frequency must be positive")
	}
	if c.SnapshotCompressionLevel < minCompressionLevel || c.SnapshotCompressionLevel > maxCompressionLevel {
		return fmt.Errorf("snapshot.compression_level must be between %d and %d", minCompressionLevel, maxCompressionLevel)
	}
	if c.SnapshotRetain < 1 {
		return fmt.Errorf("snapshot.retain must be at least 1")
	}
	if c.SamplerInterval < 0 {
		return fmt.Errorf("sampler.interval must not be negative")
	}
	if c.RecorderQueueSize < 1 {
		return fmt.Errorf("recorder.queue_size must be at least 1")
	}
	if c.AuthEnabled() {
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
		}
		if strings.TrimSpace(c.AuthCookieName) == "" {
			return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
		}
	}
	return nil
}
