package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MAILSYNC_DATABASE_PATH.
const EnvPrefix = "MAILSYNC"

type HTTPConfig struct {
	Addr string
}

type DatabaseConfig struct {
	Path string
}

type ProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RPS          float64
	Burst        int
	Timeout      time.Duration
}

type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

type WebhookConfig struct {
	SigningSecret string
}

type SyncConfig struct {
	DaysWithin   int
	PollInterval time.Duration
	MaxReadyWait time.Duration
	Workers      int
	QueueSize    int
	// Interval between scheduled sweeps. Zero disables the scheduler.
	Interval time.Duration
}

type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	JWKSURL    string
	HMACSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig
	PublicURL string
	Database  DatabaseConfig
	Provider  ProviderConfig
	Retry     RetryConfig
	Webhook   WebhookConfig
	Sync      SyncConfig
	NATS      NATSConfig
	Auth      AuthConfig
	Log       LogConfig
}

// SetDefaults registers every key with its default so env overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("database.path", "data/mailsync.db")

	v.SetDefault("provider.base_url", "https://api.aurinko.io/v1")
	v.SetDefault("provider.client_id", "")
	v.SetDefault("provider.client_secret", "")
	v.SetDefault("provider.rps", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("webhook.signing_secret", "")

	v.SetDefault("sync.days_within", 2)
	v.SetDefault("sync.poll_interval", time.Second)
	v.SetDefault("sync.max_ready_wait", 2*time.Minute)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 256)
	v.SetDefault("sync.interval", 0)

	v.SetDefault("nats.url", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.hmac_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults, env binding and the optional config file.
// An empty configFile searches for config.yaml in the working directory.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		HTTP:      HTTPConfig{Addr: v.GetString("http.addr")},
		PublicURL: v.GetString("public_url"),
		Database:  DatabaseConfig{Path: v.GetString("database.path")},
		Provider: ProviderConfig{
			BaseURL:      v.GetString("provider.base_url"),
			ClientID:     v.GetString("provider.client_id"),
			ClientSecret: v.GetString("provider.client_secret"),
			RPS:          v.GetFloat64("provider.rps"),
			Burst:        v.GetInt("provider.burst"),
			Timeout:      v.GetDuration("provider.timeout"),
		},
		Retry: RetryConfig{
			MaxAttempts:   v.GetInt("retry.max_attempts"),
			BaseDelay:     v.GetDuration("retry.base_delay"),
			MaxDelay:      v.GetDuration("retry.max_delay"),
			BackoffFactor: v.GetFloat64("retry.backoff_factor"),
		},
		Webhook: WebhookConfig{SigningSecret: v.GetString("webhook.signing_secret")},
		Sync: SyncConfig{
			DaysWithin:   v.GetInt("sync.days_within"),
			PollInterval: v.GetDuration("sync.poll_interval"),
			MaxReadyWait: v.GetDuration("sync.max_ready_wait"),
			Workers:      v.GetInt("sync.workers"),
			QueueSize:    v.GetInt("sync.queue_size"),
			Interval:     v.GetDuration("sync.interval"),
		},
		NATS: NATSConfig{URL: v.GetString("nats.url")},
		Auth: AuthConfig{
			JWKSURL:    v.GetString("auth.jwks_url"),
			HMACSecret: v.GetString("auth.hmac_secret"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be at least 1"))
	}
	if c.Sync.PollInterval <= 0 || c.Sync.MaxReadyWait < c.Sync.PollInterval {
		errs = append(errs, errors.New("sync.max_ready_wait must be at least sync.poll_interval"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, errors.New("sync.workers must be at least 1"))
	}
	if c.Auth.JWKSURL != "" && c.Auth.HMACSecret != "" {
		errs = append(errs, errors.New("auth.jwks_url and auth.hmac_secret are mutually exclusive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the log settings.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
