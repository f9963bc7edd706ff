// Package config loads docwizard settings from defaults, an optional YAML
// file, DOCWIZARD_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/goliatone/go-docwizard/pkg/services/webhook"
)

// EnvPrefix namespaces environment overrides.
const EnvPrefix = "DOCWIZARD"

// Keys understood by Load. Flags bound through Load must use these names.
const (
	KeyWebhookURL      = "webhook_url"
	KeyConvertURL      = "webhook_pdf_convert_url"
	KeyEmailURL        = "webhook_email_url"
	KeyTrackingURL     = "tracking_url"
	KeyTrackingAPIKey  = "tracking_api_key"
	KeyTrackingToken   = "tracking_token"
	KeyRequestTimeout  = "request_timeout"
	KeyTrackingTimeout = "tracking_timeout"
	KeyMaxPayload      = "max_payload_bytes"
	KeyListenAddr      = "listen_addr"
	KeyCatalogPath     = "catalog_path"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeySessionTTL      = "session_ttl"
	KeyUserEmail       = "user_email"
	KeyUserName        = "user_name"
)

// Config is the resolved application configuration.
type Config struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	ConvertURL      string        `mapstructure:"webhook_pdf_convert_url"`
	EmailURL        string        `mapstructure:"webhook_email_url"`
	TrackingURL     string        `mapstructure:"tracking_url"`
	TrackingAPIKey  string        `mapstructure:"tracking_api_key"`
	TrackingToken   string        `mapstructure:"tracking_token"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	TrackingTimeout time.Duration `mapstructure:"tracking_timeout"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	CatalogPath     string        `mapstructure:"catalog_path"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	UserEmail       string        `mapstructure:"user_email"`
	UserName        string        `mapstructure:"user_name"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		RequestTimeout:  webhook.DefaultRequestTimeout,
		TrackingTimeout: webhook.DefaultTrackingTimeout,
		MaxPayloadBytes: webhook.DefaultMaxPayloadBytes,
		ListenAddr:      ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		SessionTTL:      2 * time.Hour,
	}
}

// Options tweaks how Load resolves values.
type Options struct {
	// File is an explicit config file. When empty, docwizard.yaml is looked
	// up in the working directory and silently skipped if absent.
	File string
	// Flags are bound by name onto the matching keys. Dashes in flag names
	// map to underscores.
	Flags *pflag.FlagSet
}

// Load resolves the configuration.
func Load(opts Options) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("docwizard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read docwizard.yaml: %w", err)
			}
		}
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(flag *pflag.Flag) {
			key := strings.ReplaceAll(flag.Name, "-", "_")
			if !isKnown(key) {
				return
			}
			if err := v.BindPFlag(key, flag); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault(KeyWebhookURL, d.WebhookURL)
	v.SetDefault(KeyConvertURL, d.ConvertURL)
	v.SetDefault(KeyEmailURL, d.EmailURL)
	v.SetDefault(KeyTrackingURL, d.TrackingURL)
	v.SetDefault(KeyTrackingAPIKey, d.TrackingAPIKey)
	v.SetDefault(KeyTrackingToken, d.TrackingToken)
	v.SetDefault(KeyRequestTimeout, d.RequestTimeout)
	v.SetDefault(KeyTrackingTimeout, d.TrackingTimeout)
	v.SetDefault(KeyMaxPayload, d.MaxPayloadBytes)
	v.SetDefault(KeyListenAddr, d.ListenAddr)
	v.SetDefault(KeyCatalogPath, d.CatalogPath)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeySessionTTL, d.SessionTTL)
	v.SetDefault(KeyUserEmail, d.UserEmail)
	v.SetDefault(KeyUserName, d.UserName)
}

var knownKeys = map[string]struct{}{
	KeyWebhookURL: {}, KeyConvertURL: {}, KeyEmailURL: {}, KeyTrackingURL: {},
	KeyTrackingAPIKey: {}, KeyTrackingToken: {}, KeyRequestTimeout: {},
	KeyTrackingTimeout: {}, KeyMaxPayload: {}, KeyListenAddr: {},
	KeyCatalogPath: {}, KeyLogLevel: {}, KeyLogFormat: {}, KeySessionTTL: {},
	KeyUserEmail: {}, KeyUserName: {},
}

func isKnown(key string) bool {
	_, ok := knownKeys[key]
	return ok
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyRequestTimeout)
	}
	if c.TrackingTimeout <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyTrackingTimeout)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: %s must be positive", KeyMaxPayload)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unsupported %s %q", KeyLogFormat, c.LogFormat)
	}
	return nil
}

// RequireServices reports an error when a remote endpoint needed to
// generate documents is missing.
func (c Config) RequireServices() error {
	var missing []string
	if c.WebhookURL == "" {
		missing = append(missing, KeyWebhookURL)
	}
	if c.ConvertURL == "" {
		missing = append(missing, KeyConvertURL)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s (set %s_%s)", strings.Join(missing, ", "), EnvPrefix, strings.ToUpper(missing[0]))
	}
	return nil
}

// Webhook maps the configuration onto the HTTP client settings.
func (c Config) Webhook() webhook.Config {
	return webhook.Config{
		GenerateURL:     c.WebhookURL,
		ConvertURL:      c.ConvertURL,
		DistributeURL:   c.EmailURL,
		TrackingURL:     c.TrackingURL,
		TrackingAPIKey:  c.TrackingAPIKey,
		TrackingToken:   c.TrackingToken,
		RequestTimeout:  c.RequestTimeout,
		TrackingTimeout: c.TrackingTimeout,
		MaxPayloadBytes: c.MaxPayloadBytes,
	}
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("config: unsupported %s %q", KeyLogLevel, name)
	}
	return level, nil
}

// Logger builds the process logger for the configured level and format.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
