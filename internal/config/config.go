// Package config loads quicecho settings from YAML and QUICECHO_*
// environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/okdaichi/quictransport/internal/certutil"
	"github.com/okdaichi/quictransport/quic"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

// Config is the root application configuration.
type Config struct {
	// ALPN is the application protocol both sides negotiate.
	ALPN string `mapstructure:"alpn"`

	// RegistrationName is the application name given to the engine.
	RegistrationName string `mapstructure:"registration_name"`

	// IdleTimeout closes connections without traffic.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxReceiveBufferSize bounds the unread bytes of a stream. Reads
	// resume delivery at half of it.
	MaxReceiveBufferSize int `mapstructure:"max_receive_buffer_size"`

	Streams StreamsConfig `mapstructure:"streams"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Log     LogConfig     `mapstructure:"log"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Dial    DialConfig    `mapstructure:"dial"`
}

// StreamsConfig holds the stream counts granted to peers.
type StreamsConfig struct {
	Bidirectional  uint16 `mapstructure:"bidirectional"`
	Unidirectional uint16 `mapstructure:"unidirectional"`
}

// TLSConfig selects the server certificate. Without files a self-signed
// certificate for Hosts is generated.
type TLSConfig struct {
	CertFile string   `mapstructure:"cert_file"`
	KeyFile  string   `mapstructure:"key_file"`
	Hosts    []string `mapstructure:"hosts"`

	// Insecure disables server certificate validation on the client.
	Insecure bool `mapstructure:"insecure"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
}

// AdminConfig configures the HTTP endpoint serving metrics and health
// checks. An empty Addr disables it.
type AdminConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// DialConfig controls client connect retries.
type DialConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ALPN:                 "quicecho",
		RegistrationName:     quic.DefaultRegistrationName,
		IdleTimeout:          30 * time.Second,
		MaxReceiveBufferSize: quic.DefaultMaxReceiveBufferSize,
		Streams: StreamsConfig{
			Bidirectional:  100,
			Unidirectional: 10,
		},
		TLS: TLSConfig{
			Hosts: []string{"localhost", "127.0.0.1", "::1"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminConfig{
			Namespace: "quicecho",
		},
		Dial: DialConfig{
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			MaxElapsed:     30 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// QUICECHO_CONFIG or a quicecho.yaml in the usual places. Environment
// variables override file values: QUICECHO_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUICECHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("alpn", cfg.ALPN)
	v.SetDefault("registration_name", cfg.RegistrationName)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("max_receive_buffer_size", cfg.MaxReceiveBufferSize)
	v.SetDefault("streams.bidirectional", cfg.Streams.Bidirectional)
	v.SetDefault("streams.unidirectional", cfg.Streams.Unidirectional)
	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.hosts", cfg.TLS.Hosts)
	v.SetDefault("tls.insecure", cfg.TLS.Insecure)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("admin.addr", cfg.Admin.Addr)
	v.SetDefault("admin.namespace", cfg.Admin.Namespace)
	v.SetDefault("dial.backoff_initial", cfg.Dial.BackoffInitial)
	v.SetDefault("dial.backoff_max", cfg.Dial.BackoffMax)
	v.SetDefault("dial.max_elapsed", cfg.Dial.MaxElapsed)

	if path == "" {
		path = os.Getenv("QUICECHO_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quicecho")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".quicecho"))
		}
	}

	// A missing file leaves defaults and environment in place.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ALPN) == "" {
		return errors.New("alpn must not be empty")
	}
	if len(c.ALPN) > 255 {
		return fmt.Errorf("alpn is longer than 255 bytes: %q", c.ALPN)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	if c.MaxReceiveBufferSize < 0 {
		return fmt.Errorf("invalid max_receive_buffer_size: %d", c.MaxReceiveBufferSize)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log.level: %q", l.Level)
	}
}

// NewLogger builds the configured logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Log.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Certificate loads the configured key pair or generates a self-signed
// one.
func (c *Config) Certificate() (tls.Certificate, error) {
	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
		}
		return cert, nil
	}
	return certutil.GenerateSelfSigned(c.TLS.Hosts...)
}

// QUICConfig maps the settings onto a quic.Config.
func (c *Config) QUICConfig(cert *tls.Certificate, logger *slog.Logger, tracer *quictrace.Tracer) *quic.Config {
	return &quic.Config{
		RegistrationName:             c.RegistrationName,
		ALPN:                         c.ALPN,
		IdleTimeout:                  c.IdleTimeout,
		MaxBidirectionalStreamCount:  c.Streams.Bidirectional,
		MaxUnidirectionalStreamCount: c.Streams.Unidirectional,
		Certificate:                  cert,
		MaxReceiveBufferSize:         c.MaxReceiveBufferSize,
		Logger:                       logger,
		Tracer:                       tracer,
	}
}
