package quic

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/okdaichi/quictransport/quic/quictrace"
)

const (
	DefaultRegistrationName     = "quictransport"
	DefaultMaxReceiveBufferSize = 1 << 20
)

// Config contains configuration options for registrations, sessions and
// the objects they create.
type Config struct {
	// RegistrationName is the application name given to the engine.
	// If empty, DefaultRegistrationName is used.
	RegistrationName string

	// ALPN is the application protocol negotiated by sessions opened from
	// a ListenerFactory.
	ALPN string

	// IdleTimeout is applied to new sessions. Zero keeps the engine default.
	IdleTimeout time.Duration

	// MaxBidirectionalStreamCount and MaxUnidirectionalStreamCount are the
	// stream counts granted to peers. Zero keeps the engine default; call
	// Session.SetPeerStreamLimits to refuse peer streams entirely.
	MaxBidirectionalStreamCount  uint16
	MaxUnidirectionalStreamCount uint16

	// Certificate is served by listeners created from a ListenerFactory.
	Certificate *tls.Certificate

	// MaxReceiveBufferSize bounds the unread bytes a stream holds. Every
	// delivery pauses the stream and Read resumes it once no more than half
	// of this is left unread. If zero, DefaultMaxReceiveBufferSize is used.
	MaxReceiveBufferSize int

	Logger *slog.Logger

	// Tracer receives connection and stream events. If nil, a no-op tracer
	// is used.
	Tracer *quictrace.Tracer
}

func (c *Config) registrationName() string {
	if c != nil && c.RegistrationName != "" {
		return c.RegistrationName
	}
	return DefaultRegistrationName
}

func (c *Config) maxReceiveBufferSize() int {
	if c != nil && c.MaxReceiveBufferSize > 0 {
		return c.MaxReceiveBufferSize
	}
	return DefaultMaxReceiveBufferSize
}

func (c *Config) logger() *slog.Logger {
	if c != nil {
		return c.Logger
	}
	return nil
}

func (c *Config) tracer() *quictrace.Tracer {
	if c != nil && c.Tracer != nil {
		quictrace.InitTracer(c.Tracer)
		return c.Tracer
	}
	return quictrace.DefaultTracer()
}

// Clone creates a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	return &Config{
		RegistrationName:             c.RegistrationName,
		ALPN:                         c.ALPN,
		IdleTimeout:                  c.IdleTimeout,
		MaxBidirectionalStreamCount:  c.MaxBidirectionalStreamCount,
		MaxUnidirectionalStreamCount: c.MaxUnidirectionalStreamCount,
		Certificate:                  c.Certificate,
		MaxReceiveBufferSize:         c.MaxReceiveBufferSize,
		Logger:                       c.Logger,
		Tracer:                       c.Tracer,
	}
}
