package quic

import (
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/okdaichi/quictransport/internal/native"
	"github.com/okdaichi/quictransport/internal/native/quicgo"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

// DefaultAPI returns the process-wide quic-go engine.
func DefaultAPI() (native.API, error) {
	e, err := quicgo.Open()
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Registration is the root of every object opened against an engine.
type Registration struct {
	api    native.API
	handle native.Handle
	config *Config
	logger *slog.Logger
	tracer *quictrace.Tracer

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
}

// OpenRegistration opens a registration on the default engine.
func OpenRegistration(config *Config) (*Registration, error) {
	api, err := DefaultAPI()
	if err != nil {
		return nil, err
	}
	return NewRegistration(api, config)
}

func NewRegistration(api native.API, config *Config) (*Registration, error) {
	config = config.Clone()

	h, status := api.RegistrationOpen(native.RegistrationConfig{
		AppName: config.registrationName(),
	})
	if status.Failed() {
		return nil, newStatusError("RegistrationOpen", status)
	}

	r := &Registration{
		api:      api,
		handle:   h,
		config:   config,
		logger:   config.logger(),
		tracer:   config.tracer(),
		sessions: make(map[*Session]struct{}),
	}

	if r.logger != nil {
		r.logger.Debug("registration opened",
			"name", config.registrationName(),
		)
	}

	return r, nil
}

// OpenSession opens a session negotiating alpn. Stream limits and the idle
// timeout from the Config are applied before it is returned.
func (r *Registration) OpenSession(alpn string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	h, status := r.api.SessionOpen(r.handle, alpn)
	if status.Failed() {
		return nil, newStatusError("SessionOpen", status)
	}

	s := newSession(r, h, alpn)
	if err := s.applyConfig(r.config); err != nil {
		r.api.SessionClose(h)
		return nil, err
	}

	r.sessions[s] = struct{}{}
	return s, nil
}

func (r *Registration) forget(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// NewSecurityConfig requests a server security configuration for cert.
func (r *Registration) NewSecurityConfig(cert *tls.Certificate) (*PendingSecurityConfig, error) {
	return r.newSecurityConfig(native.SecConfigFlagNone, cert)
}

// NewClientSecurityConfig requests a client security configuration carrying
// an optional client certificate.
func (r *Registration) NewClientSecurityConfig(cert *tls.Certificate) (*PendingSecurityConfig, error) {
	return r.newSecurityConfig(native.SecConfigFlagClient, cert)
}

func (r *Registration) newSecurityConfig(flags native.SecConfigFlags, cert *tls.Certificate) (*PendingSecurityConfig, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	p := newPendingSecurityConfig(r.api)
	status := r.api.SecConfigCreate(r.handle, flags, cert, "", p.token, securityConfigCallback)
	if status.Failed() {
		objects.release(p.token)
		return nil, newStatusError("SecConfigCreate", status)
	}
	return p, nil
}

// Close closes every session, then the registration itself.
func (r *Registration) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	r.api.RegistrationClose(r.handle)

	if r.logger != nil {
		r.logger.Debug("registration closed")
	}
	return nil
}
