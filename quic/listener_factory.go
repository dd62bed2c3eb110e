package quic

import (
	"context"
	"net/netip"
	"sync"

	"github.com/okdaichi/quictransport/internal/native"
)

// ListenerFactory creates listeners and client connections for
// Config.ALPN, opening the registration and session it needs on first use.
type ListenerFactory struct {
	Config *Config

	// API is the engine to use. If nil, DefaultAPI is used.
	API native.API

	mu      sync.Mutex
	closed  bool
	reg     *Registration
	session *Session
}

func (f *ListenerFactory) init() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if f.session != nil {
		return f.session, nil
	}

	api := f.API
	if api == nil {
		var err error
		api, err = DefaultAPI()
		if err != nil {
			return nil, err
		}
	}

	reg, err := NewRegistration(api, f.Config)
	if err != nil {
		return nil, err
	}

	alpn := ""
	if f.Config != nil {
		alpn = f.Config.ALPN
	}
	session, err := reg.OpenSession(alpn)
	if err != nil {
		reg.Close()
		return nil, err
	}

	f.reg, f.session = reg, session
	return session, nil
}

// Bind starts a listener on endpoint serving Config.Certificate.
func (f *ListenerFactory) Bind(ctx context.Context, endpoint netip.AddrPort) (*Listener, error) {
	if f.Config == nil || f.Config.Certificate == nil {
		return nil, &BindError{Endpoint: endpoint, Err: ErrNoCertificate}
	}

	session, err := f.init()
	if err != nil {
		return nil, err
	}

	pending, err := session.reg.NewSecurityConfig(f.Config.Certificate)
	if err != nil {
		return nil, &BindError{Endpoint: endpoint, Err: err}
	}

	return session.OpenListener(ctx, endpoint, pending)
}

// Dial connects to addr ("host:port").
func (f *ListenerFactory) Dial(ctx context.Context, addr string, opts *ConnectOptions) (*Connection, error) {
	session, err := f.init()
	if err != nil {
		return nil, err
	}
	return session.Connect(ctx, addr, opts)
}

// Close closes everything the factory opened.
func (f *ListenerFactory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	reg := f.reg
	f.mu.Unlock()

	if reg != nil {
		return reg.Close()
	}
	return nil
}
