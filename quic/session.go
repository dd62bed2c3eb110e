package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/okdaichi/quictransport/internal/native"
)

// Session groups listeners and client connections sharing one application
// protocol and one set of transport settings.
type Session struct {
	reg    *Registration
	api    native.API
	handle native.Handle
	alpn   string

	mu        sync.Mutex
	closed    bool
	listeners map[*Listener]struct{}
	conns     map[*Connection]struct{}
}

func newSession(r *Registration, h native.Handle, alpn string) *Session {
	return &Session{
		reg:       r,
		api:       r.api,
		handle:    h,
		alpn:      alpn,
		listeners: make(map[*Listener]struct{}),
		conns:     make(map[*Connection]struct{}),
	}
}

func (s *Session) applyConfig(config *Config) error {
	if config == nil {
		return nil
	}
	if config.IdleTimeout > 0 {
		if err := s.SetIdleTimeout(config.IdleTimeout); err != nil {
			return err
		}
	}
	if config.MaxBidirectionalStreamCount > 0 || config.MaxUnidirectionalStreamCount > 0 {
		bidi, unidi := s.peerStreamLimits()
		if config.MaxBidirectionalStreamCount > 0 {
			bidi = config.MaxBidirectionalStreamCount
		}
		if config.MaxUnidirectionalStreamCount > 0 {
			unidi = config.MaxUnidirectionalStreamCount
		}
		if err := s.SetPeerStreamLimits(bidi, unidi); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) peerStreamLimits() (bidi, unidi uint16) {
	var buf [2]byte
	if n, status := s.api.GetParam(s.handle, native.ParamLevelSession, native.ParamSessionPeerBidiStreamCount, buf[:]); status.Succeeded() {
		bidi, _ = native.DecodeUint16(buf[:n])
	}
	if n, status := s.api.GetParam(s.handle, native.ParamLevelSession, native.ParamSessionPeerUnidiStreamCount, buf[:]); status.Succeeded() {
		unidi, _ = native.DecodeUint16(buf[:n])
	}
	return bidi, unidi
}

// ALPN returns the application protocol of the session.
func (s *Session) ALPN() string {
	return s.alpn
}

// SetIdleTimeout sets the idle timeout of connections created afterwards.
func (s *Session) SetIdleTimeout(d time.Duration) error {
	status := s.api.SetParam(s.handle, native.ParamLevelSession, native.ParamSessionIdleTimeout,
		native.EncodeUint64(uint64(d.Milliseconds())))
	if status.Failed() {
		return newStatusError("SetParam(IdleTimeout)", status)
	}
	return nil
}

// SetPeerStreamLimits sets how many streams of each kind a peer may open on
// connections created afterwards. Zero refuses peer streams of that kind.
func (s *Session) SetPeerStreamLimits(bidi, unidi uint16) error {
	status := s.api.SetParam(s.handle, native.ParamLevelSession, native.ParamSessionPeerBidiStreamCount,
		native.EncodeUint16(bidi))
	if status.Failed() {
		return newStatusError("SetParam(PeerBidiStreamCount)", status)
	}
	status = s.api.SetParam(s.handle, native.ParamLevelSession, native.ParamSessionPeerUnidiStreamCount,
		native.EncodeUint16(unidi))
	if status.Failed() {
		return newStatusError("SetParam(PeerUnidiStreamCount)", status)
	}
	return nil
}

// NewListener opens an unbound listener.
func (s *Session) NewListener() (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	h, status := s.api.ListenerOpen(s.handle)
	if status.Failed() {
		return nil, newStatusError("ListenerOpen", status)
	}

	l := newListener(s, h)
	s.listeners[l] = struct{}{}
	return l, nil
}

// OpenListener opens a listener and binds it to endpoint.
func (s *Session) OpenListener(ctx context.Context, endpoint netip.AddrPort, sec SecurityConfigSource) (*Listener, error) {
	l, err := s.NewListener()
	if err != nil {
		return nil, err
	}
	if err := l.Bind(ctx, endpoint, sec); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// ConnectOptions configures an outgoing connection.
type ConnectOptions struct {
	// ServerName is verified against the server certificate.
	// If empty, the host part of the address is used.
	ServerName string

	// DisableCertificateValidation accepts any server certificate.
	DisableCertificateValidation bool

	// Certificate is presented to the server when it asks for one.
	Certificate *tls.Certificate
}

// Connect dials addr ("host:port") and waits until the handshake completes
// or fails.
func (s *Session) Connect(ctx context.Context, addr string, opts *ConnectOptions) (*Connection, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("quic: invalid port %q: %w", portStr, err)
	}
	if opts == nil {
		opts = &ConnectOptions{}
	}

	family := native.AddressFamilyUnspec
	var remote netip.AddrPort
	if ip, err := netip.ParseAddr(host); err == nil {
		remote = netip.AddrPortFrom(ip, uint16(port))
		if ip.Is4() || ip.Is4In6() {
			family = native.AddressFamilyINET
		} else {
			family = native.AddressFamilyINET6
		}
	}

	serverName := opts.ServerName
	if serverName == "" {
		serverName = host
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	h, status := s.api.ConnectionOpen(s.handle)
	if status.Failed() {
		s.mu.Unlock()
		return nil, newStatusError("ConnectionOpen", status)
	}
	c := newConnection(s, h, false)
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if err := c.configureClient(ctx, opts, remote); err != nil {
		c.Close()
		return nil, err
	}

	status = s.api.ConnectionStart(h, family, serverName, uint16(port))
	if status.Failed() {
		c.Close()
		return nil, newStatusError("ConnectionStart", status)
	}

	select {
	case <-c.connected:
		return c, nil
	case <-c.ctx.Done():
		err := context.Cause(c.ctx)
		c.Close()
		return nil, err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) forgetListener(l *Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) forgetConnection(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown starts closing every connection of the session with code.
func (s *Session) Shutdown(code uint64) {
	s.api.SessionShutdown(s.handle, native.ConnectionShutdownFlagNone, code)
}

// Close stops its listeners, closes its client connections and releases
// the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	s.close()
	return nil
}

func (s *Session) close() {
	s.api.SessionClose(s.handle)
	s.reg.forget(s)
}
