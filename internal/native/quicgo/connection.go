package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/okdaichi/quictransport/internal/native"
)

type connection struct {
	e       *Engine
	h       native.Handle
	session *session
	server  bool

	mu sync.Mutex

	cb    native.ConnectionCallback
	cbCtx native.Context

	// Settings applied when the connection starts.
	idleTimeout time.Duration
	limits      streamLimits
	certFlags   native.CertValidationFlags
	clientSec   native.Handle
	hasRemote   bool

	local      native.Addr
	remote     native.Addr
	serverName string

	qc      *quic.Conn
	started bool
	closed  bool
	// localShutdown is set once the application requested shutdown.
	localShutdown bool
	shutdownCode  uint64
	completed     bool

	dialCancel context.CancelFunc
	timer      *time.Timer

	streams map[*stream]struct{}

	eventMu sync.Mutex
	done    chan struct{}
}

func newConnection(e *Engine, s *session, server bool) *connection {
	idle, limits := s.snapshot()
	c := &connection{
		e:           e,
		session:     s,
		server:      server,
		idleTimeout: idle,
		limits:      limits,
		streams:     make(map[*stream]struct{}),
		done:        make(chan struct{}),
	}
	s.track(c)
	return c
}

func (e *Engine) ConnectionOpen(sessionHandle native.Handle) (native.Handle, native.Status) {
	s, ok := lookup[*session](e, sessionHandle)
	if !ok {
		return 0, native.StatusInvalidParameter
	}
	c := newConnection(e, s, false)
	c.h = e.register(c)
	return c.h, native.StatusSuccess
}

func (e *Engine) SetConnectionCallbackHandler(h native.Handle, cb native.ConnectionCallback, ctx native.Context) {
	c, ok := lookup[*connection](e, h)
	if !ok {
		return
	}
	c.mu.Lock()
	c.cb, c.cbCtx = cb, ctx
	c.mu.Unlock()
}

func (e *Engine) ConnectionStart(h native.Handle, family native.AddressFamily, serverName string, port uint16) native.Status {
	c, ok := lookup[*connection](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}
	if c.server {
		return native.StatusInvalidState
	}
	if serverName == "" && !c.hasRemoteAddress() {
		return native.StatusInvalidParameter
	}

	c.mu.Lock()
	if c.started || c.closed || c.localShutdown {
		c.mu.Unlock()
		return native.StatusInvalidState
	}
	c.started = true

	target := net.JoinHostPort(serverName, strconv.Itoa(int(port)))
	if c.hasRemote {
		target = c.remote.UDPAddr().String()
	}

	tlsConf := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{c.session.alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: c.certFlags&native.CertValidationFlagDisable != 0,
	}
	if sc, ok := lookup[*secConfig](e, c.clientSec); ok && sc.cert != nil {
		tlsConf.Certificates = []tls.Certificate{*sc.cert}
	}

	config := &quic.Config{
		MaxIdleTimeout:        c.idleTimeout,
		MaxIncomingStreams:    c.limits.bidi,
		MaxIncomingUniStreams: c.limits.unidi,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.mu.Unlock()

	if e.logger != nil {
		e.logger.Debug("dialing",
			"target", target,
			"family", family,
		)
	}

	e.spawn(func() {
		defer cancel()

		qc, err := quic.DialAddr(ctx, target, tlsConf, config)
		if err != nil {
			ev := &native.ConnectionEvent{Type: native.ConnectionEventShutdownInitiatedByTransport}
			ev.ShutdownInitiatedByTransport.Status = statusFromError(err)
			c.dispatch(ev)
			c.complete(false)
			return
		}
		c.bind(qc)
	})

	return native.StatusPending
}

func (e *Engine) ConnectionShutdown(h native.Handle, flags native.ConnectionShutdownFlags, code uint64) {
	c, ok := lookup[*connection](e, h)
	if !ok {
		return
	}
	c.shutdown(flags, code)
}

func (e *Engine) ConnectionClose(h native.Handle) {
	obj, ok := e.release(h)
	if !ok {
		return
	}
	c, ok := obj.(*connection)
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.cb, c.cbCtx = nil, 0
	qc, completed := c.qc, c.completed
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.mu.Unlock()

	if qc != nil && !completed {
		e.submit(func() {
			qc.CloseWithError(quic.ApplicationErrorCode(0), "")
		})
	}
	c.session.untrack(c)
}

func (c *connection) hasCallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb != nil
}

func (c *connection) hasRemoteAddress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasRemote
}

func (c *connection) shutdown(flags native.ConnectionShutdownFlags, code uint64) {
	c.mu.Lock()
	if c.localShutdown {
		c.mu.Unlock()
		return
	}
	c.localShutdown = true
	c.shutdownCode = code
	qc := c.qc
	if qc == nil && c.dialCancel != nil {
		c.dialCancel()
	}
	c.mu.Unlock()

	if qc == nil {
		return
	}

	c.e.submit(func() {
		if flags&native.ConnectionShutdownFlagSilent != 0 {
			qc.CloseWithError(quic.ApplicationErrorCode(code), "")
			return
		}
		qc.CloseWithError(quic.ApplicationErrorCode(code), "shutdown")
	})
}

func (c *connection) armHandshakeTimer(d time.Duration, onExpire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = time.AfterFunc(d, func() {
		onExpire()
		c.failHandshake(native.StatusHandshakeFailure)
	})
}

// failHandshake ends a connection that never reached the accept loop.
func (c *connection) failHandshake(status native.Status) {
	c.mu.Lock()
	if c.qc != nil || c.completed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	c.e.submit(func() {
		ev := &native.ConnectionEvent{Type: native.ConnectionEventShutdownInitiatedByTransport}
		ev.ShutdownInitiatedByTransport.Status = status
		c.dispatch(ev)
		c.complete(false)
	})
}

func (c *connection) bind(qc *quic.Conn) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.closed || c.completed {
		c.mu.Unlock()
		qc.CloseWithError(quic.ApplicationErrorCode(0), "")
		return
	}
	c.qc = qc
	c.local, _ = native.AddrFromNetAddr(qc.LocalAddr())
	c.remote, _ = native.AddrFromNetAddr(qc.RemoteAddr())
	shutdown, code := c.localShutdown, c.shutdownCode
	c.mu.Unlock()

	if shutdown {
		qc.CloseWithError(quic.ApplicationErrorCode(code), "shutdown")
	}

	c.e.spawn(c.run)
}

func (c *connection) run() {
	qc := c.qc
	ctx := qc.Context()

	handshakeCompleted := false
	select {
	case <-qc.HandshakeComplete():
		handshakeCompleted = true
	case <-ctx.Done():
	}

	var wg sync.WaitGroup
	if handshakeCompleted {
		ev := &native.ConnectionEvent{Type: native.ConnectionEventConnected}
		ev.Connected.NegotiatedALPN = qc.ConnectionState().TLS.NegotiatedProtocol
		c.dispatch(ev)

		wg.Add(2)
		c.e.spawn(func() {
			defer wg.Done()
			c.acceptBidi(ctx)
		})
		c.e.spawn(func() {
			defer wg.Done()
			c.acceptUni(ctx)
		})
	}

	<-ctx.Done()
	wg.Wait()

	c.shutdownInitiated(context.Cause(ctx))
	c.complete(handshakeCompleted)
}

func (c *connection) shutdownInitiated(cause error) {
	c.mu.Lock()
	local := c.localShutdown || c.closed
	c.mu.Unlock()

	var appErr *quic.ApplicationError
	switch {
	case errors.As(cause, &appErr) && appErr.Remote:
		ev := &native.ConnectionEvent{Type: native.ConnectionEventShutdownInitiatedByPeer}
		ev.ShutdownInitiatedByPeer.ErrorCode = uint64(appErr.ErrorCode)
		c.dispatch(ev)
	case local:
	default:
		ev := &native.ConnectionEvent{Type: native.ConnectionEventShutdownInitiatedByTransport}
		ev.ShutdownInitiatedByTransport.Status = statusFromError(cause)
		c.dispatch(ev)
	}
}

// complete finishes every stream and then reports SHUTDOWN_COMPLETE once.
func (c *connection) complete(handshakeCompleted bool) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.finish(true)
	}
	for _, s := range streams {
		<-s.finished
	}

	ev := &native.ConnectionEvent{Type: native.ConnectionEventShutdownComplete}
	ev.ShutdownComplete.HandshakeCompleted = handshakeCompleted
	c.dispatch(ev)

	c.session.untrack(c)
	close(c.done)
}

func (c *connection) acceptBidi(ctx context.Context) {
	for {
		qs, err := c.qc.AcceptStream(ctx)
		if err != nil {
			return
		}
		c.peerStreamStarted(qs, qs, native.StreamOpenFlagNone, qs.StreamID())
	}
}

func (c *connection) acceptUni(ctx context.Context) {
	for {
		qs, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		c.peerStreamStarted(nil, qs, native.StreamOpenFlagUnidirectional, qs.StreamID())
	}
}

func (c *connection) peerStreamStarted(send sendSide, recv recvSide, flags native.StreamOpenFlags, id quic.StreamID) {
	s := newStream(c, flags, false)
	s.h = c.e.register(s)
	s.attach(send, recv, id)

	ev := &native.ConnectionEvent{Type: native.ConnectionEventPeerStreamStarted}
	ev.PeerStreamStarted.Stream = s.h
	ev.PeerStreamStarted.Flags = flags

	status := c.dispatch(ev)
	if status.Failed() || !s.hasCallback() {
		c.e.release(s.h)
		s.reject()
		return
	}

	if !c.track(s) {
		c.e.release(s.h)
		s.reject()
		return
	}
	s.run()
}

func (c *connection) track(s *stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return false
	}
	c.streams[s] = struct{}{}
	return true
}

func (c *connection) forget(s *stream) {
	c.mu.Lock()
	delete(c.streams, s)
	c.mu.Unlock()
}

func (c *connection) dispatch(ev *native.ConnectionEvent) native.Status {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.mu.Lock()
	cb, ctx := c.cb, c.cbCtx
	c.mu.Unlock()

	if cb == nil {
		return native.StatusSuccess
	}
	return cb(c.h, ctx, ev)
}

func (c *connection) setParam(param native.Param, value []byte) native.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	// quic-go fixes transport parameters once the handshake begins.
	configurable := !c.server && !c.started

	switch param {
	case native.ParamConnIdleTimeout:
		ms, ok := native.DecodeUint64(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		if !configurable {
			return native.StatusInvalidState
		}
		c.idleTimeout = time.Duration(ms) * time.Millisecond
	case native.ParamConnPeerBidiStreamCount:
		v, ok := native.DecodeUint16(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		if !configurable {
			return native.StatusInvalidState
		}
		c.limits.bidi = limitFromCount(v)
	case native.ParamConnPeerUnidiStreamCount:
		v, ok := native.DecodeUint16(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		if !configurable {
			return native.StatusInvalidState
		}
		c.limits.unidi = limitFromCount(v)
	case native.ParamConnLocalBidiStreamCount, native.ParamConnLocalUnidiStreamCount:
		return native.StatusNotSupported
	case native.ParamConnRemoteAddress:
		var addr native.Addr
		if err := addr.UnmarshalBinary(value); err != nil {
			return native.StatusInvalidParameter
		}
		if !configurable {
			return native.StatusInvalidState
		}
		c.remote = addr
		c.hasRemote = true
	case native.ParamConnCertValidationFlags:
		v, ok := native.DecodeUint32(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		c.certFlags = native.CertValidationFlags(v)
	case native.ParamConnSecurityConfig:
		v, ok := native.DecodeUint64(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		if c.server {
			return native.StatusInvalidState
		}
		c.clientSec = native.Handle(v)
	default:
		return native.StatusNotSupported
	}
	return native.StatusSuccess
}

func (c *connection) getParam(param native.Param) ([]byte, native.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch param {
	case native.ParamConnIdleTimeout:
		return native.EncodeUint64(uint64(c.idleTimeout / time.Millisecond)), native.StatusSuccess
	case native.ParamConnPeerBidiStreamCount:
		return native.EncodeUint16(countFromLimit(c.limits.bidi)), native.StatusSuccess
	case native.ParamConnPeerUnidiStreamCount:
		return native.EncodeUint16(countFromLimit(c.limits.unidi)), native.StatusSuccess
	case native.ParamConnLocalAddress:
		if c.qc == nil && !c.server {
			return nil, native.StatusInvalidState
		}
		b, _ := c.local.MarshalBinary()
		return b, native.StatusSuccess
	case native.ParamConnRemoteAddress:
		if c.qc == nil && !c.server && !c.hasRemote {
			return nil, native.StatusInvalidState
		}
		b, _ := c.remote.MarshalBinary()
		return b, native.StatusSuccess
	case native.ParamConnCertValidationFlags:
		return native.EncodeUint32(uint32(c.certFlags)), native.StatusSuccess
	default:
		return nil, native.StatusNotSupported
	}
}
