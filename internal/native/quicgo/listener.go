package quicgo

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/okdaichi/quictransport/internal/native"
)

var (
	errListenerStopped   = errors.New("quicgo: listener stopped")
	errALPNMismatch      = errors.New("quicgo: no matching application protocol")
	errConnectionRefused = errors.New("quicgo: connection refused by listener")
)

type listener struct {
	e       *Engine
	h       native.Handle
	session *session

	mu      sync.Mutex
	cb      native.ListenerCallback
	cbCtx   native.Context
	started bool
	stopped bool
	udp     *net.UDPConn
	ql      *quic.EarlyListener
	cancel  context.CancelFunc
	pending map[string]*connection

	eventMu sync.Mutex
}

func (e *Engine) ListenerOpen(sessionHandle native.Handle) (native.Handle, native.Status) {
	s, ok := lookup[*session](e, sessionHandle)
	if !ok {
		return 0, native.StatusInvalidParameter
	}

	l := &listener{
		e:       e,
		session: s,
		pending: make(map[string]*connection),
	}
	l.h = e.register(l)
	return l.h, native.StatusSuccess
}

func (e *Engine) SetListenerCallbackHandler(h native.Handle, cb native.ListenerCallback, ctx native.Context) {
	l, ok := lookup[*listener](e, h)
	if !ok {
		return
	}
	l.mu.Lock()
	l.cb, l.cbCtx = cb, ctx
	l.mu.Unlock()
}

func (e *Engine) ListenerStart(h native.Handle, addr native.Addr) native.Status {
	l, ok := lookup[*listener](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.stopped {
		return native.StatusInvalidState
	}

	udp, err := net.ListenUDP("udp", addr.UDPAddr())
	if err != nil {
		return statusFromError(err)
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{l.session.alpn},
		GetConfigForClient: l.configForClient,
	}

	ql, err := quic.ListenEarly(udp, tlsConf, l.session.quicConfig())
	if err != nil {
		udp.Close()
		return statusFromError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.started = true
	l.udp = udp
	l.ql = ql
	l.cancel = cancel

	l.e.spawn(func() { l.acceptLoop(ctx, ql) })

	if l.e.logger != nil {
		l.e.logger.Debug("listener started",
			"address", udp.LocalAddr().String(),
			"alpn", l.session.alpn,
		)
	}

	return native.StatusSuccess
}

func (e *Engine) ListenerStop(h native.Handle) {
	l, ok := lookup[*listener](e, h)
	if !ok {
		return
	}
	l.stop()
}

func (e *Engine) ListenerClose(h native.Handle) {
	obj, ok := e.release(h)
	if !ok {
		return
	}
	l, ok := obj.(*listener)
	if !ok {
		return
	}
	l.stop()

	l.mu.Lock()
	l.cb, l.cbCtx = nil, 0
	l.mu.Unlock()
}

func (l *listener) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	ql, udp, cancel := l.ql, l.udp, l.cancel
	pending := l.pending
	l.pending = make(map[string]*connection)
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ql != nil {
		ql.Close()
	}
	if udp != nil {
		udp.Close()
	}

	for _, c := range pending {
		c.failHandshake(native.StatusAborted)
	}
}

func (l *listener) dispatch(ev *native.ListenerEvent) native.Status {
	l.eventMu.Lock()
	defer l.eventMu.Unlock()

	l.mu.Lock()
	cb, ctx := l.cb, l.cbCtx
	l.mu.Unlock()

	if cb == nil {
		return native.StatusInvalidState
	}
	return cb(l.h, ctx, ev)
}

// configForClient announces the handshake as NEW_CONNECTION and answers
// with the certificate of the security config the handler attached.
func (l *listener) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if !slices.Contains(hello.SupportedProtos, l.session.alpn) {
		return nil, errALPNMismatch
	}
	if hello.Conn == nil {
		return nil, errConnectionRefused
	}

	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return nil, errListenerStopped
	}

	local, _ := native.AddrFromNetAddr(hello.Conn.LocalAddr())
	remote, _ := native.AddrFromNetAddr(hello.Conn.RemoteAddr())

	c := newConnection(l.e, l.session, true)
	c.local, c.remote = local, remote
	c.serverName = hello.ServerName
	c.h = l.e.register(c)

	ev := &native.ListenerEvent{Type: native.ListenerEventNewConnection}
	ev.NewConnection.Info = &native.NewConnectionInfo{
		LocalAddress:   local,
		RemoteAddress:  remote,
		ServerName:     hello.ServerName,
		ClientALPNList: slices.Clone(hello.SupportedProtos),
	}
	ev.NewConnection.Connection = c.h

	discard := func() {
		l.e.release(c.h)
		l.session.untrack(c)
	}

	status := l.dispatch(ev)
	if status.Failed() || !c.hasCallback() {
		discard()
		return nil, errConnectionRefused
	}

	// The handler owns the connection from here on and learns about any
	// failure through its own events.
	sc, ok := lookup[*secConfig](l.e, ev.NewConnection.SecurityConfig)
	if !ok || sc.cert == nil {
		c.failHandshake(native.StatusTLSError)
		return nil, errConnectionRefused
	}

	key := hello.Conn.RemoteAddr().String()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		c.failHandshake(native.StatusAborted)
		return nil, errListenerStopped
	}
	stale := l.pending[key]
	l.pending[key] = c
	l.mu.Unlock()

	if stale != nil {
		stale.failHandshake(native.StatusAborted)
	}

	c.armHandshakeTimer(l.e.handshakeTimeout, func() {
		l.mu.Lock()
		if l.pending[key] == c {
			delete(l.pending, key)
		}
		l.mu.Unlock()
	})

	return sc.serverTLS(l.session.alpn), nil
}

func (l *listener) acceptLoop(ctx context.Context, ql *quic.EarlyListener) {
	for {
		qc, err := ql.Accept(ctx)
		if err != nil {
			return
		}

		key := qc.RemoteAddr().String()

		l.mu.Lock()
		c := l.pending[key]
		delete(l.pending, key)
		l.mu.Unlock()

		if c == nil {
			qc.CloseWithError(quic.ApplicationErrorCode(0), "no connection state")
			continue
		}

		c.bind(qc)
	}
}

func (l *listener) getParam(param native.Param) ([]byte, native.Status) {
	switch param {
	case native.ParamListenerLocalAddress:
		l.mu.Lock()
		udp := l.udp
		l.mu.Unlock()
		if udp == nil {
			return nil, native.StatusInvalidState
		}
		addr, ok := native.AddrFromNetAddr(udp.LocalAddr())
		if !ok {
			return nil, native.StatusInternalError
		}
		b, _ := addr.MarshalBinary()
		return b, native.StatusSuccess
	default:
		return nil, native.StatusNotSupported
	}
}
