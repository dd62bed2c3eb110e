package quic

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/okdaichi/quictransport/internal/native"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

type listenerState int32

const (
	listenerCreated listenerState = iota
	listenerBound
	listenerAccepting
	listenerStopped
)

// Listener accepts connections on a bound endpoint.
type Listener struct {
	session *Session
	api     native.API
	token   native.Context
	logger  *slog.Logger
	tracer  *quictrace.Tracer

	state atomic.Int32

	mu     sync.Mutex
	handle native.Handle
	sc     *SecurityConfig
	conns  map[*Connection]struct{}

	queue *acceptQueue[*Connection]
}

func newListener(s *Session, h native.Handle) *Listener {
	l := &Listener{
		session: s,
		api:     s.api,
		handle:  h,
		logger:  s.reg.logger,
		tracer:  s.reg.tracer,
		conns:   make(map[*Connection]struct{}),
		queue:   newAcceptQueue[*Connection](ErrEndOfListener),
	}
	l.token = objects.add(l)
	return l
}

func (l *Listener) loadState() listenerState {
	return listenerState(l.state.Load())
}

// Bind resolves the security configuration and starts listening on
// endpoint. The listener owns the configuration from then on, even if the
// start fails. Failures are returned as *BindError.
func (l *Listener) Bind(ctx context.Context, endpoint netip.AddrPort, source SecurityConfigSource) error {
	if l.loadState() != listenerCreated {
		return &BindError{Endpoint: endpoint, Err: ErrInvalidState}
	}

	sc, err := source.Resolve(ctx)
	if err != nil {
		return &BindError{Endpoint: endpoint, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == 0 {
		sc.Close()
		return &BindError{Endpoint: endpoint, Err: ErrEndOfListener}
	}
	if l.sc != nil && l.sc != sc {
		l.sc.Close()
	}
	l.sc = sc

	l.api.SetListenerCallbackHandler(l.handle, listenerCallback, l.token)

	status := l.api.ListenerStart(l.handle, native.AddrFromAddrPort(endpoint))
	if status.Failed() {
		return &BindError{Endpoint: endpoint, Err: newStatusError("ListenerStart", status)}
	}

	l.state.CompareAndSwap(int32(listenerCreated), int32(listenerBound))

	if l.logger != nil {
		l.logger.Debug("listener bound",
			"endpoint", endpoint,
			"alpn", l.session.alpn,
		)
	}
	return nil
}

// Accept waits for the next connection. After Stop it returns
// ErrEndOfListener.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	switch l.loadState() {
	case listenerCreated:
		return nil, ErrListenerNotBound
	case listenerBound:
		l.state.CompareAndSwap(int32(listenerBound), int32(listenerAccepting))
	}
	return l.queue.dequeue(ctx)
}

// Addr returns the bound local address.
func (l *Listener) Addr() (netip.AddrPort, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == 0 {
		return netip.AddrPort{}, ErrEndOfListener
	}

	buf := make([]byte, native.AddrSize)
	n, status := l.api.GetParam(l.handle, native.ParamLevelListener, native.ParamListenerLocalAddress, buf)
	if status.Failed() {
		return netip.AddrPort{}, newStatusError("GetParam(LocalAddress)", status)
	}
	var addr native.Addr
	if err := addr.UnmarshalBinary(buf[:n]); err != nil {
		return netip.AddrPort{}, err
	}
	return addr.AddrPort(), nil
}

func (l *Listener) handleEvent(ev *native.ListenerEvent) native.Status {
	switch ev.Type {
	case native.ListenerEventNewConnection:
		return l.newConnection(ev)
	default:
		return native.StatusSuccess
	}
}

func (l *Listener) newConnection(ev *native.ListenerEvent) native.Status {
	c := newConnection(l.session, ev.NewConnection.Connection, true)
	c.listener = l

	// Stop detaches the security config under mu before deleting it, so the
	// handle handed to the engine is live when the event returns. A
	// connection attached here is tracked and closed by that Stop.
	l.mu.Lock()
	if l.loadState() == listenerStopped || l.sc == nil {
		l.mu.Unlock()
		c.Close()
		return native.StatusConnectionRefused
	}
	ev.NewConnection.SecurityConfig = l.sc.handle
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	if !l.queue.enqueue(c) {
		c.Close()
		return native.StatusConnectionRefused
	}

	if l.logger != nil {
		info := ev.NewConnection.Info
		if info != nil {
			l.logger.Debug("new connection",
				"connection_id", c.id,
				"remote_address", info.RemoteAddress.String(),
				"server_name", info.ServerName,
			)
		}
	}
	return native.StatusSuccess
}

// Stop ends accepting. Every connection the listener produced, accepted or
// not, is closed, the native listener is released and so is the security
// configuration. It is safe to call more than once.
func (l *Listener) Stop() error {
	if listenerState(l.state.Swap(int32(listenerStopped))) == listenerStopped {
		return nil
	}

	l.queue.complete()

	l.mu.Lock()
	h := l.handle
	l.handle = 0
	sc := l.sc
	l.sc = nil
	conns := make([]*Connection, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	objects.release(l.token)
	if h != 0 {
		l.api.ListenerStop(h)
		l.api.ListenerClose(h)
	}

	l.queue.drain()
	for _, c := range conns {
		c.Close()
	}

	if sc != nil {
		sc.Close()
	}

	l.session.forgetListener(l)

	if l.logger != nil {
		l.logger.Debug("listener stopped",
			"connections_closed", len(conns),
		)
	}
	return nil
}

func (l *Listener) forget(c *Connection) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Close is Stop.
func (l *Listener) Close() error {
	return l.Stop()
}
