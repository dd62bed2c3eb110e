package quic

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okdaichi/quictransport/internal/native"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

var connectionIDs atomic.Uint64

// ShutdownFlags modifies Connection.Shutdown.
type ShutdownFlags uint32

const (
	ShutdownFlagNone ShutdownFlags = 0
	// ShutdownFlagSilent closes without notifying the peer.
	ShutdownFlagSilent ShutdownFlags = 1 << 0
)

// StreamScope selects which side's stream limits a call refers to.
type StreamScope int

const (
	// StreamScopePeer limits the streams the peer may open.
	StreamScopePeer StreamScope = iota
	// StreamScopeLocal limits the streams this side may open.
	StreamScopeLocal
)

// Connection is an established or establishing QUIC connection.
type Connection struct {
	session  *Session
	listener *Listener
	api      native.API
	id       uint64
	token    native.Context
	server   bool

	maxReceiveBuffer int
	logger           *slog.Logger
	tracer           *quictrace.Tracer

	mu       sync.Mutex
	handle   native.Handle
	disposed bool
	cause    error
	open     map[*Stream]struct{}
	clientSC *SecurityConfig

	ctx    context.Context
	cancel context.CancelCauseFunc

	connected     chan struct{}
	connectedOnce sync.Once
	alpn          atomic.Value

	streams *acceptQueue[*Stream]
}

func newConnection(s *Session, h native.Handle, server bool) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	config := s.reg.config

	c := &Connection{
		session:          s,
		api:              s.api,
		id:               connectionIDs.Add(1),
		server:           server,
		handle:           h,
		open:             make(map[*Stream]struct{}),
		maxReceiveBuffer: config.maxReceiveBufferSize(),
		logger:           s.reg.logger,
		tracer:           s.reg.tracer,
		ctx:              ctx,
		cancel:           cancel,
		connected:        make(chan struct{}),
		streams:          newAcceptQueue[*Stream](ErrEndOfConnection),
	}
	if c.logger != nil {
		c.logger = c.logger.With("connection_id", c.id)
	}

	c.token = objects.add(c)
	c.api.SetConnectionCallbackHandler(h, connectionCallback, c.token)
	c.tracer.NewConnection(c.id)

	return c
}

func (c *Connection) configureClient(ctx context.Context, opts *ConnectOptions, remote netip.AddrPort) error {
	if remote.IsValid() {
		b, _ := native.AddrFromAddrPort(remote).MarshalBinary()
		if status := c.api.SetParam(c.handle, native.ParamLevelConnection, native.ParamConnRemoteAddress, b); status.Failed() {
			return newStatusError("SetParam(RemoteAddress)", status)
		}
	}

	if opts.DisableCertificateValidation {
		status := c.api.SetParam(c.handle, native.ParamLevelConnection, native.ParamConnCertValidationFlags,
			native.EncodeUint32(uint32(native.CertValidationFlagDisable)))
		if status.Failed() {
			return newStatusError("SetParam(CertValidationFlags)", status)
		}
	}

	if opts.Certificate != nil {
		pending, err := c.session.reg.NewClientSecurityConfig(opts.Certificate)
		if err != nil {
			return err
		}
		sc, err := pending.Wait(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.clientSC = sc
		c.mu.Unlock()

		status := c.api.SetParam(c.handle, native.ParamLevelConnection, native.ParamConnSecurityConfig,
			native.EncodeUint64(uint64(sc.handle)))
		if status.Failed() {
			return newStatusError("SetParam(SecurityConfig)", status)
		}
	}

	return nil
}

/*
 * Events
 */

func (c *Connection) handleEvent(ev *native.ConnectionEvent) native.Status {
	switch ev.Type {
	case native.ConnectionEventConnected:
		c.alpn.Store(ev.Connected.NegotiatedALPN)
		c.connectedOnce.Do(func() { close(c.connected) })
		if c.logger != nil {
			c.logger.Debug("connected",
				"alpn", ev.Connected.NegotiatedALPN,
				"resumed", ev.Connected.SessionResumed,
			)
		}
		c.tracer.Connected(c.id, ev.Connected.NegotiatedALPN)

	case native.ConnectionEventShutdownInitiatedByTransport:
		status := ev.ShutdownInitiatedByTransport.Status
		var cause error = ErrConnectionClosed
		if status.Failed() {
			cause = newStatusError("", status)
			c.tracer.ConnectionError(c.id, cause)
		}
		c.recordCause(cause)
		c.tracer.ShutdownInitiated(c.id, false, cause)

	case native.ConnectionEventShutdownInitiatedByPeer:
		cause := &PeerShutdownError{ErrorCode: ev.ShutdownInitiatedByPeer.ErrorCode}
		c.recordCause(cause)
		c.tracer.ShutdownInitiated(c.id, true, cause)

	case native.ConnectionEventShutdownComplete:
		c.terminate()

	case native.ConnectionEventPeerStreamStarted:
		return c.peerStreamStarted(ev.PeerStreamStarted.Stream, ev.PeerStreamStarted.Flags)

	case native.ConnectionEventStreamsAvailable:
		c.tracer.StreamsAvailable(c.id,
			ev.StreamsAvailable.BidirectionalCount,
			ev.StreamsAvailable.UnidirectionalCount,
		)
	}

	return native.StatusSuccess
}

func (c *Connection) recordCause(cause error) {
	c.mu.Lock()
	if c.cause == nil {
		c.cause = cause
	}
	c.mu.Unlock()
}

func (c *Connection) shutdownCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// terminate ends the connection: Context is canceled with the recorded
// cause, the stream queue ends and open streams are canceled.
func (c *Connection) terminate() {
	c.mu.Lock()
	cause := c.cause
	if cause == nil {
		cause = ErrConnectionClosed
		c.cause = cause
	}
	open := c.snapshotStreams()
	c.mu.Unlock()

	c.cancel(cause)
	c.streams.complete()

	for _, s := range c.streams.drain() {
		s.abandon(cause)
	}
	for _, s := range open {
		s.abandon(cause)
	}

	if c.logger != nil {
		c.logger.Debug("connection terminated",
			"cause", cause,
		)
	}
}

func (c *Connection) peerStreamStarted(h native.Handle, flags native.StreamOpenFlags) native.Status {
	dir := Bidirectional
	if flags&native.StreamOpenFlagUnidirectional != 0 {
		dir = Unidirectional
	}

	s := newStream(c, h, dir, false)

	if !c.track(s) || !c.streams.enqueue(s) {
		s.abandon(ErrConnectionClosed)
		return native.StatusSuccess
	}

	c.tracer.NewStream(c.id, s.id)
	return native.StatusSuccess
}

/*
 * Streams
 */

// AcceptStream returns the next stream opened by the peer. Once the
// connection has ended it returns ErrEndOfConnection.
func (c *Connection) AcceptStream(ctx context.Context) (*Stream, error) {
	return c.streams.dequeue(ctx)
}

// OpenStream opens and starts a stream. It fails with ErrStreamLimitReached
// instead of waiting when the peer grants no more streams.
func (c *Connection) OpenStream(dir Directionality) (*Stream, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	h := c.handle
	c.mu.Unlock()

	flags := native.StreamOpenFlagNone
	if dir == Unidirectional {
		flags = native.StreamOpenFlagUnidirectional
	}

	sh, status := c.api.StreamOpen(h, flags)
	if status.Failed() {
		return nil, newStatusError("StreamOpen", status)
	}

	s := newStream(c, sh, dir, true)

	status = c.api.StreamStart(sh, native.StreamStartFlagFailBlocked)
	if status.Failed() {
		s.dispose()
		return nil, newStatusError("StreamStart", status)
	}
	s.loadID()

	if !c.track(s) {
		s.Abort(0)
		s.dispose()
		return nil, ErrConnectionClosed
	}

	c.tracer.NewStream(c.id, s.id)
	return s, nil
}

func (c *Connection) track(s *Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.open[s] = struct{}{}
	return true
}

func (c *Connection) forget(s *Stream) {
	c.mu.Lock()
	delete(c.open, s)
	c.mu.Unlock()
}

func (c *Connection) snapshotStreams() []*Stream {
	streams := make([]*Stream, 0, len(c.open))
	for s := range c.open {
		streams = append(streams, s)
	}
	return streams
}

/*
 * Parameters
 */

func (c *Connection) setParam(op string, param native.Param, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrConnectionClosed
	}
	if status := c.api.SetParam(c.handle, native.ParamLevelConnection, param, value); status.Failed() {
		return newStatusError(op, status)
	}
	return nil
}

// SetIdleTimeout changes the idle timeout. Engines may only accept it
// before the handshake starts.
func (c *Connection) SetIdleTimeout(d time.Duration) error {
	return c.setParam("SetParam(IdleTimeout)", native.ParamConnIdleTimeout,
		native.EncodeUint64(uint64(d.Milliseconds())))
}

// SetStreamLimits sets the stream counts for scope.
func (c *Connection) SetStreamLimits(scope StreamScope, bidi, unidi uint16) error {
	bidiParam, unidiParam := native.ParamConnPeerBidiStreamCount, native.ParamConnPeerUnidiStreamCount
	if scope == StreamScopeLocal {
		bidiParam, unidiParam = native.ParamConnLocalBidiStreamCount, native.ParamConnLocalUnidiStreamCount
	}
	if err := c.setParam("SetParam(BidiStreamCount)", bidiParam, native.EncodeUint16(bidi)); err != nil {
		return err
	}
	return c.setParam("SetParam(UnidiStreamCount)", unidiParam, native.EncodeUint16(unidi))
}

func (c *Connection) addr(param native.Param) (netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return netip.AddrPort{}, ErrConnectionClosed
	}

	buf := make([]byte, native.AddrSize)
	n, status := c.api.GetParam(c.handle, native.ParamLevelConnection, param, buf)
	if status.Failed() {
		return netip.AddrPort{}, newStatusError("GetParam", status)
	}
	var addr native.Addr
	if err := addr.UnmarshalBinary(buf[:n]); err != nil {
		return netip.AddrPort{}, err
	}
	return addr.AddrPort(), nil
}

func (c *Connection) LocalAddr() (netip.AddrPort, error) {
	return c.addr(native.ParamConnLocalAddress)
}

func (c *Connection) RemoteAddr() (netip.AddrPort, error) {
	return c.addr(native.ParamConnRemoteAddress)
}

/*
 * Lifetime
 */

// ID identifies the connection in traces and logs.
func (c *Connection) ID() uint64 {
	return c.id
}

// NegotiatedProtocol returns the ALPN agreed during the handshake.
func (c *Connection) NegotiatedProtocol() string {
	alpn, _ := c.alpn.Load().(string)
	return alpn
}

// Context is canceled once the connection has fully shut down. Its cause
// tells why.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Shutdown starts closing the connection. Completion is observed through
// Context.
func (c *Connection) Shutdown(flags ShutdownFlags, code uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	nflags := native.ConnectionShutdownFlagNone
	if flags&ShutdownFlagSilent != 0 {
		nflags = native.ConnectionShutdownFlagSilent
	}
	c.api.ConnectionShutdown(c.handle, nflags, code)
}

// Close releases the connection. Pending operations on its streams fail
// with ErrCanceled.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	h := c.handle
	c.handle = 0
	cause := c.cause
	if cause == nil {
		cause = ErrConnectionClosed
		c.cause = cause
	}
	open := c.snapshotStreams()
	clear(c.open)
	sc := c.clientSC
	c.mu.Unlock()

	c.streams.complete()
	for _, s := range c.streams.drain() {
		s.abandon(cause)
	}
	for _, s := range open {
		s.abandon(cause)
	}

	objects.release(c.token)
	c.api.ConnectionShutdown(h, native.ConnectionShutdownFlagNone, 0)
	c.api.ConnectionClose(h)
	c.cancel(cause)

	if sc != nil {
		sc.Close()
	}
	c.session.forgetConnection(c)
	if c.listener != nil {
		c.listener.forget(c)
	}

	if c.logger != nil {
		c.logger.Debug("connection closed")
	}
	return nil
}
