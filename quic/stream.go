package quic

import (
	"io"
	"log/slog"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/okdaichi/quictransport/internal/native"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

// Directionality is the kind of a stream.
type Directionality int

const (
	Bidirectional Directionality = iota
	Unidirectional
)

func (d Directionality) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case Unidirectional:
		return "unidirectional"
	default:
		return "unknown"
	}
}

// ReceiveStream is the inbound half of a stream.
type ReceiveStream interface {
	io.Reader
	CancelRead(code uint64)
}

// SendStream is the outbound half of a stream.
type SendStream interface {
	io.Writer
	Send(bufs ...[]byte) (*SendCompletion, error)
	CloseWrite() error
	CancelWrite(code uint64)
}

// DuplexStream can both send and receive.
type DuplexStream interface {
	ReceiveStream
	SendStream
}

// DirectionalStream reports its kind and who opened it.
type DirectionalStream interface {
	Directionality() Directionality
	IsLocal() bool
}

var (
	_ DuplexStream      = (*Stream)(nil)
	_ DirectionalStream = (*Stream)(nil)
)

// half tracks the completion of one direction of a stream.
type half struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newHalf() *half {
	return &half{done: make(chan struct{})}
}

// complete records err as the terminal result. Only the first call counts.
func (h *half) complete(err error) bool {
	completed := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		completed = true
	})
	return completed
}

func (h *half) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stream is a QUIC stream. A unidirectional stream only has the half its
// opener writes to: the local side of a peer-opened one can only read, and
// the other way around.
type Stream struct {
	conn   *Connection
	api    native.API
	token  native.Context
	dir    Directionality
	local  bool
	id     uint64
	logger *slog.Logger
	tracer *quictrace.Tracer

	// guards the handle and the in-flight send count
	mu        sync.Mutex
	handle    native.Handle
	inflight  int
	releasing bool
	released  chan struct{}

	in  *half
	out *half

	rmu       sync.Mutex
	buf       *bytebufferpool.ByteBuffer
	pos       int
	paused    bool
	maxBuffer int
	readable  chan struct{}

	closeOnce sync.Once
}

func newStream(c *Connection, h native.Handle, dir Directionality, local bool) *Stream {
	s := &Stream{
		conn:      c,
		api:       c.api,
		dir:       dir,
		local:     local,
		logger:    c.logger,
		tracer:    c.tracer,
		handle:    h,
		released:  make(chan struct{}),
		in:        newHalf(),
		out:       newHalf(),
		buf:       bytebufferpool.Get(),
		maxBuffer: c.maxReceiveBuffer,
		readable:  make(chan struct{}, 1),
	}

	if dir == Unidirectional {
		if local {
			s.in.complete(io.EOF)
		} else {
			s.out.complete(ErrStreamClosed)
		}
	}

	s.token = objects.add(s)
	s.api.SetStreamCallbackHandler(h, streamCallback, s.token)

	if !local {
		s.loadID()
	}
	return s
}

func (s *Stream) loadID() {
	var buf [8]byte
	n, status := s.api.GetParam(s.handle, native.ParamLevelStream, native.ParamStreamID, buf[:])
	if status.Failed() {
		return
	}
	if id, ok := native.DecodeUint64(buf[:n]); ok {
		s.id = id
	}
}

// ID returns the QUIC stream ID.
func (s *Stream) ID() uint64 {
	return s.id
}

func (s *Stream) Directionality() Directionality {
	return s.dir
}

// IsLocal reports whether this side opened the stream.
func (s *Stream) IsLocal() bool {
	return s.local
}

// Done is closed when the stream handle has been released.
func (s *Stream) Done() <-chan struct{} {
	return s.released
}

/*
 * Events
 */

func (s *Stream) handleEvent(ev *native.StreamEvent) native.Status {
	switch ev.Type {
	case native.StreamEventReceive:
		return s.receive(ev.Receive.Buffers)

	case native.StreamEventSendComplete:
		completeSend(ev.SendComplete.ClientContext, ev.SendComplete.Canceled)

	case native.StreamEventPeerSendShutdown:
		s.in.complete(io.EOF)
		s.wakeReader()

	case native.StreamEventPeerSendAborted:
		err := &PeerAbortError{ErrorCode: ev.PeerSendAborted.ErrorCode, Direction: DirectionReceive}
		if s.in.complete(err) {
			s.tracer.StreamError(s.conn.id, s.id, err)
		}
		s.wakeReader()

	case native.StreamEventPeerReceiveAborted:
		err := &PeerAbortError{ErrorCode: ev.PeerReceiveAborted.ErrorCode, Direction: DirectionSend}
		if s.out.complete(err) {
			s.tracer.StreamError(s.conn.id, s.id, err)
		}

	case native.StreamEventSendShutdownComplete:
		s.out.complete(ErrStreamClosed)

	case native.StreamEventShutdownComplete:
		var err error = ErrStreamClosed
		if ev.ShutdownComplete.ConnectionShutdown {
			err = canceled(s.conn.shutdownCause())
		}
		s.in.complete(err)
		s.out.complete(err)
		s.wakeReader()
		s.release(false)
	}

	return native.StatusSuccess
}

func (s *Stream) wakeReader() {
	select {
	case s.readable <- struct{}{}:
	default:
	}
}

// receive copies the delivered bytes and pauses delivery. Read resumes it
// once the reader has caught up.
func (s *Stream) receive(bufs []native.Buffer) native.Status {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.buf == nil || s.in.isDone() {
		return native.StatusSuccess
	}

	n := 0
	for _, b := range bufs {
		w, _ := s.buf.Write(b.Bytes())
		n += w
	}
	if n == 0 {
		return native.StatusSuccess
	}

	s.paused = true
	s.wakeReader()
	return native.StatusPending
}

// resumeThreshold is the unread byte count at or below which Read resumes a
// paused delivery.
func (s *Stream) resumeThreshold() int {
	return s.maxBuffer / 2
}

func (s *Stream) buffered() int {
	if s.buf == nil {
		return 0
	}
	return len(s.buf.B) - s.pos
}

/*
 * Receive
 */

// Read reads buffered stream data, blocking until some arrives. It returns
// io.EOF after the peer finished sending and everything was read.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		s.rmu.Lock()

		if s.in.isDone() && s.in.err != io.EOF {
			s.rmu.Unlock()
			return 0, s.in.err
		}

		if n := s.buffered(); n > 0 {
			n = copy(p, s.buf.B[s.pos:])
			s.pos += n
			if s.pos == len(s.buf.B) {
				s.buf.Reset()
				s.pos = 0
			}
			rearm := s.paused && s.buffered() <= s.resumeThreshold()
			if rearm {
				s.paused = false
			}
			s.rmu.Unlock()

			if rearm {
				s.enableReceive()
			}
			return n, nil
		}

		if s.in.isDone() {
			s.rmu.Unlock()
			return 0, s.in.err
		}
		s.rmu.Unlock()

		select {
		case <-s.readable:
		case <-s.in.done:
		}
	}
}

func (s *Stream) enableReceive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return
	}
	if status := s.api.StreamReceiveSetEnabled(s.handle, true); status.Failed() && s.logger != nil {
		s.logger.Debug("failed to resume receive",
			"stream_id", s.id,
			"status", status,
		)
	}
}

// CancelRead abandons the inbound half and asks the peer to stop sending.
func (s *Stream) CancelRead(code uint64) {
	if !s.in.complete(ErrCanceled) {
		return
	}
	s.wakeReader()
	s.shutdown("StreamShutdown(AbortReceive)", native.StreamShutdownFlagAbortReceive, code)
}

/*
 * Send
 */

// Send queues bufs for transmission without copying them. The slices must
// not be modified until the returned completion is done.
func (s *Stream) Send(bufs ...[]byte) (*SendCompletion, error) {
	return s.send(bufs, native.SendFlagNone)
}

// SendAndCloseWrite queues bufs and finishes the outbound half after them.
func (s *Stream) SendAndCloseWrite(bufs ...[]byte) (*SendCompletion, error) {
	return s.send(bufs, native.SendFlagFin)
}

func (s *Stream) send(bufs [][]byte, flags native.SendFlags) (*SendCompletion, error) {
	if s.out.isDone() {
		return nil, s.out.err
	}

	sc := newSendBufferContext(bufs)
	if len(sc.buffers) == 0 && flags&native.SendFlagFin == 0 {
		sc.resolve(nil)
		return sc.completion, nil
	}

	s.mu.Lock()
	if s.handle == 0 || s.releasing {
		s.mu.Unlock()
		sc.resolve(ErrStreamClosed)
		return nil, ErrStreamClosed
	}
	s.inflight++
	h := s.handle
	s.mu.Unlock()

	sc.onRelease = s.sendReleased
	token := sendContexts.add(sc)

	status := s.api.StreamSend(h, sc.buffers, flags, token)
	if status.Failed() {
		err := newStatusError("StreamSend", status)
		if sc, ok := sendContexts.release(token); ok {
			sc.resolve(err)
		}
		return nil, err
	}
	return sc.completion, nil
}

// sendReleased runs after a send context resolved. The last one finishes a
// release that was waiting on it.
func (s *Stream) sendReleased() {
	s.mu.Lock()
	s.inflight--
	if s.inflight > 0 || !s.releasing || s.handle == 0 {
		s.mu.Unlock()
		return
	}
	h := s.handle
	s.handle = 0
	s.mu.Unlock()

	s.finalize(h)
}

// Write sends p and waits until the engine is done with it.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c, err := s.Send(p)
	if err != nil {
		return 0, err
	}

	select {
	case <-c.Done():
	case <-s.out.done:
		select {
		case <-c.Done():
		default:
			return 0, s.out.err
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite finishes the outbound half after everything queued was sent.
func (s *Stream) CloseWrite() error {
	if s.out.isDone() {
		return nil
	}
	return s.shutdown("StreamShutdown(Graceful)", native.StreamShutdownFlagGraceful, 0)
}

// CancelWrite abandons the outbound half and resets it with code.
func (s *Stream) CancelWrite(code uint64) {
	if !s.out.complete(ErrCanceled) {
		return
	}
	s.shutdown("StreamShutdown(AbortSend)", native.StreamShutdownFlagAbortSend, code)
}

// Abort abandons both halves with code.
func (s *Stream) Abort(code uint64) {
	s.CancelRead(code)
	s.CancelWrite(code)
}

func (s *Stream) shutdown(op string, flags native.StreamShutdownFlags, code uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == 0 {
		return ErrStreamClosed
	}
	if status := s.api.StreamShutdown(s.handle, flags, code); status.Failed() {
		return newStatusError(op, status)
	}
	return nil
}

/*
 * Lifetime
 */

// Close finishes the outbound half gracefully, abandons the inbound half,
// waits for queued sends and releases the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if !s.out.isDone() {
			s.shutdown("StreamShutdown(Graceful)", native.StreamShutdownFlagGraceful, 0)
		}
		if !s.in.isDone() {
			s.shutdown("StreamShutdown(AbortReceive)", native.StreamShutdownFlagAbortReceive, 0)
		}
		s.in.complete(ErrStreamClosed)
		s.out.complete(ErrStreamClosed)
		s.wakeReader()

		s.release(true)
		s.recycle()
	})
	return nil
}

// abandon cancels pending operations with cause and releases the handle as
// soon as no send is in flight.
func (s *Stream) abandon(cause error) {
	err := canceled(cause)
	s.in.complete(err)
	s.out.complete(err)
	s.wakeReader()
	s.release(false)
}

// dispose releases a stream that never became usable.
func (s *Stream) dispose() {
	s.in.complete(ErrStreamClosed)
	s.out.complete(ErrStreamClosed)
	s.release(false)
	s.recycle()
}

// release closes the native handle once every in-flight send resolved.
// With wait set it blocks until then.
func (s *Stream) release(wait bool) {
	s.mu.Lock()
	if s.releasing || s.inflight > 0 {
		s.releasing = true
		s.mu.Unlock()
		if wait {
			<-s.released
		}
		return
	}
	s.releasing = true
	h := s.handle
	s.handle = 0
	s.mu.Unlock()

	s.finalize(h)
}

func (s *Stream) finalize(h native.Handle) {
	objects.release(s.token)
	if h != 0 {
		s.api.StreamClose(h)
	}
	s.conn.forget(s)
	close(s.released)

	if s.logger != nil {
		s.logger.Debug("stream released",
			"stream_id", s.id,
		)
	}
}

func (s *Stream) recycle() {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if s.buf != nil {
		bytebufferpool.Put(s.buf)
		s.buf = nil
		s.pos = 0
	}
}
