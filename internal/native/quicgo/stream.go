package quicgo

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/quic-go/quic-go"

	"github.com/okdaichi/quictransport/internal/native"
)

const receiveChunkSize = 32 * 1024

type sendSide interface {
	Write(p []byte) (int, error)
	Close() error
	CancelWrite(quic.StreamErrorCode)
	Context() context.Context
}

type recvSide interface {
	Read(p []byte) (int, error)
	CancelRead(quic.StreamErrorCode)
}

type sendRequest struct {
	buffers   []native.Buffer
	clientCtx native.Context
	// data is false for a bare FIN marker.
	data bool
	fin  bool
}

type stream struct {
	e     *Engine
	h     native.Handle
	conn  *connection
	flags native.StreamOpenFlags
	local bool

	mu    sync.Mutex
	cb    native.StreamCallback
	cbCtx native.Context

	id      quic.StreamID
	started bool

	send sendSide
	recv recvSide

	recvEnabled bool
	// enableGen counts re-enables so a PENDING return cannot override one
	// that raced with the callback.
	enableGen    uint64
	recvAborted  bool
	recvFinished bool
	recvWake     chan struct{}

	sendq         *queue.Queue
	sendWake      chan struct{}
	finQueued     bool
	sendAborted   bool
	sendFailed    error
	sendFinished  bool
	peerRecvAbort bool

	recvDone chan struct{}
	sendDone chan struct{}

	closing    chan struct{}
	finishOnce sync.Once
	finished   chan struct{}

	eventMu sync.Mutex
}

func newStream(c *connection, flags native.StreamOpenFlags, local bool) *stream {
	return &stream{
		e:           c.e,
		conn:        c,
		flags:       flags,
		local:       local,
		recvEnabled: true,
		recvWake:    make(chan struct{}, 1),
		sendq:       queue.New(),
		sendWake:    make(chan struct{}, 1),
		recvDone:    make(chan struct{}),
		sendDone:    make(chan struct{}),
		closing:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

func (e *Engine) StreamOpen(connHandle native.Handle, flags native.StreamOpenFlags) (native.Handle, native.Status) {
	c, ok := lookup[*connection](e, connHandle)
	if !ok {
		return 0, native.StatusInvalidParameter
	}

	c.mu.Lock()
	completed := c.completed
	c.mu.Unlock()
	if completed {
		return 0, native.StatusAborted
	}

	s := newStream(c, flags, true)
	s.h = e.register(s)
	return s.h, native.StatusSuccess
}

func (e *Engine) SetStreamCallbackHandler(h native.Handle, cb native.StreamCallback, ctx native.Context) {
	s, ok := lookup[*stream](e, h)
	if !ok {
		return
	}
	s.mu.Lock()
	s.cb, s.cbCtx = cb, ctx
	s.mu.Unlock()
}

func (e *Engine) StreamStart(h native.Handle, flags native.StreamStartFlags) native.Status {
	s, ok := lookup[*stream](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started || !s.local {
		return native.StatusInvalidState
	}

	c := s.conn
	c.mu.Lock()
	qc, completed := c.qc, c.completed
	c.mu.Unlock()
	if completed {
		return native.StatusAborted
	}
	if qc == nil {
		return native.StatusInvalidState
	}

	uni := s.flags&native.StreamOpenFlagUnidirectional != 0
	failBlocked := flags&native.StreamStartFlagFailBlocked != 0

	var err error
	switch {
	case uni && failBlocked:
		var qs *quic.SendStream
		if qs, err = qc.OpenUniStream(); err == nil {
			s.attach(qs, nil, qs.StreamID())
		}
	case uni:
		var qs *quic.SendStream
		if qs, err = qc.OpenUniStreamSync(qc.Context()); err == nil {
			s.attach(qs, nil, qs.StreamID())
		}
	case failBlocked:
		var qs *quic.Stream
		if qs, err = qc.OpenStream(); err == nil {
			s.attach(qs, qs, qs.StreamID())
		}
	default:
		var qs *quic.Stream
		if qs, err = qc.OpenStreamSync(qc.Context()); err == nil {
			s.attach(qs, qs, qs.StreamID())
		}
	}
	if err != nil {
		return statusFromError(err)
	}

	if !c.track(s) {
		s.reject()
		return native.StatusAborted
	}
	s.run()

	return native.StatusSuccess
}

func (e *Engine) StreamShutdown(h native.Handle, flags native.StreamShutdownFlags, code uint64) native.Status {
	s, ok := lookup[*stream](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}
	return s.shutdown(flags, code)
}

func (e *Engine) StreamSend(h native.Handle, buffers []native.Buffer, flags native.SendFlags, clientCtx native.Context) native.Status {
	s, ok := lookup[*stream](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.send == nil {
		return native.StatusInvalidState
	}
	if s.finQueued || s.sendAborted || s.sendFinished {
		return native.StatusInvalidState
	}

	s.sendq.Add(&sendRequest{
		buffers:   buffers,
		clientCtx: clientCtx,
		data:      true,
		fin:       flags&native.SendFlagFin != 0,
	})
	if flags&native.SendFlagFin != 0 {
		s.finQueued = true
	}
	notify(s.sendWake)

	return native.StatusPending
}

func (e *Engine) StreamReceiveSetEnabled(h native.Handle, enabled bool) native.Status {
	s, ok := lookup[*stream](e, h)
	if !ok {
		return native.StatusInvalidParameter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recv == nil && s.started {
		return native.StatusInvalidState
	}
	if enabled {
		s.enableGen++
		if !s.recvEnabled {
			s.recvEnabled = true
			notify(s.recvWake)
		}
		return native.StatusSuccess
	}
	s.recvEnabled = false
	return native.StatusSuccess
}

func (e *Engine) StreamClose(h native.Handle) {
	obj, ok := e.release(h)
	if !ok {
		return
	}
	s, ok := obj.(*stream)
	if !ok {
		return
	}

	s.mu.Lock()
	s.cb, s.cbCtx = nil, 0
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}

	// A queued FIN still flushes; everything else unfinished is canceled.
	s.mu.Lock()
	flush := s.finQueued && !s.sendAborted
	s.mu.Unlock()
	if flush {
		s.shutdown(native.StreamShutdownFlagAbortReceive, 0)
		return
	}
	s.shutdown(native.StreamShutdownFlagAbort, 0)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *stream) hasCallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb != nil
}

func (s *stream) attach(send sendSide, recv recvSide, id quic.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.send, s.recv = send, recv
	s.id = id
	s.started = true
	if send == nil {
		s.sendFinished = true
	}
	if recv == nil {
		s.recvFinished = true
	}
}

// reject cancels a quic-go stream nobody will own.
func (s *stream) reject() {
	if s.recv != nil {
		s.recv.CancelRead(quic.StreamErrorCode(0))
	}
	if s.send != nil {
		s.send.CancelWrite(quic.StreamErrorCode(0))
	}
}

func (s *stream) run() {
	if s.recv != nil {
		s.e.spawn(s.recvLoop)
	} else {
		close(s.recvDone)
	}

	if s.send != nil {
		s.e.spawn(s.sendLoop)
		s.e.spawn(s.watchPeerStopSending)
	} else {
		close(s.sendDone)
	}
}

func (s *stream) dispatch(ev *native.StreamEvent) native.Status {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	cb, ctx := s.cb, s.cbCtx
	s.mu.Unlock()

	if cb == nil {
		return native.StatusSuccess
	}
	return cb(s.h, ctx, ev)
}

func (s *stream) waitReceiveEnabled() (uint64, bool) {
	for {
		s.mu.Lock()
		enabled, aborted, gen := s.recvEnabled, s.recvAborted, s.enableGen
		s.mu.Unlock()

		if aborted {
			return 0, false
		}
		if enabled {
			return gen, true
		}

		select {
		case <-s.recvWake:
		case <-s.closing:
			return 0, false
		}
	}
}

func (s *stream) recvLoop() {
	defer close(s.recvDone)
	defer s.markReceiveFinished()

	buf := make([]byte, receiveChunkSize)
	var offset uint64

	for {
		gen, ok := s.waitReceiveEnabled()
		if !ok {
			return
		}

		n, err := s.recv.Read(buf)
		if n > 0 {
			ev := &native.StreamEvent{Type: native.StreamEventReceive}
			ev.Receive.AbsoluteOffset = offset
			ev.Receive.TotalBufferLength = uint64(n)
			ev.Receive.Buffers = []native.Buffer{native.BufferOf(buf[:n])}
			if errors.Is(err, io.EOF) {
				ev.Receive.Flags |= native.ReceiveFlagFin
			}
			offset += uint64(n)

			if s.dispatch(ev) == native.StatusPending {
				s.mu.Lock()
				if s.enableGen == gen {
					s.recvEnabled = false
				}
				s.mu.Unlock()
			}
		}
		if err == nil {
			continue
		}

		var streamErr *quic.StreamError
		switch {
		case errors.Is(err, io.EOF):
			s.dispatch(&native.StreamEvent{Type: native.StreamEventPeerSendShutdown})
		case errors.As(err, &streamErr) && streamErr.Remote:
			ev := &native.StreamEvent{Type: native.StreamEventPeerSendAborted}
			ev.PeerSendAborted.ErrorCode = uint64(streamErr.ErrorCode)
			s.dispatch(ev)
		}
		return
	}
}

func (s *stream) markReceiveFinished() {
	s.mu.Lock()
	s.recvFinished = true
	done := s.sendFinished
	s.mu.Unlock()

	if done {
		s.finish(false)
	}
}

func (s *stream) markSendFinished() {
	s.mu.Lock()
	s.sendFinished = true
	done := s.recvFinished
	s.mu.Unlock()

	if done {
		s.finish(false)
	}
}

// nextSend blocks until a request is queued or the stream is closing.
func (s *stream) nextSend() (*sendRequest, bool) {
	for {
		s.mu.Lock()
		if s.sendq.Length() > 0 {
			req := s.sendq.Remove().(*sendRequest)
			s.mu.Unlock()
			return req, true
		}
		s.mu.Unlock()

		select {
		case <-s.sendWake:
		case <-s.closing:
			return nil, false
		}
	}
}

func (s *stream) sendLoop() {
	defer close(s.sendDone)

	for {
		req, ok := s.nextSend()
		if !ok {
			break
		}
		s.process(req)
	}

	// Requests left behind are completed as canceled.
	for {
		s.mu.Lock()
		if s.sendq.Length() == 0 {
			s.mu.Unlock()
			return
		}
		req := s.sendq.Remove().(*sendRequest)
		s.mu.Unlock()

		if req.data {
			s.sendComplete(req.clientCtx, true)
		}
	}
}

func (s *stream) process(req *sendRequest) {
	s.mu.Lock()
	failed := s.sendFailed != nil || s.sendAborted
	s.mu.Unlock()

	if failed {
		if req.data {
			s.sendComplete(req.clientCtx, true)
		}
		return
	}

	var err error
	if req.data {
		for _, b := range req.buffers {
			if _, err = s.send.Write(b.Bytes()); err != nil {
				break
			}
		}
		if err != nil {
			s.sendFailure(err)
		}
		s.sendComplete(req.clientCtx, err != nil)
	}

	if req.fin && err == nil {
		err = s.send.Close()
		ev := &native.StreamEvent{Type: native.StreamEventSendShutdownComplete}
		ev.SendShutdownComplete.Graceful = err == nil
		s.dispatch(ev)
		s.markSendFinished()
	}
}

func (s *stream) sendComplete(clientCtx native.Context, canceled bool) {
	ev := &native.StreamEvent{Type: native.StreamEventSendComplete}
	ev.SendComplete.Canceled = canceled
	ev.SendComplete.ClientContext = clientCtx
	s.dispatch(ev)
}

func (s *stream) sendFailure(err error) {
	s.mu.Lock()
	if s.sendFailed == nil {
		s.sendFailed = err
	}
	s.mu.Unlock()

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		s.peerReceiveAborted(uint64(streamErr.ErrorCode))
		return
	}

	s.mu.Lock()
	aborted := s.sendAborted
	s.mu.Unlock()
	if !aborted {
		ev := &native.StreamEvent{Type: native.StreamEventSendShutdownComplete}
		s.dispatch(ev)
		s.markSendFinished()
	}
}

func (s *stream) peerReceiveAborted(code uint64) {
	s.mu.Lock()
	if s.peerRecvAbort {
		s.mu.Unlock()
		return
	}
	s.peerRecvAbort = true
	if s.sendFailed == nil {
		s.sendFailed = io.ErrClosedPipe
	}
	s.mu.Unlock()

	ev := &native.StreamEvent{Type: native.StreamEventPeerReceiveAborted}
	ev.PeerReceiveAborted.ErrorCode = code
	s.dispatch(ev)
	s.markSendFinished()
}

// watchPeerStopSending reports STOP_SENDING that arrives while no write is
// in progress.
func (s *stream) watchPeerStopSending() {
	ctx := s.send.Context()
	select {
	case <-ctx.Done():
	case <-s.closing:
		return
	}

	var streamErr *quic.StreamError
	if errors.As(context.Cause(ctx), &streamErr) && streamErr.Remote {
		s.peerReceiveAborted(uint64(streamErr.ErrorCode))
	}
}

func (s *stream) shutdown(flags native.StreamShutdownFlags, code uint64) native.Status {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return native.StatusInvalidState
	}

	var abortSend, abortRecv bool
	if flags&native.StreamShutdownFlagAbortSend != 0 && s.send != nil && !s.sendAborted && !s.sendFinished {
		s.sendAborted = true
		abortSend = true
	}
	if flags&native.StreamShutdownFlagAbortReceive != 0 && s.recv != nil && !s.recvAborted && !s.recvFinished {
		s.recvAborted = true
		abortRecv = true
		notify(s.recvWake)
	}
	if flags&native.StreamShutdownFlagGraceful != 0 && s.send != nil && !s.finQueued && !s.sendAborted {
		s.finQueued = true
		s.sendq.Add(&sendRequest{fin: true})
		notify(s.sendWake)
	}
	s.mu.Unlock()

	if abortSend {
		s.send.CancelWrite(quic.StreamErrorCode(code))
		notify(s.sendWake)
		s.e.submit(func() {
			ev := &native.StreamEvent{Type: native.StreamEventSendShutdownComplete}
			s.dispatch(ev)
			s.markSendFinished()
		})
	}
	if abortRecv {
		s.recv.CancelRead(quic.StreamErrorCode(code))
	}
	if flags&native.StreamShutdownFlagImmediate != 0 {
		s.finish(false)
	}

	return native.StatusSuccess
}

// finish reports SHUTDOWN_COMPLETE after both loops have exited.
func (s *stream) finish(connectionShutdown bool) {
	s.finishOnce.Do(func() {
		s.e.spawn(func() {
			close(s.closing)

			// Unblock loops still waiting on the peer. Finished halves are
			// left alone so a graceful close is not turned into a reset.
			s.mu.Lock()
			recv, send := s.recv, s.send
			recvOpen, sendOpen := !s.recvFinished, !s.sendFinished
			s.mu.Unlock()
			if recv != nil && recvOpen {
				recv.CancelRead(quic.StreamErrorCode(0))
			}
			if send != nil && sendOpen {
				send.CancelWrite(quic.StreamErrorCode(0))
			}

			<-s.sendDone
			<-s.recvDone

			s.conn.forget(s)

			ev := &native.StreamEvent{Type: native.StreamEventShutdownComplete}
			ev.ShutdownComplete.ConnectionShutdown = connectionShutdown
			s.dispatch(ev)
			close(s.finished)
		})
	})
}

func (s *stream) getParam(param native.Param) ([]byte, native.Status) {
	switch param {
	case native.ParamStreamID:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.started {
			return nil, native.StatusInvalidState
		}
		return native.EncodeUint64(uint64(s.id)), native.StatusSuccess
	default:
		return nil, native.StatusNotSupported
	}
}
