package quicgo

import (
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/okdaichi/quictransport/internal/native"
)

// streamLimits holds incoming stream limits in quic-go's encoding:
// zero keeps the default and a negative value allows no streams.
type streamLimits struct {
	bidi  int64
	unidi int64
}

func limitFromCount(count uint16) int64 {
	if count == 0 {
		return -1
	}
	return int64(count)
}

func countFromLimit(limit int64) uint16 {
	switch {
	case limit < 0:
		return 0
	case limit == 0:
		return 100 // quic-go default
	default:
		return uint16(limit)
	}
}

type session struct {
	e    *Engine
	reg  native.Handle
	alpn string

	mu          sync.Mutex
	idleTimeout time.Duration
	limits      streamLimits
	conns       map[*connection]struct{}
}

func (e *Engine) SessionOpen(reg native.Handle, alpn string) (native.Handle, native.Status) {
	if _, ok := lookup[*registration](e, reg); !ok {
		return 0, native.StatusInvalidParameter
	}
	if alpn == "" || len(alpn) > 255 {
		return 0, native.StatusInvalidParameter
	}

	s := &session{
		e:     e,
		reg:   reg,
		alpn:  alpn,
		conns: make(map[*connection]struct{}),
	}
	return e.register(s), native.StatusSuccess
}

func (e *Engine) SessionClose(h native.Handle) {
	e.release(h)
}

func (e *Engine) SessionShutdown(h native.Handle, flags native.ConnectionShutdownFlags, code uint64) {
	s, ok := lookup[*session](e, h)
	if !ok {
		return
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(flags, code)
	}
}

func (s *session) track(c *connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *session) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *session) snapshot() (time.Duration, streamLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleTimeout, s.limits
}

func (s *session) quicConfig() *quic.Config {
	idle, limits := s.snapshot()
	return &quic.Config{
		MaxIdleTimeout:        idle,
		MaxIncomingStreams:    limits.bidi,
		MaxIncomingUniStreams: limits.unidi,
	}
}

func (s *session) setParam(param native.Param, value []byte) native.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch param {
	case native.ParamSessionIdleTimeout:
		ms, ok := native.DecodeUint64(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		s.idleTimeout = time.Duration(ms) * time.Millisecond
	case native.ParamSessionPeerBidiStreamCount:
		v, ok := native.DecodeUint16(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		s.limits.bidi = limitFromCount(v)
	case native.ParamSessionPeerUnidiStreamCount:
		v, ok := native.DecodeUint16(value)
		if !ok {
			return native.StatusInvalidParameter
		}
		s.limits.unidi = limitFromCount(v)
	default:
		return native.StatusNotSupported
	}
	return native.StatusSuccess
}

func (s *session) getParam(param native.Param) ([]byte, native.Status) {
	idle, limits := s.snapshot()

	switch param {
	case native.ParamSessionIdleTimeout:
		return native.EncodeUint64(uint64(idle / time.Millisecond)), native.StatusSuccess
	case native.ParamSessionPeerBidiStreamCount:
		return native.EncodeUint16(countFromLimit(limits.bidi)), native.StatusSuccess
	case native.ParamSessionPeerUnidiStreamCount:
		return native.EncodeUint16(countFromLimit(limits.unidi)), native.StatusSuccess
	default:
		return nil, native.StatusNotSupported
	}
}
