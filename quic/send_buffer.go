package quic

import (
	"context"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/okdaichi/quictransport/internal/native"
)

// SendCompletion reports when the engine no longer needs the memory of a
// send.
type SendCompletion struct {
	done chan struct{}
	err  error
}

// Done is closed once the send has been resolved.
func (c *SendCompletion) Done() <-chan struct{} {
	return c.done
}

// Err returns nil if the data was handed to the transport, ErrCanceled if
// it was discarded, or the failure. It is only meaningful after Done.
func (c *SendCompletion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the send resolves or ctx ends.
func (c *SendCompletion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendBufferContext keeps the caller's byte ranges pinned while the engine
// reads them.
type sendBufferContext struct {
	pinners    []*runtime.Pinner
	buffers    []native.Buffer
	completion *SendCompletion
	onRelease  func()
	resolved   atomic.Bool
}

func newSendBufferContext(ranges [][]byte) *sendBufferContext {
	sc := &sendBufferContext{
		pinners:    make([]*runtime.Pinner, 0, len(ranges)),
		buffers:    make([]native.Buffer, 0, len(ranges)),
		completion: &SendCompletion{done: make(chan struct{})},
	}
	for _, r := range ranges {
		if len(r) == 0 {
			continue
		}
		p := new(runtime.Pinner)
		p.Pin(unsafe.SliceData(r))
		sc.pinners = append(sc.pinners, p)
		sc.buffers = append(sc.buffers, native.BufferOf(r))
	}
	return sc
}

// resolve unpins the ranges in pin order and completes the send. Only the
// first call has an effect.
func (sc *sendBufferContext) resolve(err error) {
	if !sc.resolved.CompareAndSwap(false, true) {
		return
	}
	for _, p := range sc.pinners {
		p.Unpin()
	}
	sc.pinners = nil
	sc.buffers = nil

	sc.completion.err = err
	close(sc.completion.done)

	if sc.onRelease != nil {
		sc.onRelease()
	}
}

// completeSend resolves the send registered under token. It reports false
// if the token was already resolved.
func completeSend(token native.Context, wasCanceled bool) bool {
	sc, ok := sendContexts.release(token)
	if !ok {
		return false
	}
	var err error
	if wasCanceled {
		err = ErrCanceled
	}
	sc.resolve(err)
	return true
}
