package quic

import (
	"errors"
	"fmt"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/okdaichi/quictransport/internal/native"
)

// handleTable maps the opaque tokens handed to the engine to the objects
// they stand for. A token is never reused, so an event that races with a
// dispose finds nothing instead of a recycled object.
type handleTable[T any] struct {
	entries cmap.ConcurrentMap[native.Context, T]
	next    atomic.Uint64
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{
		entries: cmap.NewWithCustomShardingFunction[native.Context, T](shardToken),
	}
}

func shardToken(token native.Context) uint32 {
	v := uint64(token)
	return uint32(v ^ (v >> 32))
}

func (t *handleTable[T]) add(v T) native.Context {
	token := native.Context(t.next.Add(1))
	t.entries.Set(token, v)
	return token
}

func (t *handleTable[T]) get(token native.Context) (T, bool) {
	return t.entries.Get(token)
}

// release removes the entry. Only the first caller for a token gets ok.
func (t *handleTable[T]) release(token native.Context) (T, bool) {
	return t.entries.Pop(token)
}

func (t *handleTable[T]) len() int {
	return t.entries.Count()
}

var (
	objects      = newHandleTable[any]()
	sendContexts = newHandleTable[*sendBufferContext]()
)

func lookupObject[T any](token native.Context) (T, bool) {
	var zero T
	obj, ok := objects.get(token)
	if !ok {
		return zero, false
	}
	v, ok := obj.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// ErrCallbackPanicked is reported to the tracer when an event handler panics.
var ErrCallbackPanicked = errors.New("quic: event handler panicked")

// recoverEvent turns a panic in an event handler into StatusInternalError.
// Panics never unwind into the engine.
func recoverEvent(status *native.Status, report func(error)) {
	r := recover()
	if r == nil {
		return
	}
	*status = native.StatusInternalError

	err := fmt.Errorf("%w: %v", ErrCallbackPanicked, r)
	defer func() { _ = recover() }()
	report(err)
}

/*
 * Native callbacks
 */

func listenerCallback(_ native.Handle, token native.Context, ev *native.ListenerEvent) (status native.Status) {
	l, ok := lookupObject[*Listener](token)
	if !ok {
		return native.StatusSuccess
	}
	defer recoverEvent(&status, func(err error) {
		l.tracer.ConnectionError(0, err)
	})
	return l.handleEvent(ev)
}

func connectionCallback(_ native.Handle, token native.Context, ev *native.ConnectionEvent) (status native.Status) {
	c, ok := lookupObject[*Connection](token)
	if !ok {
		return native.StatusSuccess
	}
	defer recoverEvent(&status, func(err error) {
		c.tracer.ConnectionError(c.id, err)
	})
	return c.handleEvent(ev)
}

func streamCallback(_ native.Handle, token native.Context, ev *native.StreamEvent) (status native.Status) {
	s, ok := lookupObject[*Stream](token)
	if !ok {
		return native.StatusSuccess
	}
	defer recoverEvent(&status, func(err error) {
		s.tracer.StreamError(s.conn.id, s.id, err)
	})
	return s.handleEvent(ev)
}

func securityConfigCallback(token native.Context, status native.Status, h native.Handle) {
	p, ok := objects.release(token)
	if !ok {
		return
	}
	if pending, ok := p.(*PendingSecurityConfig); ok {
		pending.complete(status, h)
	}
}
