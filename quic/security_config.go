package quic

import (
	"context"
	"sync"

	"github.com/okdaichi/quictransport/internal/native"
)

// SecurityConfigSource yields a security configuration, waiting for it if
// the engine has not finished building it.
type SecurityConfigSource interface {
	Resolve(ctx context.Context) (*SecurityConfig, error)
}

var (
	_ SecurityConfigSource = (*SecurityConfig)(nil)
	_ SecurityConfigSource = (*PendingSecurityConfig)(nil)
)

// SecurityConfig owns a native security configuration. A listener that
// binds with it takes over ownership.
type SecurityConfig struct {
	api    native.API
	handle native.Handle
	once   sync.Once
}

func (sc *SecurityConfig) Resolve(context.Context) (*SecurityConfig, error) {
	return sc, nil
}

// Close deletes the native configuration. Later calls do nothing.
func (sc *SecurityConfig) Close() error {
	sc.once.Do(func() {
		sc.api.SecConfigDelete(sc.handle)
	})
	return nil
}

// PendingSecurityConfig is a security configuration the engine is still
// building.
type PendingSecurityConfig struct {
	api   native.API
	token native.Context
	done  chan struct{}

	mu        sync.Mutex
	completed bool
	abandoned bool
	sc        *SecurityConfig
	err       error
}

func newPendingSecurityConfig(api native.API) *PendingSecurityConfig {
	p := &PendingSecurityConfig{
		api:  api,
		done: make(chan struct{}),
	}
	p.token = objects.add(p)
	return p
}

func (p *PendingSecurityConfig) complete(status native.Status, h native.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return
	}
	p.completed = true

	if p.abandoned {
		// Nobody will claim it.
		if status.Succeeded() && h != 0 {
			p.api.SecConfigDelete(h)
		}
		return
	}

	if status.Failed() {
		p.err = newStatusError("SecConfigCreate", status)
	} else {
		p.sc = &SecurityConfig{api: p.api, handle: h}
	}
	close(p.done)
}

// Wait blocks until the configuration is ready. If ctx ends first, the
// request is abandoned and a configuration built later is deleted.
func (p *PendingSecurityConfig) Wait(ctx context.Context) (*SecurityConfig, error) {
	select {
	case <-p.done:
		return p.sc, p.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed && !p.abandoned {
		return p.sc, p.err
	}
	p.abandoned = true
	return nil, ctx.Err()
}

func (p *PendingSecurityConfig) Resolve(ctx context.Context) (*SecurityConfig, error) {
	return p.Wait(ctx)
}
