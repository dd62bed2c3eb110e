package quicgo

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/okdaichi/quictransport/internal/native"
)

// DefaultHandshakeTimeout bounds how long a connection announced by
// NEW_CONNECTION may take to finish its handshake.
const DefaultHandshakeTimeout = 10 * time.Second

var _ native.API = (*Engine)(nil)

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Open returns the process-wide engine, creating it on first use.
func Open() (*Engine, error) {
	defaultOnce.Do(func() {
		defaultEngine, defaultErr = New(Options{})
	})
	return defaultEngine, defaultErr
}

type Options struct {
	// PoolSize caps the goroutines running short engine tasks such as
	// certificate checks, event dispatch and close calls. Loops that live as
	// long as a listener, connection or stream always get their own
	// goroutine. Zero or less means unbounded.
	PoolSize int

	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Engine implements native.API on top of quic-go.
type Engine struct {
	handles cmap.ConcurrentMap[native.Handle, any]
	next    atomic.Uint64

	pool *ants.Pool

	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func New(opts Options) (*Engine, error) {
	size := opts.PoolSize
	if size <= 0 {
		size = -1
	}

	e := &Engine{
		handles: cmap.NewWithCustomShardingFunction[native.Handle, any](shardHandle),
		logger:  opts.Logger,
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(e.recoverTask))
	if err != nil {
		return nil, fmt.Errorf("quicgo: failed to create worker pool: %w", err)
	}
	e.pool = pool

	e.handshakeTimeout = opts.HandshakeTimeout
	if e.handshakeTimeout <= 0 {
		e.handshakeTimeout = DefaultHandshakeTimeout
	}

	return e, nil
}

// Release stops the worker pool. Objects still alive keep running on plain
// goroutines.
func (e *Engine) Release() {
	e.pool.Release()
}

func shardHandle(h native.Handle) uint32 {
	v := uint64(h)
	return uint32(v ^ (v >> 32))
}

func (e *Engine) recoverTask(p any) {
	if e.logger != nil {
		e.logger.Error("engine task panicked",
			"panic", p,
		)
	}
}

// submit runs a short task on the pool. It may block while the pool is full.
func (e *Engine) submit(task func()) {
	if err := e.pool.Submit(task); err != nil {
		go task()
	}
}

// spawn runs a task that may block for the lifetime of an object.
func (e *Engine) spawn(task func()) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.recoverTask(p)
			}
		}()
		task()
	}()
}

func (e *Engine) register(obj any) native.Handle {
	h := native.Handle(e.next.Add(1))
	e.handles.Set(h, obj)
	return h
}

func (e *Engine) release(h native.Handle) (any, bool) {
	return e.handles.Pop(h)
}

func lookup[T any](e *Engine, h native.Handle) (T, bool) {
	var zero T
	obj, ok := e.handles.Get(h)
	if !ok {
		return zero, false
	}
	t, ok := obj.(T)
	return t, ok
}

/*
 * Registration
 */

type registration struct {
	appName string
}

func (e *Engine) RegistrationOpen(cfg native.RegistrationConfig) (native.Handle, native.Status) {
	return e.register(&registration{appName: cfg.AppName}), native.StatusSuccess
}

func (e *Engine) RegistrationClose(reg native.Handle) {
	e.release(reg)
}

/*
 * Security configuration
 */

type secConfig struct {
	flags native.SecConfigFlags
	cert  *tls.Certificate
}

func (sc *secConfig) serverTLS(alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*sc.cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

func (e *Engine) SecConfigCreate(reg native.Handle, flags native.SecConfigFlags, cert *tls.Certificate,
	principal string, ctx native.Context, done native.SecConfigCreateComplete) native.Status {
	if _, ok := lookup[*registration](e, reg); !ok {
		return native.StatusInvalidParameter
	}
	if done == nil {
		return native.StatusInvalidParameter
	}
	if cert == nil && flags&native.SecConfigFlagClient == 0 {
		return native.StatusInvalidParameter
	}

	e.submit(func() {
		if cert != nil {
			if err := validateCertificate(cert); err != nil {
				if e.logger != nil {
					e.logger.Debug("rejected certificate",
						"principal", principal,
						"error", err,
					)
				}
				done(ctx, native.StatusTLSError, 0)
				return
			}
		}

		h := e.register(&secConfig{flags: flags, cert: cert})
		done(ctx, native.StatusSuccess, h)
	})

	return native.StatusPending
}

func (e *Engine) SecConfigDelete(sec native.Handle) {
	e.release(sec)
}

var errNoCertificate = errors.New("quicgo: certificate chain is empty")

func validateCertificate(cert *tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return errNoCertificate
	}
	if cert.PrivateKey == nil {
		return errors.New("quicgo: certificate has no private key")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	if now := time.Now(); now.After(leaf.NotAfter) {
		return fmt.Errorf("quicgo: certificate expired at %s", leaf.NotAfter)
	}
	return nil
}

/*
 * Parameters
 */

func (e *Engine) SetParam(h native.Handle, level native.ParamLevel, param native.Param, value []byte) native.Status {
	switch level {
	case native.ParamLevelSession:
		s, ok := lookup[*session](e, h)
		if !ok {
			return native.StatusInvalidParameter
		}
		return s.setParam(param, value)
	case native.ParamLevelConnection:
		c, ok := lookup[*connection](e, h)
		if !ok {
			return native.StatusInvalidParameter
		}
		return c.setParam(param, value)
	default:
		return native.StatusNotSupported
	}
}

func (e *Engine) GetParam(h native.Handle, level native.ParamLevel, param native.Param, buf []byte) (int, native.Status) {
	var value []byte
	var status native.Status

	switch level {
	case native.ParamLevelSession:
		s, ok := lookup[*session](e, h)
		if !ok {
			return 0, native.StatusInvalidParameter
		}
		value, status = s.getParam(param)
	case native.ParamLevelListener:
		l, ok := lookup[*listener](e, h)
		if !ok {
			return 0, native.StatusInvalidParameter
		}
		value, status = l.getParam(param)
	case native.ParamLevelConnection:
		c, ok := lookup[*connection](e, h)
		if !ok {
			return 0, native.StatusInvalidParameter
		}
		value, status = c.getParam(param)
	case native.ParamLevelStream:
		s, ok := lookup[*stream](e, h)
		if !ok {
			return 0, native.StatusInvalidParameter
		}
		value, status = s.getParam(param)
	default:
		return 0, native.StatusNotSupported
	}

	if status.Failed() {
		return 0, status
	}
	if len(buf) < len(value) {
		return len(value), native.StatusBufferTooSmall
	}
	return copy(buf, value), native.StatusSuccess
}
