package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okdaichi/quictransport/internal/config"
	"github.com/okdaichi/quictransport/quic"
)

func runPing(ctx context.Context, args []string) error {
	var flags commonFlags
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	flags.register(fs, "localhost:4433")
	count := fs.Int("count", 1, "number of pings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}

	message := "ping"
	if fs.NArg() > 0 {
		message = fs.Arg(0)
	}

	factory := &quic.ListenerFactory{Config: cfg.QUICConfig(nil, logger, nil)}
	defer factory.Close()

	c, err := dial(ctx, factory, flags.addr, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := range *count {
		start := time.Now()
		reply, err := ping(ctx, c, []byte(message))
		if err != nil {
			return err
		}
		logger.Info("pong",
			"seq", i,
			"bytes", len(reply),
			"rtt", time.Since(start),
		)
	}

	c.Shutdown(quic.ShutdownFlagNone, 0)
	return nil
}

// dial connects with exponential backoff. Handshake failures that a retry
// cannot fix end the loop at once.
func dial(ctx context.Context, f *quic.ListenerFactory, addr string, cfg *config.Config, logger *slog.Logger) (*quic.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Dial.BackoffInitial
	b.MaxInterval = cfg.Dial.BackoffMax
	b.MaxElapsedTime = cfg.Dial.MaxElapsed

	opts := &quic.ConnectOptions{
		DisableCertificateValidation: cfg.TLS.Insecure,
	}

	var conn *quic.Connection
	op := func() error {
		c, err := f.Dial(ctx, addr, opts)
		if err != nil {
			if permanentDialError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("dial failed, retrying",
			"address", addr,
			"error", err,
			"retry_in", wait,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func permanentDialError(err error) bool {
	return errors.Is(err, quic.ErrTLS) ||
		errors.Is(err, quic.ErrALPNNegotiation) ||
		errors.Is(err, quic.ErrInvalidAddress) ||
		errors.Is(err, quic.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// ping sends payload on a new bidirectional stream and returns the echo.
func ping(ctx context.Context, c *quic.Connection, payload []byte) ([]byte, error) {
	s, err := c.OpenStream(quic.Bidirectional)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	sent, err := s.SendAndCloseWrite(payload)
	if err != nil {
		return nil, err
	}

	reply, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	if err := sent.Wait(ctx); err != nil {
		return nil, err
	}
	if !bytes.Equal(reply, payload) {
		return nil, fmt.Errorf("echo mismatch: sent %d bytes, got %d", len(payload), len(reply))
	}
	return reply, nil
}
