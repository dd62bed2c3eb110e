package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/netip"

	"github.com/okdaichi/quictransport/quic"
)

func runServe(ctx context.Context, args []string) error {
	var flags commonFlags
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	flags.register(fs, "127.0.0.1:4433")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}

	endpoint, err := netip.ParseAddrPort(flags.addr)
	if err != nil {
		return err
	}

	cert, err := cfg.Certificate()
	if err != nil {
		return err
	}

	adm, err := newAdmin(cfg, logger)
	if err != nil {
		return err
	}

	factory := &quic.ListenerFactory{Config: cfg.QUICConfig(&cert, logger, adm.tracer)}
	defer factory.Close()

	l, err := factory.Bind(ctx, endpoint)
	if err != nil {
		return err
	}
	defer l.Close()
	adm.setListener(l)

	if cfg.Admin.Addr != "" {
		go func() {
			if err := adm.serve(ctx, cfg.Admin.Addr); err != nil {
				logger.Error("admin server stopped", "error", err)
			}
		}()
	}

	if addr, err := l.Addr(); err == nil {
		logger.Info("serving", "address", addr, "alpn", cfg.ALPN)
	}

	return serve(ctx, l, logger)
}

// serve accepts connections until ctx is done or the listener stops.
func serve(ctx context.Context, l *quic.Listener, logger *slog.Logger) error {
	defer l.Stop()

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrEndOfListener) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConnection(ctx, c, logger)
	}
}

func handleConnection(ctx context.Context, c *quic.Connection, logger *slog.Logger) {
	defer c.Close()

	if remote, err := c.RemoteAddr(); err == nil {
		logger = logger.With("connection_id", c.ID(), "remote_address", remote)
	}
	logger.Debug("accepted connection")

	for {
		s, err := c.AcceptStream(ctx)
		if err != nil {
			logger.Debug("connection ended", "error", err)
			return
		}
		if s.Directionality() != quic.Bidirectional {
			s.CancelRead(0)
			s.Close()
			continue
		}
		go echo(s, logger)
	}
}

// echo writes back everything the peer sends and finishes the send side
// when the peer does.
func echo(s *quic.Stream, logger *slog.Logger) {
	defer s.Close()

	n, err := io.Copy(s, s)
	if err != nil {
		logger.Debug("echo failed", "stream_id", s.ID(), "error", err)
		s.Abort(1)
		return
	}
	if err := s.CloseWrite(); err != nil {
		return
	}
	<-s.Done()

	logger.Debug("echoed stream", "stream_id", s.ID(), "bytes", n)
}
