// Command quicecho runs an echo server and client over the quic package.
//
//	quicecho serve [-config file] [-addr host:port]
//	quicecho ping  [-config file] [-addr host:port] [-count n] [message]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/okdaichi/quictransport/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(ctx, args)
	case "ping":
		err = runPing(ctx, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("quicecho failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quicecho serve|ping [flags]")
}

// commonFlags registers the flags every subcommand shares.
type commonFlags struct {
	config string
	addr   string
}

func (f *commonFlags) register(fs *flag.FlagSet, defaultAddr string) {
	fs.StringVar(&f.config, "config", "", "config file (default: QUICECHO_CONFIG or ./quicecho.yaml)")
	fs.StringVar(&f.addr, "addr", defaultAddr, "address to listen on or dial")
}

func (f *commonFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
