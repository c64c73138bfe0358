package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/itsabgr/mergeio/duplex"
	"github.com/itsabgr/mergeio/internal/config"
	"github.com/itsabgr/mergeio/internal/logging"
	"github.com/itsabgr/mergeio/internal/transport"
	"github.com/itsabgr/mergeio/internal/tunnel"
)

func must[R any](r R, e error) R {
	if e != nil {
		log.Fatal(e)
	}
	return r
}

var (
	flagConfig    = flag.String("config", "", "path to TOML config file")
	flagMode      = flag.String("mode", "", "dial or listen (overrides config)")
	flagTransport = flag.String("transport", "", "tcp, ws, dtls, grpc or quic (overrides config)")
	flagAddr      = flag.String("addr", "", "remote or listen address (overrides config)")
	flagLogLevel  = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
)

func main() {
	flag.Parse()

	cfg := must(config.Load(*flagConfig))
	if *flagMode != "" {
		cfg.Tunnel.Mode = *flagMode
	}
	if *flagTransport != "" {
		cfg.Tunnel.Transport = *flagTransport
	}
	if *flagAddr != "" {
		cfg.Tunnel.Addr = *flagAddr
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := must(logging.Setup(cfg.Log))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Tunnel); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tunnel failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, c config.TunnelConfig) error {
	logger := zap.L().With(zap.String("transport", c.Transport), zap.String("addr", c.Addr))

	tr, err := transport.ByName(c.Transport)
	if err != nil {
		return err
	}

	var remote io.ReadWriteCloser
	switch c.Mode {
	case config.ModeListen:
		ln, err := tr.Listen(ctx, c.Addr)
		if err != nil {
			return err
		}
		defer func() { _ = ln.Close() }()
		logger.Info("listening", zap.Stringer("local", ln.Addr()))
		if remote, err = ln.Accept(ctx); err != nil {
			return err
		}
	default:
		if remote, err = tr.Dial(ctx, c.Addr); err != nil {
			return err
		}
	}
	defer func() { _ = remote.Close() }()
	logger.Info("connected")

	local := duplex.New(os.Stdin, os.Stdout)
	err = tunnel.Pipe(ctx, local, remote, c.BufferSize)
	logger.Info("disconnected", zap.Error(err))
	return err
}
