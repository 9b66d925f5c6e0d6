// Package main is the entrypoint for h2server, a demo HTTP/2 echo server
// built on the stream engine.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"

	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/conn"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/http2/stream"
	"github.com/Chainguard-Wolfi-Bites-Back/socketry--protocol-http2/pkg/server/config"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	var logger *zap.Logger
	if cfg != nil {
		logger = cfg.Logger()
	}
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svr := conn.NewServer(ctx, conn.Options{
		Settings: cfg.Settings(),
		Handler:  &echoHandler{lg: logger},
	}, logger)

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Error("failed to listen", zap.String("addr", cfg.Server.Addr), zap.Error(err))
		exit(1, syncLogger)
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	go func() {
		serveErr := svr.Serve(listener)
		if serveErr != nil && errors.Cause(serveErr) != conn.ErrServerClosed {
			logger.Error("server stopped", zap.Error(serveErr))
		}
		cancel()
	}()

	<-ctx.Done()
	if sig != nil {
		logger.Info("got signal to exit", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	_ = svr.Shutdown(shutdownCtx)

	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

// echoHandler answers every request stream with 200 and a copy of the most
// recently received request DATA payload, empty if none has arrived yet.
type echoHandler struct {
	lg *zap.Logger
}

func (h *echoHandler) ServeStream(st *stream.Stream) {
	logger := h.lg.With(zap.Uint32("stream-id", st.ID()))

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/octet-stream"},
	}
	if err := st.SendHeaders(nil, fields, false); err != nil {
		logger.Error("failed to send response headers", zap.Error(err))
		return
	}
	if err := st.SendData(st.Data(), true); err != nil {
		logger.Error("failed to send response body", zap.Error(err))
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
