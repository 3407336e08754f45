// Command everything runs the demonstration server over stdio or SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/mcp-inspector"
	"github.com/MegaGrindStone/mcp-inspector/internal/everything"
)

type options struct {
	transport string
	addr      string
	baseURL   string
	logLevel  string
	rate      float64
	burst     int
	strict    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.transport, "transport", "stdio", "transport to serve on: stdio or sse")
	flag.StringVar(&opts.addr, "addr", ":8080", "listen address for the sse transport")
	flag.StringVar(&opts.baseURL, "base-url", "", "public base URL announced to sse clients (default http://localhost<addr>)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.Float64Var(&opts.rate, "rate", 0, "maximum requests per second per session, 0 disables limiting")
	flag.IntVar(&opts.burst, "burst", 10, "request burst allowed by -rate")
	flag.BoolVar(&opts.strict, "strict", false, "reject requests until the handshake completes")
	flag.Parse()

	// Stdout carries the protocol on stdio, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(opts.logLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch opts.transport {
	case "stdio":
		err = serveStdIO(ctx, logger, opts)
	case "sse":
		err = serveSSE(ctx, logger, opts)
	default:
		err = fmt.Errorf("unknown transport %q", opts.transport)
	}
	if err != nil {
		logger.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newServer(logger *slog.Logger, opts options) *mcp.Server {
	demo := everything.NewServer()

	middleware := []mcp.Middleware{mcp.LoggingMiddleware(logger)}
	if opts.rate > 0 {
		middleware = append(middleware, mcp.RateLimitMiddleware(opts.rate, opts.burst))
	}

	srvOpts := append(demo.Options(),
		mcp.WithServerLogger(logger),
		mcp.WithServerProtocolOptions(mcp.WithMiddleware(middleware...)),
		mcp.WithOnInitialized(func() {
			logger.Info("client initialized")
		}),
	)
	if opts.strict {
		srvOpts = append(srvOpts, mcp.WithStrictInitialization())
	}

	srv := mcp.NewServer(everything.Info, srvOpts...)
	demo.SetLogSink(srv.Log)
	return srv
}

func serveStdIO(ctx context.Context, logger *slog.Logger, opts options) error {
	srv := newServer(logger, opts)
	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))

	if err := srv.Connect(ctx, transport); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	return srv.Close()
}

func serveSSE(ctx context.Context, logger *slog.Logger, opts options) error {
	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = "http://localhost" + opts.addr
		if !strings.HasPrefix(opts.addr, ":") {
			baseURL = "http://" + opts.addr
		}
	}

	sse := mcp.NewSSEServer(baseURL+"/message", mcp.WithSSEServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())

	httpSrv := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", opts.addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			sess, err := sse.Accept(gCtx)
			if err != nil {
				return nil
			}

			srv := newServer(logger.With(slog.String("sessionID", sess.ID())), opts)
			if err := srv.Connect(gCtx, sess); err != nil {
				logger.Warn("failed to connect session", slog.String("err", err.Error()))
				continue
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()

		_ = sse.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
