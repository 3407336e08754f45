// Command mcp-inspect connects to an MCP server, performs the handshake and runs one
// request against it, printing the result as JSON.
//
// Usage:
//
//	mcp-inspect [flags] <command> [args...]
//
// Commands:
//
//	ping                      check that the server answers
//	tools [glob]              list tools
//	call <name> [json]        call a tool with a JSON object of arguments
//	resources [glob]          list resources
//	read <uri>                read a resource
//	prompts [glob]            list prompts
//	prompt <name> [k=v...]    render a prompt
//	loglevel <level>          set the minimum level of the server's log notifications
//
// The list commands follow every page and keep only the entries whose name, or URI for
// resources, matches the optional glob pattern.
//
// The server is taken from the -server entry of the -config profile, or given ad hoc with
// -command (stdio subprocess) or -url (SSE endpoint).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	mcp "github.com/MegaGrindStone/mcp-inspector"
	"github.com/MegaGrindStone/mcp-inspector/internal/config"
)

type flags struct {
	configPath  string
	server      string
	command     string
	url         string
	timeout     time.Duration
	showHistory bool
	logLevel    string
}

const processExitGrace = 2 * time.Second

var errUsage = errors.New("usage: mcp-inspect [flags] <command> [args...]")

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to a TOML profile")
	flag.StringVar(&f.server, "server", "", "server entry of the profile to use (default: the profile's defaultServer)")
	flag.StringVar(&f.command, "command", "", "run this command line as a stdio server instead of using the profile")
	flag.StringVar(&f.url, "url", "", "connect to this SSE endpoint instead of using the profile")
	flag.DurationVar(&f.timeout, "timeout", 0, "request timeout, overrides the profile")
	flag.BoolVar(&f.showHistory, "history", false, "print the request history after the command")
	flag.StringVar(&f.logLevel, "log-level", "", "log level, overrides the profile")
	flag.Parse()

	if err := run(f, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(f flags, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, srvCfg, err := resolveConfig(f)
	if err != nil {
		return err
	}

	level := cfg.SlogLevel()
	if f.logLevel != "" {
		if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
			return fmt.Errorf("invalid -log-level: %w", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	timeout := cfg.Client.Timeout
	if f.timeout > 0 {
		timeout = f.timeout
	}

	history := mcp.NewHistory(cfg.Client.HistorySize)
	clientOpts := []mcp.ClientOption{
		mcp.WithClientLogger(logger),
		mcp.WithHistory(history),
		mcp.WithLogReceiver(logPrinter{logger: logger}),
	}
	if timeout > 0 {
		clientOpts = append(clientOpts, mcp.WithClientRequestTimeout(timeout))
	}
	client := mcp.NewClient(mcp.Info{Name: cfg.Client.Name, Version: cfg.Client.Version}, clientOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	conn, err := dial(gCtx, srvCfg, logger)
	if err != nil {
		return err
	}
	if conn.wait != nil {
		g.Go(conn.wait)
	}

	g.Go(func() error {
		defer conn.shutdown(client)

		if err := client.Connect(gCtx, conn.transport); err != nil {
			return err
		}

		if err := execute(gCtx, client, os.Stdout, args); err != nil {
			return err
		}

		if f.showHistory {
			return printJSON(os.Stdout, history.Entries())
		}
		return nil
	})

	return g.Wait()
}

func resolveConfig(f flags) (*config.Config, config.ServerConfig, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return nil, config.ServerConfig{}, err
	}

	switch {
	case f.command != "":
		fields := strings.Fields(f.command)
		if len(fields) == 0 {
			return nil, config.ServerConfig{}, errors.New("-command is empty")
		}
		return cfg, config.ServerConfig{
			Transport: config.TransportStdIO,
			Command:   fields[0],
			Args:      fields[1:],
		}, nil
	case f.url != "":
		return cfg, config.ServerConfig{
			Transport: config.TransportSSE,
			URL:       f.url,
		}, nil
	}

	srvCfg, err := cfg.Server(f.server)
	if err != nil {
		return nil, config.ServerConfig{}, err
	}
	return cfg, srvCfg, nil
}

type logPrinter struct {
	logger *slog.Logger
}

func (p logPrinter) OnLog(params mcp.LogParams) {
	p.logger.Info("server log",
		slog.String("level", string(params.Level)),
		slog.String("logger", params.Logger),
		slog.Any("data", params.Data))
}
