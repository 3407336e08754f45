package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	mcp "github.com/MegaGrindStone/mcp-inspector"
	"github.com/MegaGrindStone/mcp-inspector/internal/config"
)

// connection is a transport plus whatever must be supervised and torn down with it.
type connection struct {
	transport mcp.Transport
	// wait, if set, blocks until the server process exits.
	wait func() error
	// stopProcess asks the server process to exit and exited is closed once it has.
	stopProcess context.CancelFunc
	exited      chan struct{}
}

type pipeCloser struct {
	stdin  io.Closer
	stdout io.Closer
}

func (p pipeCloser) Close() error {
	return errors.Join(p.stdin.Close(), p.stdout.Close())
}

func dial(ctx context.Context, srvCfg config.ServerConfig, logger *slog.Logger) (*connection, error) {
	switch srvCfg.Transport {
	case config.TransportSSE:
		return &connection{
			transport: mcp.NewSSEClient(srvCfg.URL, nil, mcp.WithSSEClientLogger(logger)),
		}, nil
	case config.TransportStdIO:
		return startProcess(ctx, srvCfg, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", srvCfg.Transport)
	}
}

func startProcess(ctx context.Context, srvCfg config.ServerConfig, logger *slog.Logger) (*connection, error) {
	procCtx, stopProcess := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, srvCfg.Command, srvCfg.Args...)
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range srvCfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = processExitGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		stopProcess()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stopProcess()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stopProcess()
		return nil, fmt.Errorf("failed to start %s: %w", srvCfg.Command, err)
	}
	logger.Debug("server process started", slog.String("command", srvCfg.Command), slog.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	wait := func() error {
		defer close(exited)

		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			return fmt.Errorf("server process exited: %w", err)
		}
		return nil
	}

	return &connection{
		transport: mcp.NewStdIO(stdout, stdin,
			mcp.WithStdIOLogger(logger),
			mcp.WithStdIOCloser(pipeCloser{stdin: stdin, stdout: stdout})),
		wait:        wait,
		stopProcess: stopProcess,
		exited:      exited,
	}, nil
}

// shutdown closes the session and gives the server process a moment to exit on its own
// before it is interrupted.
func (c *connection) shutdown(client *mcp.Client) {
	_ = client.Close()

	if c.stopProcess == nil {
		return
	}
	select {
	case <-c.exited:
	case <-time.After(processExitGrace):
	}
	c.stopProcess()
}
