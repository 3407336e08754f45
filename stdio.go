package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdIO is a Transport that frames JSON-RPC messages as one JSON object per line over an
// io.Reader/io.Writer pair, such as a process's stdin and stdout or the pipes of a
// subprocess.
//
// Writes are serialized through a single writer goroutine, so Send may be called
// concurrently. A line that is not valid JSON is reported to the error observers and
// skipped. The end of the reader closes the transport.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	obs observers

	writeMessages chan stdIOMessage
	done          chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

var errAlreadyStarted = errors.New("transport already started")

// NewStdIO creates a transport reading from reader and writing to writer. It does nothing
// until Start is called.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "stdio"),
		)
	}
}

// WithStdIOCloser makes Close also close c, typically the pipes the transport reads from
// and writes to, so that a blocked read returns.
func WithStdIOCloser(c io.Closer) StdIOOption {
	return func(s *StdIO) {
		s.closer = c
	}
}

// Subscribe implements Transport.
func (s *StdIO) Subscribe(observer Observer) func() {
	return s.obs.subscribe(observer)
}

// Start implements Transport. It launches the read and write loops and returns immediately.
func (s *StdIO) Start(_ context.Context) error {
	err := errAlreadyStarted
	s.startOnce.Do(func() {
		select {
		case <-s.done:
			err = ErrConnectionClosed
			return
		default:
		}
		err = nil
		go s.processWriteMessages()
		go s.readMessages()
	})
	return err
}

// Send implements Transport.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for sending to avoid racing writes on the underlying writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
			s.obs.error(fmt.Errorf("failed to write message: %w", err))
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	}
}

// Close implements Transport. It stops both loops, closes the configured closer and notifies
// close observers. Calling it more than once is a no-op.
func (s *StdIO) Close() error {
	s.shutdown()
	return s.closeErr
}

func (s *StdIO) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close stdio: %w", err)
			}
		}
		s.obs.close()
	})
}

func (s *StdIO) readMessages() {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", err.Error()))
					s.obs.error(fmt.Errorf("failed to read message: %w", err))
				}
				s.logger.Debug("stdio reader closed")
			}
			s.shutdown()
			return
		}

		line = strings.TrimSpace(line)
		if line != "" {
			s.deliver(line)
		}

		// A final unterminated line was delivered above.
		if err != nil {
			s.shutdown()
			return
		}
	}
}

func (s *StdIO) deliver(line string) {
	select {
	case <-s.done:
		return
	default:
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		s.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
		s.obs.error(fmt.Errorf("failed to unmarshal message: %w", err))
		return
	}

	s.obs.message(msg)
}

func (s *StdIO) processWriteMessages() {
	for {
		// Process writing the message queue until the transport is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
