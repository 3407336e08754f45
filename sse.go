package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) endpoint pair. Each
// client that connects to HandleSSE becomes an SSEServerSession, a Transport whose
// outbound messages are pushed as "message" events and whose inbound messages arrive as
// HTTP POSTs to HandleMessage.
//
// Sessions are handed out by Accept. Instances must be created with NewSSEServer and
// closed with Close when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SSEServerSession

	accepted  chan *SSEServerSession
	done      chan struct{}
	closeOnce sync.Once
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// SSEServerSession is the Transport for one SSE client.
type SSEServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	obs observers

	// mu serializes writes to the event stream and guards it against Close.
	mu       sync.Mutex
	inbound  chan JSONRPCMessage
	done     chan struct{}
	started  sync.Once
	closeOne sync.Once
}

// SSEClient is a Transport that receives messages from an SSE stream and sends messages as
// HTTP POSTs to the endpoint the server announces. Instances should be created using
// NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	obs observers

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

const sseSessionInboundBuffer = 16

var errSSEStreamEnded = errors.New("SSE stream ended before the endpoint event")

// NewSSEServer creates an SSE server that tells clients to post their messages to
// messageURL.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(map[string]*SSEServerSession),
		accepted:   make(chan *SSEServerSession),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the server and its sessions.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The connection is established by Start.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "sse-client"),
		)
	}
}

// Accept waits for the next client to connect and returns its session.
func (s *SSEServer) Accept(ctx context.Context) (*SSEServerSession, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrConnectionClosed
	case sess := <-s.accepted:
		return sess, nil
	}
}

// Close closes every live session and stops accepting new ones.
func (s *SSEServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	sessions := make([]*SSEServerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received the request to establish a new SSE session.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Register the session before announcing it, the client may post right away.
		srvSession := &SSEServerSession{
			id:      sessID,
			sess:    sess,
			logger:  s.logger.With(slog.String("sessionID", sessID)),
			inbound: make(chan JSONRPCMessage, sseSessionInboundBuffer),
			done:    make(chan struct{}),
		}

		s.mu.Lock()
		s.sessions[sessID] = srvSession
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
		}()

		// Form an url for the client that can be used to communicate with the server session.
		endpoint, err := sessionEndpoint(s.messageURL, sessID)
		if err != nil {
			s.logger.Error("failed to build endpoint URL", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		select {
		case s.accepted <- srvSession:
		case <-r.Context().Done():
			_ = srvSession.Close()
			return
		case <-s.done:
			_ = srvSession.Close()
			return
		}

		// Block until the session is closed, so the connection is left open.
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", slog.String("sessionID", sessID))
			_ = srvSession.Close()
		case <-srvSession.done:
		}
	})
}

// sessionEndpoint adds the sessionID query parameter to messageURL, keeping any query it
// already has.
func sessionEndpoint(messageURL, sessID string) (string, error) {
	u, err := url.Parse(messageURL)
	if err != nil {
		return "", fmt.Errorf("invalid message URL %q: %w", messageURL, err)
	}
	q := u.Query()
	q.Set("sessionID", sessID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded message
// body, and routes the message to that session.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage

		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			sess.obs.error(nErr)
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case sess.inbound <- msg:
		case <-sess.done:
			http.Error(w, "session is closed", http.StatusGone)
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// ID returns the session id announced to the client.
func (s *SSEServerSession) ID() string { return s.id }

// Subscribe implements Transport.
func (s *SSEServerSession) Subscribe(observer Observer) func() {
	return s.obs.subscribe(observer)
}

// Start implements Transport. Messages posted before Start are buffered.
func (s *SSEServerSession) Start(_ context.Context) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	s.started.Do(func() {
		go s.deliverMessages()
	})
	return nil
}

// Send implements Transport, pushing msg to the client as a "message" event.
func (s *SSEServerSession) Send(_ context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	if err := s.sess.Send(sseMsg); err != nil {
		s.logger.Warn("failed to send message", slog.String("err", err.Error()))
		s.obs.error(err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
		s.obs.error(err)
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// Close implements Transport. It ends the event stream.
func (s *SSEServerSession) Close() error {
	s.closeOne.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.obs.close()
	})
	return nil
}

func (s *SSEServerSession) deliverMessages() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbound:
			s.obs.message(msg)
		}
	}
}

// Subscribe implements Transport.
func (s *SSEClient) Subscribe(observer Observer) func() {
	return s.obs.subscribe(observer)
}

// Start implements Transport. It opens the event stream and waits, bounded by ctx, until
// the server announced the endpoint to post messages to. The stream itself outlives ctx and
// ends with Close.
func (s *SSEClient) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case err := <-ready:
		stop()
		if err != nil {
			_ = s.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

// Send implements Transport, posting msg to the announced endpoint.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()
	if messageURL == "" {
		return ErrNotConnected
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Close implements Transport. It drops the event stream.
func (s *SSEClient) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		close(s.done)
		s.obs.close()
	})
	return nil
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		_ = s.Close()
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
				s.obs.error(fmt.Errorf("failed to read SSE message: %w", err))
			}
			break
		}

		switch ev.Type {
		case "endpoint":
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				if !announced {
					ready <- err
				}
				return
			}
			s.mu.Lock()
			s.messageURL = u
			s.mu.Unlock()
			if !announced {
				announced = true
				ready <- nil
			}
		case "message":
			// Messages before the endpoint announcement mean the stream is out of order.
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
				s.obs.error(fmt.Errorf("failed to unmarshal message: %w", err))
				continue
			}

			s.obs.message(msg)
		default:
			s.logger.Warn("unhandled event type", slog.Any("type", ev.Type))
		}
	}

	if !announced {
		ready <- errSSEStreamEnded
	}
}

// resolveEndpoint resolves the announced endpoint against the connect URL, so servers may
// announce a path only.
func (s *SSEClient) resolveEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
