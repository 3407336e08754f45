package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// RequestOption configures a single Request call.
type RequestOption func(*requestOptions)

// RequestHandlerFunc handles an inbound request. The returned value is marshaled as the
// result. Returning a JSONRPCError forwards its code, message and data to the peer verbatim;
// any other error is reported to the peer as an InternalError.
type RequestHandlerFunc func(ctx context.Context, req Request) (any, error)

// NotificationHandlerFunc handles an inbound notification. Errors are logged and otherwise
// swallowed, as notifications have no response channel. Notification handlers run on the
// transport's read path in arrival order, so they must not wait on a Request of their own.
type NotificationHandlerFunc func(ctx context.Context, n Notification) error

// Request is an inbound request as seen by a RequestHandlerFunc.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Notification is an inbound notification as seen by a NotificationHandlerFunc.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Protocol is the generic JSON-RPC engine shared by the Server and Client roles. It binds
// exactly one Transport at a time, correlates responses with the requests it issued, and
// dispatches inbound requests and notifications through method-keyed handler tables.
//
// Request ids come from a counter owned by the instance, so independent engines in one
// process never collide. Handler tables survive Close, so an instance can be reconnected to
// a new transport.
type Protocol struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	sendTimeout    time.Duration
	middleware     []Middleware
	onClose        func()
	onError        func(error)
	// onBind runs after a transport is bound and before it starts.
	onBind func()

	handlersMu           sync.RWMutex
	requestHandlers      map[string]requestHandler
	notificationHandlers map[string]notificationHandler

	// mu guards nextID and sess, including sess.pending.
	mu     sync.Mutex
	nextID int64
	sess   *binding
	closed bool

	handlers sync.WaitGroup
}

type requestHandler struct {
	params Validator
	fn     RequestHandlerFunc
}

type notificationHandler struct {
	params Validator
	fn     NotificationHandlerFunc
}

// binding is the state tied to one connected transport.
type binding struct {
	transport   Transport
	unsubscribe func()
	pending     map[RequestID]*pendingRequest
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

type pendingRequest struct {
	id       RequestID
	method   string
	result   Validator
	issuedAt time.Time
	deadline time.Time
	// replies holds exactly one outcome; only the path that removed the entry from the
	// pending table writes to it.
	replies chan pendingReply
}

type pendingReply struct {
	msg JSONRPCMessage
	err error
}

type requestOptions struct {
	timeout time.Duration
}

// protocolObserver delivers one binding's transport events to the engine.
type protocolObserver struct {
	p *Protocol
	b *binding
}

var defaultProtocolSendTimeout = 30 * time.Second

// NewProtocol creates an unconnected engine with empty handler tables.
func NewProtocol(options ...ProtocolOption) *Protocol {
	p := &Protocol{
		logger:               slog.Default(),
		requestHandlers:      make(map[string]requestHandler),
		notificationHandlers: make(map[string]notificationHandler),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.sendTimeout == 0 {
		p.sendTimeout = defaultProtocolSendTimeout
	}

	return p
}

// WithProtocolLogger sets the logger for the engine.
func WithProtocolLogger(logger *slog.Logger) ProtocolOption {
	return func(p *Protocol) {
		p.logger = logger.With(
			slog.String("package", "mcp-inspector"),
			slog.String("component", "protocol"),
		)
	}
}

// WithDefaultRequestTimeout sets the timeout applied to requests that don't pass WithTimeout.
// Zero, the default, means requests wait until answered, abandoned or closed.
func WithDefaultRequestTimeout(timeout time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.defaultTimeout = timeout
	}
}

// WithSendTimeout bounds how long the engine waits for the transport to accept a response it
// sends on behalf of a request handler.
func WithSendTimeout(timeout time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.sendTimeout = timeout
	}
}

// WithMiddleware wraps every inbound request handler with the given middleware, the first
// one being the outermost.
func WithMiddleware(middleware ...Middleware) ProtocolOption {
	return func(p *Protocol) {
		p.middleware = append(p.middleware, middleware...)
	}
}

// WithOnClose sets a callback invoked each time the bound transport terminates, whether by
// Close or by the peer.
func WithOnClose(onClose func()) ProtocolOption {
	return func(p *Protocol) {
		p.onClose = onClose
	}
}

// WithOnError sets a callback for non-fatal errors: transport errors and undeliverable or
// malformed inbound messages.
func WithOnError(onError func(error)) ProtocolOption {
	return func(p *Protocol) {
		p.onError = onError
	}
}

// WithTimeout rejects the request with ErrRequestTimeout if no reply arrived within timeout.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// Connect binds transport to the engine and starts it. An engine owns one transport at a
// time; connecting again requires Close, or the peer closing, first.
func (p *Protocol) Connect(ctx context.Context, transport Transport) error {
	p.mu.Lock()
	if p.sess != nil {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}

	hCtx, hCancel := context.WithCancel(context.Background())
	b := &binding{
		transport: transport,
		pending:   make(map[RequestID]*pendingRequest),
		done:      make(chan struct{}),
		ctx:       hCtx,
		cancel:    hCancel,
	}
	p.sess = b
	p.closed = false
	b.unsubscribe = transport.Subscribe(protocolObserver{p: p, b: b})
	p.mu.Unlock()

	if p.onBind != nil {
		p.onBind()
	}

	if err := transport.Start(ctx); err != nil {
		p.teardown(b)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	p.logger.Debug("transport connected")

	return nil
}

// Request sends a request for method and waits for its outcome. The call returns:
//   - the raw result, once a response arrives and passes the result validator;
//   - a *ValidationError, if the result fails validation;
//   - the peer's JSONRPCError, if an error response arrives;
//   - an error wrapping ErrRequestTimeout, if the timeout elapses first;
//   - an error wrapping ErrConnectionClosed, if the engine or transport closes first;
//   - ctx.Err(), if the caller abandons the request.
//
// On timeout or abandonment the pending entry is dropped, so a late response is discarded.
// No cancellation is sent to the peer.
func (p *Protocol) Request(
	ctx context.Context,
	method string,
	params any,
	result Validator,
	options ...RequestOption,
) (json.RawMessage, error) {
	opts := requestOptions{timeout: p.defaultTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	paramsBs, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	p.mu.Lock()
	b := p.sess
	if b == nil {
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrConnectionClosed
		}
		return nil, ErrNotConnected
	}
	id := NumberID(p.nextID)
	p.nextID++
	pr := &pendingRequest{
		id:       id,
		method:   method,
		result:   result,
		issuedAt: time.Now(),
		replies:  make(chan pendingReply, 1),
	}
	if opts.timeout > 0 {
		pr.deadline = pr.issuedAt.Add(opts.timeout)
	}
	b.pending[id] = pr
	p.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}

	p.logger.Debug("sending request", slog.String("method", method), slog.String("id", id.String()))

	if err := b.transport.Send(ctx, msg); err != nil {
		if p.claim(b, pr) {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		// The engine closed concurrently and already rejected the request.
		return p.awaitReply(pr)
	}

	var timeoutC <-chan time.Time
	if opts.timeout > 0 {
		timer := time.NewTimer(opts.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case reply := <-pr.replies:
		return p.handleReply(pr, reply)
	case <-timeoutC:
		if p.claim(b, pr) {
			p.logger.Warn("request timed out",
				slog.String("method", method),
				slog.String("id", id.String()),
				slog.Duration("timeout", opts.timeout))
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, opts.timeout)
		}
		return p.awaitReply(pr)
	case <-ctx.Done():
		if p.claim(b, pr) {
			p.logger.Debug("request abandoned", slog.String("method", method), slog.String("id", id.String()))
			return nil, ctx.Err()
		}
		return p.awaitReply(pr)
	}
}

// Notify sends a notification. It does not wait for, or expect, any reply.
func (p *Protocol) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}

	p.mu.Lock()
	b := p.sess
	closed := p.closed
	p.mu.Unlock()

	if b == nil {
		if closed {
			return ErrConnectionClosed
		}
		return ErrNotConnected
	}

	if err := b.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// SetRequestHandler registers the handler for method, replacing any previous one. Params
// are checked with params before the handler runs; a nil validator accepts anything.
func (p *Protocol) SetRequestHandler(method string, params Validator, handler RequestHandlerFunc) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	p.requestHandlers[method] = requestHandler{params: params, fn: handler}
}

// SetNotificationHandler registers the handler for notification method, replacing any
// previous one.
func (p *Protocol) SetNotificationHandler(method string, params Validator, handler NotificationHandlerFunc) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	p.notificationHandlers[method] = notificationHandler{params: params, fn: handler}
}

// RemoveRequestHandler unregisters the handler for method.
func (p *Protocol) RemoveRequestHandler(method string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	delete(p.requestHandlers, method)
}

// RemoveNotificationHandler unregisters the handler for notification method.
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	delete(p.notificationHandlers, method)
}

// Close closes the bound transport and rejects every pending request with
// ErrConnectionClosed. Handler tables are kept. Closing an unconnected engine is a no-op.
func (p *Protocol) Close() error {
	p.mu.Lock()
	b := p.sess
	p.mu.Unlock()

	if b == nil {
		return nil
	}

	p.teardown(b)

	if err := b.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Done returns a channel that is closed when the current transport binding ends. If no
// transport is bound, the returned channel is already closed.
func (p *Protocol) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.sess.done
}

// Wait blocks until every request handler started by the engine has returned.
func (p *Protocol) Wait() {
	p.handlers.Wait()
}

// PendingRequests returns the number of requests awaiting a reply.
func (p *Protocol) PendingRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return 0
	}
	return len(p.sess.pending)
}

// Call issues a request through p, validates the result with result and decodes it into R.
func Call[R any](
	ctx context.Context,
	p *Protocol,
	method string,
	params any,
	result Validator,
	options ...RequestOption,
) (R, error) {
	var res R

	raw, err := p.Request(ctx, method, params, result, options...)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, &ValidationError{Method: method, Direction: Inbound, Err: err}
	}
	return res, nil
}

// TypedRequestHandler adapts a function over decoded params to a RequestHandlerFunc. Params
// that cannot be decoded into P are answered with InvalidParams.
func TypedRequestHandler[P, R any](fn func(ctx context.Context, params P) (R, error)) RequestHandlerFunc {
	return func(ctx context.Context, req Request) (any, error) {
		var params P
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, InvalidParamsError(fmt.Sprintf("failed to unmarshal params: %s", err))
			}
		}
		return fn(ctx, params)
	}
}

// TypedNotificationHandler adapts a function over decoded params to a
// NotificationHandlerFunc.
func TypedNotificationHandler[P any](fn func(ctx context.Context, params P) error) NotificationHandlerFunc {
	return func(ctx context.Context, n Notification) error {
		var params P
		if len(n.Params) > 0 {
			if err := json.Unmarshal(n.Params, &params); err != nil {
				return fmt.Errorf("failed to unmarshal params: %w", err)
			}
		}
		return fn(ctx, params)
	}
}

func (o protocolObserver) OnMessage(msg JSONRPCMessage) {
	o.p.dispatch(o.b, msg)
}

func (o protocolObserver) OnError(err error) {
	o.p.reportError(err)
}

func (o protocolObserver) OnClose() {
	if o.p.teardown(o.b) {
		o.p.logger.Debug("transport closed by peer")
	}
}

func (p *Protocol) dispatch(b *binding, msg JSONRPCMessage) {
	if !p.isCurrent(b) {
		return
	}

	switch msg.Kind() {
	case KindRequest:
		p.handleRequest(b, msg)
	case KindNotification:
		p.handleNotification(b, msg)
	case KindResponse, KindErrorResponse:
		p.handleResponse(b, msg)
	default:
		p.logger.Warn("dropping invalid message",
			slog.String("jsonrpc", msg.JSONRPC),
			slog.String("method", msg.Method),
			slog.String("id", msg.ID.String()))
		p.reportError(fmt.Errorf("invalid message with id %s", msg.ID))
		if !msg.ID.IsZero() && msg.Method != "" {
			p.sendReplyAsync(b, NewErrorResponse(msg.ID, InvalidRequestError(errMsgInvalidRequest)))
		}
	}
}

func (p *Protocol) handleRequest(b *binding, msg JSONRPCMessage) {
	p.handlersMu.RLock()
	h, ok := p.requestHandlers[msg.Method]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Info("no handler for request", slog.String("method", msg.Method))
		p.sendReplyAsync(b, NewErrorResponse(msg.ID, MethodNotFoundError(msg.Method)))
		return
	}

	if err := validate(h.params, msg.Params); err != nil {
		p.logger.Info("invalid request params",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		jErr := InvalidParamsError(errMsgInvalidParams)
		jErr.Data = map[string]any{"error": err.Error()}
		p.sendReplyAsync(b, NewErrorResponse(msg.ID, jErr))
		return
	}

	req := Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}
	handler := ChainMiddleware(p.middleware...)(h.fn)

	// Handlers may issue requests of their own, so they must not run on the read path.
	p.handlers.Add(1)
	go func() {
		defer p.handlers.Done()
		p.sendReply(b, p.runRequestHandler(b.ctx, handler, req))
	}()
}

func (p *Protocol) runRequestHandler(ctx context.Context, handler RequestHandlerFunc, req Request) (res JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("request handler panicked",
				slog.String("method", req.Method),
				slog.Any("panic", r))
			res = NewErrorResponse(req.ID, InternalError())
		}
	}()

	result, err := handler(ctx, req)
	if err != nil {
		if jErr, ok := AsJSONRPCError(err); ok {
			p.logger.Info("request handler returned error",
				slog.String("method", req.Method),
				slog.String("err", jErr.Error()))
			return NewErrorResponse(req.ID, jErr)
		}
		p.logger.Error("request handler failed",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
		return NewErrorResponse(req.ID, InternalError())
	}

	msg, err := NewResponse(req.ID, result)
	if err != nil {
		p.logger.Error("failed to build response",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
		return NewErrorResponse(req.ID, InternalError())
	}
	return msg
}

func (p *Protocol) handleNotification(b *binding, msg JSONRPCMessage) {
	p.handlersMu.RLock()
	h, ok := p.notificationHandlers[msg.Method]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Debug("no handler for notification", slog.String("method", msg.Method))
		return
	}

	if err := validate(h.params, msg.Params); err != nil {
		p.logger.Warn("invalid notification params",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
		}
	}()

	if err := h.fn(b.ctx, Notification{Method: msg.Method, Params: msg.Params}); err != nil {
		p.logger.Warn("notification handler failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (p *Protocol) handleResponse(b *binding, msg JSONRPCMessage) {
	p.mu.Lock()
	pr, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("dropping response for unknown request", slog.String("id", msg.ID.String()))
		return
	}

	pr.replies <- pendingReply{msg: msg}
}

func (p *Protocol) handleReply(pr *pendingRequest, reply pendingReply) (json.RawMessage, error) {
	if reply.err != nil {
		return nil, reply.err
	}
	if reply.msg.Error != nil {
		return nil, *reply.msg.Error
	}
	if err := validate(pr.result, reply.msg.Result); err != nil {
		p.logger.Warn("invalid result",
			slog.String("method", pr.method),
			slog.String("err", err.Error()))
		return nil, &ValidationError{Method: pr.method, Direction: Inbound, Err: err}
	}

	p.logger.Debug("received response",
		slog.String("method", pr.method),
		slog.String("id", pr.id.String()),
		slog.Duration("elapsed", time.Since(pr.issuedAt)))

	return reply.msg.Result, nil
}

func (p *Protocol) awaitReply(pr *pendingRequest) (json.RawMessage, error) {
	return p.handleReply(pr, <-pr.replies)
}

// claim removes pr from the pending table, reporting whether the caller won the right to
// complete it.
func (p *Protocol) claim(b *binding, pr *pendingRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := b.pending[pr.id]
	if !ok || cur != pr {
		return false
	}
	delete(b.pending, pr.id)
	return true
}

// teardown detaches b from the engine and rejects its pending requests. It reports whether b
// was still the current binding.
func (p *Protocol) teardown(b *binding) bool {
	p.mu.Lock()
	if p.sess != b {
		p.mu.Unlock()
		return false
	}
	p.sess = nil
	p.closed = true
	pending := b.pending
	b.pending = make(map[RequestID]*pendingRequest)
	p.mu.Unlock()

	b.unsubscribe()
	b.cancel()
	close(b.done)

	for _, pr := range pending {
		pr.replies <- pendingReply{err: fmt.Errorf("%w: %s was pending", ErrConnectionClosed, pr.method)}
	}

	if p.onClose != nil {
		p.onClose()
	}
	return true
}

func (p *Protocol) isCurrent(b *binding) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sess == b
}

func (p *Protocol) sendReplyAsync(b *binding, msg JSONRPCMessage) {
	p.handlers.Add(1)
	go func() {
		defer p.handlers.Done()
		p.sendReply(b, msg)
	}()
}

func (p *Protocol) sendReply(b *binding, msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, p.sendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || !p.isCurrent(b) {
			p.logger.Debug("could not send reply after close", slog.String("id", msg.ID.String()))
			return
		}
		p.logger.Error("failed to send reply",
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
		p.reportError(err)
	}
}

func (p *Protocol) reportError(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
