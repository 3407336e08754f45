package mcp

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Middleware wraps an inbound request handler.
type Middleware func(next RequestHandlerFunc) RequestHandlerFunc

const (
	errMsgRateLimited    = "Rate limit exceeded"
	errMsgHandlerTimeout = "Request handler timed out"
)

// ChainMiddleware composes middleware into one, the first being the outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next RequestHandlerFunc) RequestHandlerFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs the method, duration and outcome of every handled request.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next RequestHandlerFunc) RequestHandlerFunc {
		return func(ctx context.Context, req Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)

			attrs := []any{
				slog.String("method", req.Method),
				slog.String("id", req.ID.String()),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(attrs, slog.String("err", err.Error()))...)
				return res, err
			}
			logger.Info("request handled", attrs...)
			return res, nil
		}
	}
}

// RateLimitMiddleware rejects requests beyond r per second, allowing bursts of burst, with
// a CodeRateLimited error.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next RequestHandlerFunc) RequestHandlerFunc {
		return func(ctx context.Context, req Request) (any, error) {
			if !limiter.Allow() {
				return nil, JSONRPCError{
					Code:    CodeRateLimited,
					Message: errMsgRateLimited,
					Data:    map[string]any{"method": req.Method},
				}
			}
			return next(ctx, req)
		}
	}
}

// TimeoutMiddleware cancels the handler's context after timeout and answers with an
// InternalError if the handler has not returned by then.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next RequestHandlerFunc) RequestHandlerFunc {
		return func(ctx context.Context, req Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				res any
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := next(ctx, req)
				done <- outcome{res: res, err: err}
			}()

			select {
			case o := <-done:
				return o.res, o.err
			case <-ctx.Done():
				return nil, JSONRPCError{Code: CodeInternalError, Message: errMsgHandlerTimeout}
			}
		}
	}
}
