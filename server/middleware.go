package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/oneagent/transportcore/protocol"
)

// Handler processes one JSON-RPC request and returns the response, or nil
// when no response is produced.
type Handler func(ctx context.Context, msg *protocol.JSONRPCMessage) *protocol.JSONRPCMessage

// Middleware wraps a Handler. Applied onion-style via Dispatcher.Use.
type Middleware func(Handler) Handler

// LoggingMiddleware logs every request with method, id, duration and
// outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *protocol.JSONRPCMessage) *protocol.JSONRPCMessage {
			start := time.Now()

			resp := next(ctx, msg)

			attrs := []any{
				slog.String("method", msg.Method),
				slog.String("id", msg.GetIDString()),
				slog.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				attrs = append(attrs,
					slog.Int("code", resp.Error.Code),
					slog.String("error", resp.Error.Message),
				)
				logger.Warn("request failed", attrs...)
			} else {
				logger.Info("request completed", attrs...)
			}
			return resp
		}
	}
}

// RecoveryMiddleware converts panics escaping downstream middleware into
// internal-error responses. The stack trace goes to the log, never to the
// client.
func RecoveryMiddleware(logger *slog.Logger, clock Clock) Middleware {
	if clock == nil {
		clock = SystemClock()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *protocol.JSONRPCMessage) (resp *protocol.JSONRPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered",
						slog.String("method", msg.Method),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					resp = protocol.NewError(msg.ID, protocol.InternalError, "internal error",
						map[string]interface{}{
							"timestamp": clock.Now().UTC().Format(time.RFC3339),
						})
				}
			}()
			return next(ctx, msg)
		}
	}
}

// MetricsCollector receives per-request measurements.
type MetricsCollector interface {
	RecordRequest(method string, duration time.Duration, success bool)
}

// MetricsMiddleware reports every request to the collector.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *protocol.JSONRPCMessage) *protocol.JSONRPCMessage {
			start := time.Now()

			resp := next(ctx, msg)

			success := resp == nil || resp.Error == nil
			collector.RecordRequest(msg.Method, time.Since(start), success)
			return resp
		}
	}
}
