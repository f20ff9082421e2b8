package kernelerrors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
)

// UnaryServerInterceptor recovers from a panic raised while serving a host
// RPC and converts it into an Internal kernel error, so a malformed request
// can never bring down the façade's gRPC server.
func UnaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return recovery.UnaryServerInterceptor(
		recovery.WithRecoveryHandler(func(p any) (err error) {
			logger.Warn("request failed with panic", slog.String("stacktrace", fmt.Sprintf("%v", p)))
			return Internal("panic recovered while serving request", nil).Err()
		}),
	)
}

// Err adapts a kernel error into a plain error for callers that only want
// the standard error interface (e.g. as a grpc handler return value).
func (e *Error) Err() error { return e }

// InternalErrorInterceptor normalizes any error that escapes a handler
// without already being a *Error into an Internal kernel error, logging the
// original cause so it isn't silently swallowed.
func InternalErrorInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		logger.ErrorContext(ctx, "encountered internal error while serving request",
			slog.String("method", info.FullMethod), slog.String("internal_error", err.Error()))
		return nil, Internal("internal error encountered", err).Err()
	}
}
