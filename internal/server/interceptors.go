package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// LoggingInterceptor logs every RPC with its procedure, duration and
// error. Failed calls log at Warn, read-only calls at Debug, the rest at
// Info.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			attrs := []slog.Attr{
				slog.String("procedure", req.Spec().Procedure),
				slog.String("peer", req.Peer().Addr),
				slog.Duration("duration", time.Since(start)),
			}

			switch {
			case err != nil:
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "rpc completed with error", attrs...)
			case readOnly(req.Spec().Procedure):
				logger.LogAttrs(ctx, slog.LevelDebug, "rpc completed", attrs...)
			default:
				logger.LogAttrs(ctx, slog.LevelInfo, "rpc completed", attrs...)
			}

			return resp, err
		}
	}
}

func readOnly(procedure string) bool {
	switch procedure {
	case GetStatusProcedure, ListConnectionsProcedure, GetConnectionProcedure,
		ListEventsProcedure, ListSubscribersProcedure:
		return true
	}
	return false
}

// RecoveryInterceptor turns a panic in an operator call into
// CodeInternal. The log entry names the procedure and the calling peer,
// and marks calls that may have changed link or connection state.
func RecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				procedure := req.Spec().Procedure
				logger.ErrorContext(ctx, "operator call panicked",
					slog.String("procedure", procedure),
					slog.String("peer", req.Peer().Addr),
					slog.Bool("mutating", !readOnly(procedure)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = connect.NewError(connect.CodeInternal,
					fmt.Errorf("%s: %w", path.Base(procedure), ErrPanicRecovered))
			}()

			return next(ctx, req)
		}
	}
}

// LoggingInterceptorOption wraps LoggingInterceptor as a handler option.
func LoggingInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(LoggingInterceptor(logger))
}

// RecoveryInterceptorOption wraps RecoveryInterceptor as a handler option.
func RecoveryInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(RecoveryInterceptor(logger))
}
