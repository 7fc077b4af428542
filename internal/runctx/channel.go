package runctx

import (
	"context"

	"portal-client/internal/logging"
)

// RecvOrDone receives from in unless ctx ends first. ok is false when the
// context is done or the channel is closed.
func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled", logging.Field("error", ctx.Err()))
		var zero T
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
		}
		return v, ok
	}
}

// SendOrDone delivers value on out unless ctx ends first.
func SendOrDone[T any](ctx context.Context, name string, logger *logging.Logger, out chan<- T, value T) bool {
	if logger == nil {
		panic("runctx.SendOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context canceled before send", logging.Field("error", ctx.Err()))
		return false
	case out <- value:
		return true
	}
}

// SendLatest delivers value on a buffered out without blocking. An unread
// value already in the buffer is discarded so the reader only ever sees the
// newest state. It returns false once ctx is done.
func SendLatest[T any](ctx context.Context, name string, logger *logging.Logger, out chan T, value T) bool {
	if logger == nil {
		panic("runctx.SendLatest: logger must not be nil")
	}
	if cap(out) == 0 {
		return SendOrDone(ctx, name, logger, out, value)
	}
	for {
		if ctx.Err() != nil {
			logger.Debug("stopping "+name+": context canceled before send", logging.Field("error", ctx.Err()))
			return false
		}
		select {
		case out <- value:
			return true
		default:
		}
		select {
		case <-out:
			logger.Debug(name + ": replacing unread value")
		default:
		}
	}
}
