package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OpenInputTimeout opens an input stream, giving up after timeout.
//
// The open call runs on its own goroutine so a hung driver never blocks the caller past
// the deadline. A stream that finishes opening after the deadline is closed in the background.
func OpenInputTimeout(ctx context.Context, b Backend, cfg StreamConfig, cb Callback, timeout time.Duration) (InputStream, error) {
	return openWithTimeout(ctx, timeout, func() (InputStream, error) {
		return b.OpenInput(cfg, cb)
	})
}

// OpenOutputTimeout opens an output stream, giving up after timeout.
func OpenOutputTimeout(ctx context.Context, b Backend, cfg StreamConfig, timeout time.Duration) (OutputStream, error) {
	return openWithTimeout(ctx, timeout, func() (OutputStream, error) {
		return b.OpenOutput(cfg)
	})
}

type closer interface {
	Close() error
}

func openWithTimeout[T closer](ctx context.Context, timeout time.Duration, open func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		stream T
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := open()
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.stream.Close()
			}
		}()
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrOpenTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
