package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Race when the deadline elapses before the operation completes.
var ErrTimeout = errors.New("timeout: operation did not complete in time")

// Race runs op and returns its result unless d elapses first, in which case ErrTimeout is returned.
// The context handed to op is cancelled on every exit path and the timer is always stopped, so a
// losing operation observes cancellation and no timer outlives the call. A non-positive d disables
// the deadline.
func Race[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, errors.New("timeout: operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d <= 0 {
		return op(opCtx)
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// IsTimeout reports whether err originated from an elapsed Race deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
