package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// withRetry runs fn, retrying transient failures with linear backoff up to
// attempts tries. Validation and permission failures pass through
// untouched; a context deadline surfaces as ErrTimeout so callers can tell
// "gave up waiting" apart from "backend said no".
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return timeoutErr(cerr)
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff * time.Duration(i+1)):
		case <-ctx.Done():
			return timeoutErr(ctx.Err())
		}
	}
	return err
}

func timeoutErr(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, cause)
	}
	return cause
}
