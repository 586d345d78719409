// Package retry provides the bounded polling loop shared by every component
// that waits on external state (gateway conditions, certificate readiness,
// DNS propagation).
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTimedOut is returned when a condition did not become true within the
// configured attempt budget. Callers treat it as a soft failure and decide
// whether to warn, prompt, or halt.
var ErrTimedOut = errors.New("timed out waiting for condition")

// ConditionFunc reports whether the awaited state was reached. A non-nil
// error aborts the loop immediately; transient failures that should be
// tolerated must be swallowed by the condition itself and reported as
// not-done.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Until polls condition up to maxAttempts times, sleeping interval between
// attempts. The first attempt runs immediately. The loop stops early when
// ctx is cancelled, returning the context error.
func Until(ctx context.Context, interval time.Duration, maxAttempts int, condition ConditionFunc) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= maxAttempts {
			return ErrTimedOut
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
