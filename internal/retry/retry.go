// Package retry runs short retry loops around calls to external
// dependencies, the payment processor above all. Backoff doubles per
// attempt and carries jitter so a burst of failing charges does not
// resynchronize into a thundering herd against a recovering downstream.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying. Do unwraps it
// and returns the inner error unchanged.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up immediately. Callers use it for
// processor declines and validation failures, where repeating the call
// can only produce the same answer.
func Permanent(err error) error { return &PermanentError{Err: err} }

// Do invokes fn until it succeeds, up to maxAttempts calls. The sleep
// between attempts starts at baseDelay and doubles each round, with
// +-25% jitter. Do returns early when fn succeeds, when fn reports a
// permanent error, or when ctx is done mid-backoff.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(baseDelay << (attempt - 1))):
		}
	}
}

// jittered spreads d across [0.75d, 1.25d] so concurrent retry loops
// against the same downstream drift apart.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	span := d / 2
	return d - span/2 + time.Duration(randInt64(int64(span)+1))
}

// randInt64 returns a value in [0, n) without needing a seeded source.
func randInt64(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return int64(binary.BigEndian.Uint64(buf[:])>>1) % n
}
