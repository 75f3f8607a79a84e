// Package retry reruns failed operations with exponential backoff.
// Webhook delivery is the main consumer: a subscriber endpoint that is
// briefly down should still get its event once it recovers, while a
// request that can never succeed is not worth repeating.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that retrying cannot fix, such as a
// malformed request or a 4xx reply.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to attempts times. The sleep between tries starts at
// base and doubles each round, with ±25% jitter so parallel deliveries
// to a recovering endpoint do not line up. A *PermanentError stops the
// loop at once; cancelling ctx stops it during a sleep.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + rand.N(2*jitter+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return err
}
