package service

import (
	"context"
	"errors"
	"time"
)

// Business errors exported for controllers and tests.
var (
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrChargeAlreadyRefunded = errors.New("charge already refunded")
	ErrInventoryNotFound     = errors.New("bundle not found in inventory")
	ErrNoActivationMaterial  = errors.New("order has no activation material to resend")
)

// TransientError marks provider failures worth retrying: timeouts and 5xx
// responses. Everything else is a permanent rejection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func isTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// withRetry runs fn up to attempts times, backing off exponentially between
// tries. Only transient errors are retried; permanent errors return at once.
func withRetry(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	wait := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
		if wait > max {
			wait = max
		}
	}
	return err
}
