package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Class buckets a remote-call failure for retry decisions.
type Class int

const (
	// ClassUnknown covers failures we cannot attribute; never retried.
	ClassUnknown Class = iota
	// ClassTransient covers connectivity and timeout failures; retried.
	ClassTransient
	// ClassConflict covers optimistic-concurrency losses (another actor
	// got there first); retried, since a re-read usually resolves it.
	ClassConflict
	// ClassRejected covers validation/authorization failures; never retried.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error carries a failure class alongside the underlying error.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable connectivity/timeout failure.
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Conflict wraps err as a retryable concurrency conflict.
func Conflict(err error) error {
	return &Error{Class: ClassConflict, Err: err}
}

// Rejected wraps err as a non-retryable validation/authorization failure.
func Rejected(err error) error {
	return &Error{Class: ClassRejected, Err: err}
}

// ClassOf extracts the failure class from err. Context cancellation and
// deadline expiry count as transient so callers can re-drive them later.
func ClassOf(err error) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassUnknown
}

// Policy is a stateless description of how to retry one remote call.
// Retry state lives entirely inside Do; policies are safe to share.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// MaxElapsed bounds total backoff time across attempts. Zero means
	// no elapsed-time bound.
	MaxElapsed time.Duration
}

// DelayFor returns the backoff delay applied after the given attempt
// (1-based): BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) retryable(c Class) bool {
	return c == ClassTransient || c == ClassConflict
}

// Do runs fn, retrying transient and conflict failures with exponential
// backoff until the policy's attempt or elapsed bounds are exhausted.
func Do(ctx context.Context, clock clockwork.Clock, p Policy, op string, fn func(ctx context.Context) error) error {
	start := clock.Now()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		class := ClassOf(err)
		if !p.retryable(class) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: %d attempts exhausted: %w", op, attempt, err)
		}

		delay := p.DelayFor(attempt)
		if p.MaxElapsed > 0 && clock.Since(start)+delay > p.MaxElapsed {
			return fmt.Errorf("%s: backoff budget exhausted after %d attempts: %w", op, attempt, err)
		}

		log.Warn().
			Err(err).
			Str("op", op).
			Str("class", class.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying after failure")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
}
