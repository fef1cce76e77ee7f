package store

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jmdev3/conclave/internal/retry"
)

// classify maps a database error onto the retry taxonomy. Unique and
// serialization violations are conflicts (another actor won the race);
// timeouts and network failures are transient; constraint and
// authorization failures are rejected.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return retry.Rejected(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return retry.Transient(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "23505": // unique_violation
			return retry.Conflict(err)
		case code == "40001" || code == "40P01": // serialization, deadlock
			return retry.Conflict(err)
		case strings.HasPrefix(code, "08"): // connection exceptions
			return retry.Transient(err)
		case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "28"), strings.HasPrefix(code, "42"):
			return retry.Rejected(err)
		}
		return &retry.Error{Class: retry.ClassUnknown, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient(err)
	}
	return &retry.Error{Class: retry.ClassUnknown, Err: err}
}
