package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on unique-constraint violations and on
	// optimistic-concurrency mismatches.
	ErrConflict = errors.New("conflict")

	// ErrStorageUnavailable is returned once the retry budget for a
	// transient backend failure is exhausted. Clients should retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const retryAttempts = 3

// withRetry runs op, retrying transient backend failures with bounded
// exponential backoff (100ms, 400ms, 1600ms). Errors the server actually
// reported (constraint violations, bad SQL) are never retried.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 4
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		if err := op(); err != nil {
			if !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts), ctx))

	if err != nil && transient(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

// transient reports whether the error looks like a connectivity problem
// rather than a definitive server response.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
