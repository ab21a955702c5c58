// internal/database/retry.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetryExhausted is returned when a serializable transaction keeps
// conflicting past the bounded attempt count. Callers treat it as transient.
var ErrRetryExhausted = errors.New("database: serializable retry attempts exhausted")

const (
	serializableAttempts = 3
	retryBackoff         = 50 * time.Millisecond
)

// isSerializationFailure classifies a transaction error as a retryable
// conflict (serialization failure or deadlock) versus a fatal error.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

// withSerializableRetry runs fn inside a SERIALIZABLE transaction, retrying
// on conflict with a fixed backoff. Required for durable mutations that race
// with writers outside this process, e.g. host reassignment and
// capacity-checked joins.
func (s *Store) withSerializableRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrRetryExhausted, err)
}
