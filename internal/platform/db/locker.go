package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/lock"
)

// Postgres error codes treated as booking contention.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const contendedMessage = "slot is being booked concurrently, re-check availability and retry"

// PGLocker implements lock.Locker with transaction-scoped advisory locks.
// The locking transaction is placed in the context handed to fn, so every
// repository call inside fn reads and writes under the same locks and the
// commit releases them.
type PGLocker struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ lock.Locker = (*PGLocker)(nil)

func NewPGLocker(pool *pgxpool.Pool, lockTimeout time.Duration) *PGLocker {
	return &PGLocker{pool: pool, lockTimeout: lockTimeout}
}

func (l *PGLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin lock transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if l.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", l.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	for _, key := range lock.SortedUnique(keys) {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
			return contention(fmt.Errorf("acquire lock %q: %w", key, err))
		}
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		return contention(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return contention(fmt.Errorf("commit lock transaction: %w", err))
	}
	return nil
}

// TryWithLock takes a session-level advisory lock on a dedicated connection
// without waiting. fn runs outside any transaction so its writes commit as
// they happen.
func (l *PGLocker) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&ok); err != nil {
		return false, fmt.Errorf("try lock %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Unlock on a fresh context so a cancelled caller still frees the lease.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock(hashtextextended($1, 0))", key); err != nil {
			conn.Conn().Close(unlockCtx)
		}
	}()

	return true, fn(ctx)
}

// contention converts lock timeouts and serialization failures into the
// availability error callers use to re-check and retry. Other errors pass
// through unchanged.
func contention(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
		return &apperr.Error{
			Kind:    apperr.KindAvailability,
			Reason:  apperr.ReasonContended,
			Message: contendedMessage,
			Err:     err,
		}
	}
	return err
}
