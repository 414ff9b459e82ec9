package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with sliding window and lockout.
type PG struct {
	pool     Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or transaction.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether sign-in is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, key []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM signin_limiter WHERE account_hash=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, key).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for key.
func (l *PG) Success(ctx context.Context, key []byte) error {
	const q = `
INSERT INTO signin_limiter (account_hash, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (account_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, key)
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, key []byte) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO signin_limiter (account_hash, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (account_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - signin_limiter.updated_at > $2::interval THEN 1 ELSE signin_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, key, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		const upd = `UPDATE signin_limiter SET blocked_until=$2 WHERE account_hash=$1`
		if _, err := l.pool.Exec(ctx, upd, key, now.Add(l.blockFor)); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
