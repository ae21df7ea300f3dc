package storage

import (
	"context"

	"github.com/juank159/agendity-backend-sub000/libs/db"
)

// TryAdvisoryLock attempts a session-level pg advisory lock. Used as
// best-effort leader election so only one instance runs the daily sweep.
func TryAdvisoryLock(ctx context.Context, pool *db.Pool, key int64) (bool, error) {
	var locked bool
	err := pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked)
	return locked, err
}

func ReleaseAdvisoryLock(ctx context.Context, pool *db.Pool, key int64) error {
	_, err := pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}

// AdvisoryLock binds one advisory-lock key to a pool.
type AdvisoryLock struct {
	pool *db.Pool
	key  int64
}

func NewAdvisoryLock(pool *db.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	return TryAdvisoryLock(ctx, l.pool, l.key)
}

func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	return ReleaseAdvisoryLock(ctx, l.pool, l.key)
}
