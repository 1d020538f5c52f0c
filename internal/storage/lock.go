package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// TryAdvisoryLock attempts to acquire a session-level postgres advisory lock
// on a dedicated connection and returns a release func. Two tracker
// processes pointed at one database use it to avoid overlapping passes.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// The lock dies with the session; drop the connection instead of
			// returning it to the pool still holding the lock.
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

var _ AdvisoryLocker = (*Store)(nil)
