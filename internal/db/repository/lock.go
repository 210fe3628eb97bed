package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"resultcache/internal/domain"
)

var _ domain.LockRepository = (*LockRepo)(nil)

// retryInterval is how long an acquirer sleeps between attempts while the
// lock is held by someone else.
const retryInterval = 50 * time.Millisecond

// LockRepo implements cluster-wide, lease-expiring mutual exclusion on top of
// the shared store. A lock is a row in cluster_locks; acquisition reaps
// expired rows and races on the primary key, so exactly one process in the
// fleet can hold a given name at a time. Leases make a crashed holder's lock
// reclaimable without operator action.
type LockRepo struct {
	db *sql.DB
}

// NewLockRepo creates a new LockRepo.
func NewLockRepo(db *sql.DB) *LockRepo {
	return &LockRepo{db: db}
}

// TryLock attempts to acquire the named lock, blocking up to wait. On success
// it returns the owner token needed to unlock. Failure to acquire within the
// wait is a LockedError, never silent.
func (r *LockRepo) TryLock(ctx context.Context, name string, wait, lease time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		acquired, err := r.tryAcquire(ctx, name, token, lease)
		if err != nil {
			return "", err
		}
		if acquired {
			return token, nil
		}

		if time.Now().Add(retryInterval).After(deadline) {
			return "", domain.ErrLocked("lock %q not obtained within %s", name, wait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (r *LockRepo) tryAcquire(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	now := time.Now().UnixMilli()

	// Reap an expired holder first so its row does not block the insert.
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM cluster_locks WHERE name = ? AND expires_at_millis <= ?
	`, name, now); err != nil {
		return false, mapDBError(err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cluster_locks (name, owner, expires_at_millis)
		VALUES (?, ?, ?)
	`, name, token, now+lease.Milliseconds())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, mapDBError(err)
	}
	return true, nil
}

// Unlock releases the named lock if the token still owns it. Releasing a
// lock whose lease already expired (and was possibly re-acquired) is a no-op.
func (r *LockRepo) Unlock(ctx context.Context, name, token string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cluster_locks WHERE name = ? AND owner = ?
	`, name, token)
	return mapDBError(err)
}

// ForceUnlock releases the named lock regardless of holder.
func (r *LockRepo) ForceUnlock(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cluster_locks WHERE name = ?
	`, name)
	return mapDBError(err)
}
