// Package status provides the cluster-shared cached results status cache.
// All state transitions for a defined query id go through LockedUpdate, which
// serializes writers across the fleet via the lock repository.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"resultcache/internal/domain"
)

// lockPrefix namespaces per-query locks in the shared lock table.
const lockPrefix = "cached-results:"

// Cache mediates all access to cached query status records. Reads go straight
// to the repository; writes acquire the per-id cluster lock first.
type Cache struct {
	statuses domain.StatusRepository
	locks    domain.LockRepository
	logger   *slog.Logger

	lockWait  time.Duration
	lockLease time.Duration
}

// NewCache creates a status cache with the given lock timing.
func NewCache(statuses domain.StatusRepository, locks domain.LockRepository, lockWait, lockLease time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		statuses:  statuses,
		locks:     locks,
		logger:    logger,
		lockWait:  lockWait,
		lockLease: lockLease,
	}
}

// LockName returns the cluster lock name guarding one defined query id.
func LockName(definedQueryID string) string {
	return lockPrefix + definedQueryID
}

// Create inserts a brand-new status record under the per-id lock.
func (c *Cache) Create(ctx context.Context, status *domain.CachedQueryStatus) error {
	token, err := c.locks.TryLock(ctx, LockName(status.DefinedQueryID), c.lockWait, c.lockLease)
	if err != nil {
		return err
	}
	defer c.unlock(ctx, status.DefinedQueryID, token)

	if err := c.statuses.Create(ctx, status); err != nil {
		return err
	}
	return c.reindex(ctx, nil, status)
}

// Get returns the status record for a defined query id without locking.
func (c *Cache) Get(ctx context.Context, definedQueryID string) (*domain.CachedQueryStatus, error) {
	return c.statuses.Get(ctx, definedQueryID)
}

// Lookup resolves a key that may be a defined query id, alias, view name, or
// cached query id, in that order. A dangling index entry whose record is gone
// is treated as no match, not an error.
func (c *Cache) Lookup(ctx context.Context, key string) (*domain.CachedQueryStatus, error) {
	if key == "" {
		return nil, domain.ErrValidation("lookup key is required")
	}

	status, err := c.statuses.Get(ctx, key)
	if err == nil {
		return status, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	for _, kind := range []domain.LookupKind{domain.LookupAlias, domain.LookupView, domain.LookupCachedQueryID} {
		id, err := c.statuses.GetLookup(ctx, kind, key)
		if err != nil {
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		status, err := c.statuses.Get(ctx, id)
		if err != nil {
			if errors.As(err, &notFound) {
				c.logger.Warn("dangling status index entry",
					slog.String("kind", string(kind)),
					slog.String("key", key),
					slog.String("definedQueryId", id))
				continue
			}
			return nil, err
		}
		return status, nil
	}

	return nil, domain.ErrNotFound("no cached results query matches %q", key)
}

// LockedUpdate loads the record, applies fn, and persists the result, all
// under the per-id cluster lock. If fn returns an error nothing is written.
// The mutated record is returned on success.
func (c *Cache) LockedUpdate(ctx context.Context, definedQueryID string, fn func(*domain.CachedQueryStatus) error) (*domain.CachedQueryStatus, error) {
	token, err := c.locks.TryLock(ctx, LockName(definedQueryID), c.lockWait, c.lockLease)
	if err != nil {
		return nil, err
	}
	defer c.unlock(ctx, definedQueryID, token)

	current, err := c.statuses.Get(ctx, definedQueryID)
	if err != nil {
		return nil, err
	}
	before := *current

	if err := fn(current); err != nil {
		return nil, err
	}
	if err := c.statuses.Update(ctx, definedQueryID, current); err != nil {
		return nil, err
	}
	if err := c.reindex(ctx, &before, current); err != nil {
		return nil, err
	}
	return current, nil
}

// Remove deletes the record and every secondary index entry pointing at it,
// under the per-id lock. Removing an absent record is a no-op.
func (c *Cache) Remove(ctx context.Context, definedQueryID string) error {
	token, err := c.locks.TryLock(ctx, LockName(definedQueryID), c.lockWait, c.lockLease)
	if err != nil {
		return err
	}
	defer c.unlock(ctx, definedQueryID, token)

	current, err := c.statuses.Get(ctx, definedQueryID)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	if err := c.removeIndexEntries(ctx, current); err != nil {
		return err
	}
	return c.statuses.Remove(ctx, definedQueryID)
}

// ForceUnlock releases the per-id lock regardless of holder. Admin use only.
func (c *Cache) ForceUnlock(ctx context.Context, definedQueryID string) error {
	return c.locks.ForceUnlock(ctx, LockName(definedQueryID))
}

// reindex reconciles the secondary indices with the record's current keys.
// before is nil on create.
func (c *Cache) reindex(ctx context.Context, before, after *domain.CachedQueryStatus) error {
	type keyPair struct {
		kind     domain.LookupKind
		old, new string
	}
	pairs := []keyPair{
		{domain.LookupAlias, "", after.Alias},
		{domain.LookupView, "", after.View},
		{domain.LookupCachedQueryID, "", after.CachedQueryID},
	}
	if before != nil {
		pairs[0].old = before.Alias
		pairs[1].old = before.View
		pairs[2].old = before.CachedQueryID
	}

	for _, p := range pairs {
		if p.old == p.new {
			continue
		}
		if p.old != "" {
			if err := c.statuses.RemoveLookup(ctx, p.kind, p.old); err != nil {
				return err
			}
		}
		if p.new != "" {
			if err := c.statuses.PutLookup(ctx, p.kind, p.new, after.DefinedQueryID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) removeIndexEntries(ctx context.Context, status *domain.CachedQueryStatus) error {
	for _, e := range []struct {
		kind domain.LookupKind
		key  string
	}{
		{domain.LookupAlias, status.Alias},
		{domain.LookupView, status.View},
		{domain.LookupCachedQueryID, status.CachedQueryID},
	} {
		if e.key == "" {
			continue
		}
		if err := c.statuses.RemoveLookup(ctx, e.kind, e.key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) unlock(ctx context.Context, definedQueryID, token string) {
	if err := c.locks.Unlock(ctx, LockName(definedQueryID), token); err != nil {
		c.logger.Error("failed to release status lock",
			slog.String("definedQueryId", definedQueryID),
			slog.String("error", err.Error()))
	}
}
