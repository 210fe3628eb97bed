package domain

import (
	"context"
	"time"
)

// QueryState is the terminal-state view of a running query in the external
// engine.
type QueryState string

const (
	QueryRunning  QueryState = "RUNNING"
	QueryClosed   QueryState = "CLOSED"
	QueryCanceled QueryState = "CANCELED"
	QueryFailed   QueryState = "FAILED"
)

// RunningQuery describes a query instance held by the external engine.
type RunningQuery struct {
	QueryID    string
	LogicName  string
	Query      string
	Visibility string
	State      QueryState
}

// EnginePage is one page of raw results from the external engine. Errors are
// exceptions embedded in an otherwise successful page; any entry aborts the
// load.
type EnginePage struct {
	Results []any
	Errors  []string
}

// QueryEngine is the paged-result query engine the loader drives. Next
// returns a nil page when results are exhausted, which also means the engine
// has already closed the query.
type QueryEngine interface {
	Duplicate(ctx context.Context, definedQueryID string, user ContextPrincipal) (string, error)
	Describe(ctx context.Context, runningQueryID string) (*RunningQuery, error)
	Next(ctx context.Context, runningQueryID string, user ContextPrincipal) (*EnginePage, error)
	Cancel(ctx context.Context, runningQueryID string, user ContextPrincipal) error
	Close(ctx context.Context, runningQueryID string, user ContextPrincipal) error
	Remove(ctx context.Context, runningQueryID string, user ContextPrincipal) error
}

// CacheCodec converts between engine results and cacheable rows.
type CacheCodec interface {
	WriteToCache(result any) (*CacheableRow, error)
	ReadFromCache(row *CacheableRow) (any, error)
}

// LogicRegistry resolves the codec for a query logic. A logic without a codec
// cannot be cached; that is a declared error, not a cast failure.
type LogicRegistry interface {
	Codec(logicName string) (CacheCodec, bool)
}

// LookupKind names a secondary index over the status store.
type LookupKind string

const (
	LookupAlias         LookupKind = "alias"
	LookupView          LookupKind = "view"
	LookupCachedQueryID LookupKind = "cachedQueryId"
)

// StatusRepository is the cluster-shared status store. Create fails with a
// ConflictError if the key exists; callers lock first. Lookup writes are only
// ever performed while the primary record's lock is held, so they need no
// locking of their own.
type StatusRepository interface {
	Create(ctx context.Context, status *CachedQueryStatus) error
	Get(ctx context.Context, definedQueryID string) (*CachedQueryStatus, error)
	Update(ctx context.Context, definedQueryID string, status *CachedQueryStatus) error
	Remove(ctx context.Context, definedQueryID string) error

	PutLookup(ctx context.Context, kind LookupKind, key, definedQueryID string) error
	GetLookup(ctx context.Context, kind LookupKind, key string) (string, error)
	RemoveLookup(ctx context.Context, kind LookupKind, key string) error
}

// LockRepository provides cluster-wide, non-reentrant, lease-expiring mutual
// exclusion keyed by name. TryLock blocks up to wait and returns an owner
// token, or a LockedError if the lock could not be obtained. Unlock releases
// only the caller's acquisition; ForceUnlock releases any holder.
type LockRepository interface {
	TryLock(ctx context.Context, name string, wait, lease time.Duration) (string, error)
	Unlock(ctx context.Context, name, token string) error
	ForceUnlock(ctx context.Context, name string) error
}

// MonitorStatusRepository stores the janitor's cluster-wide singleton.
type MonitorStatusRepository interface {
	Get(ctx context.Context) (*MonitorStatus, error)
	Set(ctx context.Context, status *MonitorStatus) error
}

// TableRecord registers a materialized table/view pair for expiry listing.
type TableRecord struct {
	TableName       string
	ViewName        string
	DefinedQueryID  string
	CreatedAtMillis int64
}

// TableRegistry is the janitor's expiry listing source. It survives a lost
// status record, so orphaned tables still get reclaimed.
type TableRegistry interface {
	Put(ctx context.Context, rec *TableRecord) error
	Remove(ctx context.Context, tableName string) error
	ListOlderThan(ctx context.Context, cutoffMillis int64) ([]TableRecord, error)
}
