package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"resultcache/internal/domain"
)

var _ domain.StatusRepository = (*StatusRepo)(nil)

// StatusRepo stores cached results query status records and their secondary
// lookup indices in the shared store. The record itself is persisted as JSON;
// the indexed columns exist only for the janitor and for key lookups.
type StatusRepo struct {
	db *sql.DB
}

// NewStatusRepo creates a new StatusRepo.
func NewStatusRepo(db *sql.DB) *StatusRepo {
	return &StatusRepo{db: db}
}

// Create inserts a new status record. Fails with a ConflictError if the key
// already exists; callers are expected to hold the per-id lock.
func (r *StatusRepo) Create(ctx context.Context, status *domain.CachedQueryStatus) error {
	if status == nil || status.DefinedQueryID == "" {
		return domain.ErrValidation("status record requires a defined query id")
	}

	status.LastUpdatedMillis = time.Now().UnixMilli()
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cached_results_status (defined_query_id, status_json, last_updated_millis)
		VALUES (?, ?, ?)
	`, status.DefinedQueryID, string(payload), status.LastUpdatedMillis)
	return mapDBError(err)
}

// Get returns the status record for a defined query id.
func (r *StatusRepo) Get(ctx context.Context, definedQueryID string) (*domain.CachedQueryStatus, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `
		SELECT status_json FROM cached_results_status WHERE defined_query_id = ?
	`, definedQueryID).Scan(&payload)
	if err != nil {
		return nil, mapDBError(err)
	}

	var status domain.CachedQueryStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return nil, fmt.Errorf("unmarshal status %s: %w", definedQueryID, err)
	}
	return &status, nil
}

// Update overwrites the status record unconditionally and stamps
// lastUpdatedMillis.
func (r *StatusRepo) Update(ctx context.Context, definedQueryID string, status *domain.CachedQueryStatus) error {
	status.LastUpdatedMillis = time.Now().UnixMilli()
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE cached_results_status
		SET status_json = ?, last_updated_millis = ?
		WHERE defined_query_id = ?
	`, string(payload), status.LastUpdatedMillis, definedQueryID)
	if err != nil {
		return mapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound("cached results query %q not found", definedQueryID)
	}
	return nil
}

// Remove deletes the primary record. Secondary index cleanup is the caller's
// responsibility since the index keys live on the record.
func (r *StatusRepo) Remove(ctx context.Context, definedQueryID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_results_status WHERE defined_query_id = ?
	`, definedQueryID)
	return mapDBError(err)
}

// PutLookup writes a secondary index entry, replacing any previous mapping
// for the key.
func (r *StatusRepo) PutLookup(ctx context.Context, kind domain.LookupKind, key, definedQueryID string) error {
	if key == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_results_lookup WHERE kind = ? AND lookup_key = ?
	`, string(kind), key)
	if err != nil {
		return mapDBError(err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cached_results_lookup (kind, lookup_key, defined_query_id)
		VALUES (?, ?, ?)
	`, string(kind), key, definedQueryID)
	return mapDBError(err)
}

// GetLookup resolves a secondary index key to a defined query id.
func (r *StatusRepo) GetLookup(ctx context.Context, kind domain.LookupKind, key string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT defined_query_id FROM cached_results_lookup WHERE kind = ? AND lookup_key = ?
	`, string(kind), key).Scan(&id)
	if err != nil {
		return "", mapDBError(err)
	}
	return id, nil
}

// RemoveLookup deletes a secondary index entry. Removing an absent entry is
// not an error.
func (r *StatusRepo) RemoveLookup(ctx context.Context, kind domain.LookupKind, key string) error {
	if key == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_results_lookup WHERE kind = ? AND lookup_key = ?
	`, string(kind), key)
	return mapDBError(err)
}
