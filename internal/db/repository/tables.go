package repository

import (
	"context"
	"database/sql"

	"resultcache/internal/domain"
)

var _ domain.TableRegistry = (*TableRegistryRepo)(nil)

// TableRegistryRepo records each materialized table/view pair so the janitor
// can list expired objects even when the status record is gone.
type TableRegistryRepo struct {
	db *sql.DB
}

// NewTableRegistryRepo creates a new TableRegistryRepo.
func NewTableRegistryRepo(db *sql.DB) *TableRegistryRepo {
	return &TableRegistryRepo{db: db}
}

// Put registers a table/view pair.
func (r *TableRegistryRepo) Put(ctx context.Context, rec *domain.TableRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cached_results_tables (table_name, view_name, defined_query_id, created_at_millis)
		VALUES (?, ?, ?, ?)
	`, rec.TableName, rec.ViewName, rec.DefinedQueryID, rec.CreatedAtMillis)
	return mapDBError(err)
}

// Remove unregisters a table after it has been dropped.
func (r *TableRegistryRepo) Remove(ctx context.Context, tableName string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_results_tables WHERE table_name = ?
	`, tableName)
	return mapDBError(err)
}

// ListOlderThan returns every registered table created before the cutoff.
func (r *TableRegistryRepo) ListOlderThan(ctx context.Context, cutoffMillis int64) ([]domain.TableRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name, view_name, defined_query_id, created_at_millis
		FROM cached_results_tables
		WHERE created_at_millis < ?
		ORDER BY created_at_millis
	`, cutoffMillis)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.TableRecord
	for rows.Next() {
		var rec domain.TableRecord
		if err := rows.Scan(&rec.TableName, &rec.ViewName, &rec.DefinedQueryID, &rec.CreatedAtMillis); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
