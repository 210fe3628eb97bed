package repository

import (
	"context"
	"database/sql"

	"resultcache/internal/domain"
)

var _ domain.AuditRepository = (*AuditRepo)(nil)

// AuditRepo persists audit entries for generated SQL statements.
type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert validates and stores an audit entry.
func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = domain.NewID()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, principal, logic_name, orig_query, sql_query, visibility)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Principal, e.LogicName, e.OrigQuery, e.SQLQuery, e.Visibility)
	return mapDBError(err)
}

// List returns audit entries, newest first.
func (r *AuditRepo) List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, principal, logic_name, orig_query, sql_query, visibility, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.Principal, &e.LogicName, &e.OrigQuery, &e.SQLQuery, &e.Visibility, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
