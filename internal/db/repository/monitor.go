package repository

import (
	"context"
	"database/sql"

	"resultcache/internal/domain"
)

var _ domain.MonitorStatusRepository = (*MonitorStatusRepo)(nil)

// MonitorStatusRepo stores the janitor's cluster-wide singleton row.
type MonitorStatusRepo struct {
	db *sql.DB
}

// NewMonitorStatusRepo creates a new MonitorStatusRepo.
func NewMonitorStatusRepo(db *sql.DB) *MonitorStatusRepo {
	return &MonitorStatusRepo{db: db}
}

// Get returns the monitor status. The row is seeded by migration, so absence
// means the store was never migrated.
func (r *MonitorStatusRepo) Get(ctx context.Context) (*domain.MonitorStatus, error) {
	var status domain.MonitorStatus
	err := r.db.QueryRowContext(ctx, `
		SELECT last_checked_millis FROM monitor_status WHERE id = 1
	`).Scan(&status.LastCheckedMillis)
	if err != nil {
		return nil, mapDBError(err)
	}
	return &status, nil
}

// Set persists the monitor status.
func (r *MonitorStatusRepo) Set(ctx context.Context, status *domain.MonitorStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE monitor_status SET last_checked_millis = ? WHERE id = 1
	`, status.LastCheckedMillis)
	return mapDBError(err)
}
