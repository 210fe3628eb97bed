package domain

import (
	"context"
	"time"
)

// AuditEntry records one generated SQL statement against a cached results
// query. Every create/update that regenerates the statement writes one entry.
type AuditEntry struct {
	ID         string
	Principal  string
	LogicName  string
	OrigQuery  string
	SQLQuery   string
	Visibility string
	CreatedAt  time.Time
}

// Validate rejects entries that cannot be audited. Generation is blocked on
// failure.
func (e *AuditEntry) Validate() error {
	if e.Principal == "" {
		return ErrValidation("audit entry requires a principal")
	}
	if e.SQLQuery == "" {
		return ErrValidation("audit entry requires the generated query")
	}
	return nil
}

// AuditRepository persists audit entries.
type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
}
