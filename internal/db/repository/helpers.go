// Package repository implements domain repository interfaces over the shared
// relational store.
package repository

import (
	"database/sql"
	"errors"
	"strings"

	"resultcache/internal/domain"
)

func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Message: "resource not found"}
	}
	if isUniqueViolation(err) {
		return &domain.ConflictError{Message: "resource already exists"}
	}
	return err
}

// isUniqueViolation detects a primary-key/unique collision for both the
// sqlite and mysql drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Error 1062")
}
