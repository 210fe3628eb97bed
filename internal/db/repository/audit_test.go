package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resultcache/internal/db"
	"resultcache/internal/domain"
)

func TestAuditRepo_InsertAndList(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewAuditRepo(store)
	ctx := context.Background()

	entry := &domain.AuditEntry{
		Principal:  "alice",
		LogicName:  "EventQuery",
		OrigQuery:  "COLOR == 'red'",
		SQLQuery:   "SELECT * FROM v123 WHERE `_user_` = 'alice'",
		Visibility: "PUBLIC",
	}
	require.NoError(t, repo.Insert(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	entries, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Principal)
	assert.Equal(t, "EventQuery", entries[0].LogicName)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestAuditRepo_InsertRejectsIncomplete(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewAuditRepo(store)

	err := repo.Insert(context.Background(), &domain.AuditEntry{Principal: "alice"})
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}
