package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resultcache/internal/db"
	"resultcache/internal/domain"
)

func TestMonitorStatusRepo_SeededAndUpdatable(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewMonitorStatusRepo(store)
	ctx := context.Background()

	// The migration seeds the singleton row.
	status, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.LastCheckedMillis)

	require.NoError(t, repo.Set(ctx, &domain.MonitorStatus{LastCheckedMillis: 12345}))

	status, err = repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), status.LastCheckedMillis)
}
