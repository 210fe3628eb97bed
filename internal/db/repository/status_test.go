package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resultcache/internal/db"
	"resultcache/internal/domain"
)

func TestStatusRepo_CreateGetUpdate(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)
	ctx := context.Background()

	user := domain.ContextPrincipal{Name: "alice"}
	status := domain.NewCachedQueryStatus("dq-1", "cq-1", "my-alias", user)
	status.FieldIndexMap = map[string]int{"COLOR": 10, "SHAPE": 11}

	require.NoError(t, repo.Create(ctx, status))

	got, err := repo.Get(ctx, "dq-1")
	require.NoError(t, err)
	assert.Equal(t, "dq-1", got.DefinedQueryID)
	assert.Equal(t, "cq-1", got.CachedQueryID)
	assert.Equal(t, "my-alias", got.Alias)
	assert.Equal(t, domain.StateLoading, got.State)
	assert.Equal(t, "alice", got.CurrentUser.Name)
	assert.Equal(t, map[string]int{"COLOR": 10, "SHAPE": 11}, got.FieldIndexMap)

	got.State = domain.StateLoaded
	got.RowsWritten = 42
	require.NoError(t, repo.Update(ctx, "dq-1", got))

	again, err := repo.Get(ctx, "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLoaded, again.State)
	assert.Equal(t, 42, again.RowsWritten)
	assert.NotZero(t, again.LastUpdatedMillis)
}

func TestStatusRepo_CreateDuplicateConflicts(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)
	ctx := context.Background()

	status := domain.NewCachedQueryStatus("dq-dup", "", "", domain.ContextPrincipal{Name: "alice"})
	require.NoError(t, repo.Create(ctx, status))

	err := repo.Create(ctx, status)
	require.Error(t, err)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestStatusRepo_GetMissing(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)

	_, err := repo.Get(context.Background(), "nope")
	require.Error(t, err)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStatusRepo_UpdateMissing(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)

	status := domain.NewCachedQueryStatus("ghost", "", "", domain.ContextPrincipal{Name: "alice"})
	err := repo.Update(context.Background(), "ghost", status)
	require.Error(t, err)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestStatusRepo_Lookup(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)
	ctx := context.Background()

	require.NoError(t, repo.PutLookup(ctx, domain.LookupAlias, "my-alias", "dq-1"))

	id, err := repo.GetLookup(ctx, domain.LookupAlias, "my-alias")
	require.NoError(t, err)
	assert.Equal(t, "dq-1", id)

	// Same key under a different kind is a separate namespace.
	_, err = repo.GetLookup(ctx, domain.LookupView, "my-alias")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Re-pointing a key replaces the previous mapping.
	require.NoError(t, repo.PutLookup(ctx, domain.LookupAlias, "my-alias", "dq-2"))
	id, err = repo.GetLookup(ctx, domain.LookupAlias, "my-alias")
	require.NoError(t, err)
	assert.Equal(t, "dq-2", id)

	require.NoError(t, repo.RemoveLookup(ctx, domain.LookupAlias, "my-alias"))
	_, err = repo.GetLookup(ctx, domain.LookupAlias, "my-alias")
	assert.ErrorAs(t, err, &notFound)

	// Removing an absent key is a no-op.
	require.NoError(t, repo.RemoveLookup(ctx, domain.LookupAlias, "never-existed"))
}

func TestStatusRepo_Remove(t *testing.T) {
	store := db.OpenTestSQLite(t)
	repo := NewStatusRepo(store)
	ctx := context.Background()

	status := domain.NewCachedQueryStatus("dq-rm", "", "", domain.ContextPrincipal{Name: "alice"})
	require.NoError(t, repo.Create(ctx, status))
	require.NoError(t, repo.Remove(ctx, "dq-rm"))

	_, err := repo.Get(ctx, "dq-rm")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Removing again is a no-op.
	require.NoError(t, repo.Remove(ctx, "dq-rm"))
}
