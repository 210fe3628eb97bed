package cachedresults

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resultcache/internal/config"
	"resultcache/internal/db"
	"resultcache/internal/db/repository"
	"resultcache/internal/domain"
	"resultcache/internal/status"
)

// fakeEngine serves scripted result pages and records control calls.
type fakeEngine struct {
	mu        sync.Mutex
	logicName string
	pages     [][]map[string]string
	pageErrs  []string

	// describeErr is returned from Describe once the running query has been
	// closed, simulating an engine that cannot report the terminal state.
	describeErr error

	duplicates int
	nextIdx    map[string]int
	closed     map[string]bool
	canceled   map[string]bool
	removed    map[string]bool
}

func newFakeEngine(logicName string, pages [][]map[string]string) *fakeEngine {
	return &fakeEngine{
		logicName: logicName,
		pages:     pages,
		nextIdx:   map[string]int{},
		closed:    map[string]bool{},
		canceled:  map[string]bool{},
		removed:   map[string]bool{},
	}
}

func (f *fakeEngine) Duplicate(_ context.Context, definedQueryID string, _ domain.ContextPrincipal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duplicates++
	return fmt.Sprintf("rq-%s-%d", definedQueryID, f.duplicates), nil
}

func (f *fakeEngine) Describe(_ context.Context, runningQueryID string) (*domain.RunningQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil && f.closed[runningQueryID] {
		return nil, f.describeErr
	}
	state := domain.QueryRunning
	if f.canceled[runningQueryID] {
		state = domain.QueryCanceled
	} else if f.closed[runningQueryID] {
		state = domain.QueryClosed
	}
	return &domain.RunningQuery{
		QueryID:    runningQueryID,
		LogicName:  f.logicName,
		Query:      "ORIG == 'query'",
		Visibility: "PUBLIC",
		State:      state,
	}, nil
}

func (f *fakeEngine) Next(_ context.Context, runningQueryID string, _ domain.ContextPrincipal) (*domain.EnginePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.canceled[runningQueryID] {
		f.closed[runningQueryID] = true
		return nil, nil
	}
	idx := f.nextIdx[runningQueryID]
	if idx >= len(f.pages) {
		f.closed[runningQueryID] = true
		return nil, nil
	}
	f.nextIdx[runningQueryID] = idx + 1

	results := make([]any, 0, len(f.pages[idx]))
	for _, r := range f.pages[idx] {
		results = append(results, r)
	}
	page := &domain.EnginePage{Results: results}
	if idx == 0 && len(f.pageErrs) > 0 {
		page.Errors = f.pageErrs
	}
	return page, nil
}

func (f *fakeEngine) Cancel(_ context.Context, runningQueryID string, _ domain.ContextPrincipal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[runningQueryID] = true
	return nil
}

func (f *fakeEngine) Close(_ context.Context, runningQueryID string, _ domain.ContextPrincipal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[runningQueryID] = true
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, runningQueryID string, _ domain.ContextPrincipal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[runningQueryID] = true
	return nil
}

func (f *fakeEngine) wasClosed(runningQueryID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[runningQueryID]
}

// fakeCodec treats each result as a plain field-to-value map.
type fakeCodec struct{}

func (fakeCodec) WriteToCache(result any) (*domain.CacheableRow, error) {
	fields, ok := result.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", result)
	}
	row := &domain.CacheableRow{ColumnValues: map[string]string{}}
	for k, v := range fields {
		row.ColumnValues[k] = v
	}
	row.EventID = fields["EVENT_ID"]
	return row, nil
}

func (fakeCodec) ReadFromCache(row *domain.CacheableRow) (any, error) {
	return row.ColumnValues, nil
}

// fakeRegistry maps logic names to codecs.
type fakeRegistry map[string]domain.CacheCodec

func (f fakeRegistry) Codec(logicName string) (domain.CacheCodec, bool) {
	c, ok := f[logicName]
	return c, ok
}

type harness struct {
	svc    *Service
	engine *fakeEngine
	store  *sql.DB
	cache  *status.Cache
	cfg    *config.Config
	tables domain.TableRegistry
	audit  domain.AuditRepository
}

func newHarness(t *testing.T, engine *fakeEngine, mutate func(*config.Config)) *harness {
	t.Helper()

	store := db.OpenTestSQLite(t)
	logger := discardLogger()

	cfg := &config.Config{
		StoreDriver:        "sqlite3",
		NumFields:          20,
		DefaultPageSize:    20,
		MaxInsertAttempts:  3,
		MaxValueLength:     1 << 20,
		DaysToLive:         1,
		LockWaitTime:       500 * time.Millisecond,
		LockLeaseTime:      30 * time.Second,
		ReservedStatements: config.DefaultReservedStatements,
		AllowedFunctions:   config.DefaultAllowedFunctions,
		AsyncPoolSize:      2,
	}
	if mutate != nil {
		mutate(cfg)
	}

	statusRepo := repository.NewStatusRepo(store)
	lockRepo := repository.NewLockRepo(store)
	cache := status.NewCache(statusRepo, lockRepo, cfg.LockWaitTime, cfg.LockLeaseTime, logger)
	tables := repository.NewTableRegistryRepo(store)
	audit := repository.NewAuditRepo(store)
	mat := NewMaterializer(store, cfg.NumFields, cfg.MaxValueLength, cfg.MaxInsertAttempts, logger)
	sqlgen, err := NewSQLGenerator(cfg.ReservedStatements, cfg.AllowedFunctions)
	require.NoError(t, err)
	logics := fakeRegistry{"EventQuery": fakeCodec{}}
	loader := NewLoader(engine, logics, mat, cache, tables, logger)

	svc, err := NewService(cfg, cache, loader, engine, logics, mat, sqlgen, audit, tables, store, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	return &harness{svc: svc, engine: engine, store: store, cache: cache, cfg: cfg, tables: tables, audit: audit}
}

func userCtx(name string) context.Context {
	return domain.WithPrincipal(context.Background(), domain.ContextPrincipal{Name: name})
}

func adminCtx(name string) context.Context {
	return domain.WithPrincipal(context.Background(), domain.ContextPrincipal{Name: name, IsAdmin: true})
}

func twoPageEngine() *fakeEngine {
	return newFakeEngine("EventQuery", [][]map[string]string{
		{
			{"EVENT_ID": "e1", "COLOR": "red", "SHAPE": "round"},
			{"EVENT_ID": "e2", "COLOR": "blue", "SHAPE": "square"},
		},
		{
			{"EVENT_ID": "e3", "COLOR": "green", "newField": "surprise"},
		},
	})
}

func TestLoad_EndToEnd(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	view, err := h.svc.Load(ctx, "dq-1", "my-alias")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(view, "v"))

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLoaded, st.State)
	assert.Equal(t, 3, st.RowsWritten)
	assert.Equal(t, "my-alias", st.Alias)
	assert.Equal(t, view, st.View)

	// The second page introduced newField; it must have the next ordinal.
	assert.Contains(t, st.FieldIndexMap, "newField")
	assert.Equal(t, domain.FixedColumnCount+0, st.FieldIndexMap["COLOR"])

	// The engine closed the query on the no-results signal; the loader must
	// not have needed to close it again.
	assert.True(t, h.engine.wasClosed(st.RunningQueryID))

	// Describe lists the fixed columns plus the discovered fields.
	desc, err := h.svc.Describe(ctx, "dq-1")
	require.NoError(t, err)
	assert.Equal(t, view, desc.View)
	assert.Equal(t, 3, desc.NumRows)
	assert.Contains(t, desc.Columns, "newField")
	assert.Contains(t, desc.Columns, domain.ColumnUser)
}

func TestLoad_TwiceConflicts(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	_, err = h.svc.Load(ctx, "dq-1", "")
	require.Error(t, err)
	var locked *domain.LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestLoad_UncacheableLogic(t *testing.T) {
	h := newHarness(t, newFakeEngine("GraphQuery", nil), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "does not support caching")

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
}

func TestLoad_PageWithEmbeddedErrorsFails(t *testing.T) {
	engine := twoPageEngine()
	engine.pageErrs = []string{"tablet server gone"}
	h := newHarness(t, engine, nil)

	_, err := h.svc.Load(userCtx("alice"), "dq-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page carried errors")

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)

	// The partial table was dropped.
	var count int
	require.NoError(t, h.store.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", st.TableName).Scan(&count))
	assert.Zero(t, count)
}

func TestLoad_TerminalInspectionFailureFails(t *testing.T) {
	engine := twoPageEngine()
	engine.describeErr = fmt.Errorf("engine unavailable")
	h := newHarness(t, engine, nil)

	// Paging completes, but the source query's terminal state cannot be
	// inspected; the load must not be declared LOADED.
	_, err := h.svc.Load(userCtx("alice"), "dq-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "describe finished query")

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
}

func TestCreate_BeforeLoadedFails(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	// Pre-create in NONE via async-style record, then call create directly.
	st := domain.NewCachedQueryStatus("dq-1", "", "", domain.ContextPrincipal{Name: "alice"})
	st.State = domain.StateNone
	require.NoError(t, h.cache.Create(context.Background(), st))

	_, err := h.svc.Create(ctx, "dq-1", CreateParams{})
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "not finished loading")
}

func TestCreate_GeneratesStatementAndAudits(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	view, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	summary, err := h.svc.Create(ctx, "dq-1", CreateParams{Fields: "newField"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, summary.State)
	assert.NotEmpty(t, summary.CachedQueryID)
	assert.Equal(t, view, summary.ViewName)
	assert.Equal(t, 3, summary.TotalRows)

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Contains(t, st.SQLQuery, "`newField`")
	assert.Contains(t, st.SQLQuery, "`"+domain.ColumnUser+"`")
	assert.Contains(t, st.SQLQuery, "`_user_` = 'alice'")

	// The generated statement was audited.
	entries, err := h.audit.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, st.SQLQuery, entries[0].SQLQuery)
	assert.Equal(t, "alice", entries[0].Principal)

	// The query is now addressable by its cached query id.
	state, err := h.svc.Status(ctx, summary.CachedQueryID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, state)
}

func TestCreate_FromCreatedFails(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{})
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, "dq-1", CreateParams{})
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestCreate_ValidationFailureReturnsToLoaded(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	_, err = h.svc.Create(ctx, "dq-1", CreateParams{Fields: "SLEEP(10)"})
	require.Error(t, err)

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLoaded, st.State)

	// Disallowed calls hidden in the conditions clause are rejected too.
	_, err = h.svc.Create(ctx, "dq-1", CreateParams{Conditions: "SLEEP(5) = 0"})
	require.Error(t, err)

	st, err = h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLoaded, st.State)

	// A corrected create succeeds.
	_, err = h.svc.Create(ctx, "dq-1", CreateParams{Fields: "COLOR"})
	require.NoError(t, err)
}

func TestGetRows_EndToEnd(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{Order: "EVENT_ID"})
	require.NoError(t, err)

	page, err := h.svc.GetRows(ctx, "dq-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, domain.PageComplete, page.Status)
	assert.Equal(t, 3, page.TotalRows)

	row, ok := page.Results[0].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "red", row["COLOR"])

	// Second page continues from rowBegin=2.
	page, err = h.svc.GetRows(ctx, "dq-1", 2, 3)
	require.NoError(t, err)
	assert.Len(t, page.Results, 2)
}

func TestGetRows_Validation(t *testing.T) {
	h := newHarness(t, twoPageEngine(), func(cfg *config.Config) {
		cfg.MaxPageSize = 5
		cfg.DefaultPageSize = 5
	})
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{})
	require.NoError(t, err)

	var validation *domain.ValidationError

	_, err = h.svc.GetRows(ctx, "dq-1", 0, 5)
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "row begin")

	_, err = h.svc.GetRows(ctx, "dq-1", 1, 10)
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "maximum page size")

	_, err = h.svc.GetRows(ctx, "dq-1", 5, 2)
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)
}

func TestGetRows_NoContent(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{})
	require.NoError(t, err)

	_, err = h.svc.GetRows(ctx, "dq-1", 100, 110)
	require.Error(t, err)
	var noContent *domain.NoContentError
	assert.ErrorAs(t, err, &noContent)
}

func TestGetRows_ByteTriggerPartial(t *testing.T) {
	h := newHarness(t, twoPageEngine(), func(cfg *config.Config) {
		cfg.PageByteTrigger = 1
	})
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{})
	require.NoError(t, err)

	page, err := h.svc.GetRows(ctx, "dq-1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.PagePartial, page.Status)
	assert.Less(t, len(page.Results), 3)
	assert.NotEmpty(t, page.Results)
}

func TestGetRows_BeforeCreatedFails(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	_, err = h.svc.GetRows(ctx, "dq-1", 1, 1)
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestCancel_MarksCanceled(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, "dq-1"))

	state, err := h.svc.Status(ctx, "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCanceled, state)

	// The record survives cancel for the janitor or an explicit close.
	_, err = h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
}

func TestClose_RemovesEverything(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	summary, err := h.svc.LoadAndCreate(ctx, "dq-1", "my-alias", CreateParams{})
	require.NoError(t, err)

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)

	require.NoError(t, h.svc.Close(ctx, "dq-1"))

	var notFound *domain.NotFoundError
	for _, key := range []string{"dq-1", "my-alias", st.View, summary.CachedQueryID} {
		_, err := h.cache.Lookup(context.Background(), key)
		assert.ErrorAs(t, err, &notFound, "lookup by %q after close", key)
	}

	var count int
	require.NoError(t, h.store.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE name IN (?, ?)", st.TableName, st.View).Scan(&count))
	assert.Zero(t, count)

	records, err := h.tables.ListOlderThan(context.Background(), time.Now().UnixMilli()+1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOwnership(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)

	_, err := h.svc.LoadAndCreate(userCtx("alice"), "dq-1", "", CreateParams{})
	require.NoError(t, err)

	var denied *domain.AccessDeniedError

	_, err = h.svc.GetRows(userCtx("mallory"), "dq-1", 1, 1)
	assert.ErrorAs(t, err, &denied)

	err = h.svc.Cancel(userCtx("mallory"), "dq-1")
	assert.ErrorAs(t, err, &denied)

	// Admin variants bypass ownership; plain variants do not.
	err = h.svc.AdminCancel(userCtx("mallory"), "dq-1")
	assert.ErrorAs(t, err, &denied)

	state, err := h.svc.Status(adminCtx("root"), "dq-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, state)

	require.NoError(t, h.svc.AdminClose(adminCtx("root"), "dq-1"))
}

func TestNoPrincipal(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)

	_, err := h.svc.Load(context.Background(), "dq-1", "")
	var denied *domain.AccessDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestSetAlias_Reindexes(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "first", CreateParams{})
	require.NoError(t, err)

	summary, err := h.svc.SetAlias(ctx, "first", "second")
	require.NoError(t, err)
	assert.Equal(t, "second", summary.Alias)

	state, err := h.svc.Status(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, state)

	_, err = h.svc.Status(ctx, "first")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestUpdate_RegeneratesStatement(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreate(ctx, "dq-1", "", CreateParams{Fields: "COLOR"})
	require.NoError(t, err)

	summary, err := h.svc.Update(ctx, "dq-1", CreateParams{Conditions: "COLOR = 'red'"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, summary.State)

	st, err := h.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)
	// COLOR is a known view column, so the conditions token is quoted.
	assert.Contains(t, st.SQLQuery, "(`COLOR` = 'red') AND")

	// Both generations were audited.
	entries, err := h.audit.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	page, err := h.svc.GetRows(ctx, "dq-1", 1, 5)
	require.NoError(t, err)
	assert.Len(t, page.Results, 1)
}

func TestUpdate_BeforeCreatedFails(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)

	_, err = h.svc.Update(ctx, "dq-1", CreateParams{Fields: "COLOR"})
	require.Error(t, err)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestLoadAndCreateAsync(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	cachedQueryID, err := h.svc.LoadAndCreateAsync(ctx, "dq-1", "my-alias", CreateParams{})
	require.NoError(t, err)
	require.NotEmpty(t, cachedQueryID)

	// The pipeline runs in the background; poll for completion.
	require.Eventually(t, func() bool {
		state, err := h.svc.Status(ctx, cachedQueryID)
		return err == nil && state == domain.StateCreated
	}, 5*time.Second, 20*time.Millisecond)

	page, err := h.svc.GetRows(ctx, cachedQueryID, 1, 3)
	require.NoError(t, err)
	assert.Len(t, page.Results, 3)
}

func TestLoadAndCreateAsync_DuplicateRejected(t *testing.T) {
	h := newHarness(t, twoPageEngine(), nil)
	ctx := userCtx("alice")

	_, err := h.svc.LoadAndCreateAsync(ctx, "dq-1", "", CreateParams{})
	require.NoError(t, err)

	_, err = h.svc.LoadAndCreateAsync(ctx, "dq-1", "", CreateParams{})
	require.Error(t, err)
	var locked *domain.LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestFieldIndexMap_StableAcrossLoads(t *testing.T) {
	ctx := userCtx("alice")

	h1 := newHarness(t, twoPageEngine(), nil)
	_, err := h1.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)
	st1, err := h1.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)

	h2 := newHarness(t, twoPageEngine(), nil)
	_, err = h2.svc.Load(ctx, "dq-1", "")
	require.NoError(t, err)
	st2, err := h2.cache.Get(context.Background(), "dq-1")
	require.NoError(t, err)

	assert.Equal(t, st1.FieldIndexMap, st2.FieldIndexMap)
}

func TestApplyFixedFields(t *testing.T) {
	fullRow := func() *domain.CacheableRow {
		return &domain.CacheableRow{
			User:         "alice",
			QueryID:      "dq-1",
			LogicName:    "EventQuery",
			EventID:      "e1",
			Row:          "r1",
			Markings:     "PUBLIC",
			ColumnValues: map[string]string{"COLOR": "red"},
		}
	}

	// Empty subset keeps everything.
	row := fullRow()
	applyFixedFields(row, nil)
	assert.Equal(t, "alice", row.User)
	assert.Equal(t, "e1", row.EventID)

	// A subset blanks everything outside it; dynamic fields are untouched.
	row = fullRow()
	applyFixedFields(row, []string{domain.ColumnEventID, domain.ColumnMarkings})
	assert.Empty(t, row.User)
	assert.Empty(t, row.QueryID)
	assert.Empty(t, row.LogicName)
	assert.Empty(t, row.Row)
	assert.Equal(t, "e1", row.EventID)
	assert.Equal(t, "PUBLIC", row.Markings)
	assert.Equal(t, "red", row.ColumnValues["COLOR"])
}
