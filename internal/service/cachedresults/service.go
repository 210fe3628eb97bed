// Package cachedresults materializes the results of long-running paged
// queries into relational tables and exposes a constrained SQL surface over
// them.
package cachedresults

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"

	"resultcache/internal/config"
	"resultcache/internal/domain"
	"resultcache/internal/status"
)

// CreateParams are the user-controllable SQL-shaping parameters.
type CreateParams struct {
	Fields      string
	Conditions  string
	Grouping    string
	Order       string
	PageSize    int
	FixedFields []string
}

// Summary is the caller-facing view of a cached results query.
type Summary struct {
	DefinedQueryID string                  `json:"definedQueryId"`
	CachedQueryID  string                  `json:"cachedQueryId,omitempty"`
	Alias          string                  `json:"alias,omitempty"`
	ViewName       string                  `json:"viewName,omitempty"`
	State          domain.CachedQueryState `json:"state"`
	TotalRows      int                     `json:"totalRows"`
}

// DescribeResponse describes the queryable shape of a cached results query.
type DescribeResponse struct {
	View    string   `json:"view"`
	Columns []string `json:"columns"`
	NumRows int      `json:"numRows"`
}

// Service orchestrates the cached results lifecycle: load, create, paginate,
// cancel, close, expire. All state transitions go through the status cache's
// locked update path.
type Service struct {
	cfg       *config.Config
	statuses  *status.Cache
	loader    *Loader
	engine    domain.QueryEngine
	logics    domain.LogicRegistry
	mat       *Materializer
	sqlgen    *SQLGenerator
	audit     domain.AuditRepository
	tables    domain.TableRegistry
	resultsDB *sql.DB
	logger    *slog.Logger

	async *asyncRunner
}

// NewService wires the orchestrator. The async worker pool is started here
// and released by Shutdown.
func NewService(
	cfg *config.Config,
	statuses *status.Cache,
	loader *Loader,
	engine domain.QueryEngine,
	logics domain.LogicRegistry,
	mat *Materializer,
	sqlgen *SQLGenerator,
	audit domain.AuditRepository,
	tables domain.TableRegistry,
	resultsDB *sql.DB,
	logger *slog.Logger,
) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		statuses:  statuses,
		loader:    loader,
		engine:    engine,
		logics:    logics,
		mat:       mat,
		sqlgen:    sqlgen,
		audit:     audit,
		tables:    tables,
		resultsDB: resultsDB,
		logger:    logger,
	}
	async, err := newAsyncRunner(cfg.AsyncPoolSize, logger)
	if err != nil {
		return nil, err
	}
	s.async = async
	return s, nil
}

// Shutdown releases the async worker pool.
func (s *Service) Shutdown() {
	s.async.release()
}

// Load materializes the results of a defined query into a table and returns
// the view name. The record must be absent or pre-created in NONE; any other
// state fails as already in progress without mutating anything.
func (s *Service) Load(ctx context.Context, definedQueryID, alias string) (string, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return "", err
	}
	if definedQueryID == "" {
		return "", domain.ErrValidation("defined query id is required")
	}

	existing, err := s.statuses.Get(ctx, definedQueryID)
	switch {
	case err == nil:
		if err := s.enterLoading(ctx, existing, alias, user); err != nil {
			return "", err
		}
	case isNotFound(err):
		st := domain.NewCachedQueryStatus(definedQueryID, "", alias, user)
		st.PageSize = s.cfg.DefaultPageSize
		if err := s.statuses.Create(ctx, st); err != nil {
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				// Another caller created it between our read and write.
				return "", domain.ErrLocked("query %s is already in progress", definedQueryID)
			}
			return "", err
		}
	default:
		return "", err
	}

	return s.loader.Run(ctx, definedQueryID, user)
}

// enterLoading moves a pre-created NONE record into LOADING. Every other
// state is a busy rejection: FAILED loudly, the rest quietly.
func (s *Service) enterLoading(ctx context.Context, existing *domain.CachedQueryStatus, alias string, user domain.ContextPrincipal) error {
	if err := s.checkOwner(existing, user); err != nil {
		return err
	}
	if existing.State != domain.StateNone {
		if existing.State == domain.StateFailed {
			s.logger.Warn("load rejected: previous attempt failed",
				slog.String("definedQueryId", existing.DefinedQueryID))
		} else {
			s.logger.Info("load rejected: query busy",
				slog.String("definedQueryId", existing.DefinedQueryID),
				slog.String("state", string(existing.State)))
		}
		return domain.ErrLocked("query %s is already %s", existing.DefinedQueryID, existing.State)
	}

	_, err := s.statuses.LockedUpdate(ctx, existing.DefinedQueryID, func(st *domain.CachedQueryStatus) error {
		if st.State != domain.StateNone {
			return domain.ErrLocked("query %s is already %s", st.DefinedQueryID, st.State)
		}
		st.State = domain.StateLoading
		if alias != "" {
			st.Alias = alias
		}
		st.CurrentUser = user
		return nil
	})
	return err
}

// Create applies SQL-shaping parameters to a loaded query, generates and
// audits the retrieval statement, and moves the query to CREATED. The key
// may be the defined id, alias, view name, or cached query id.
func (s *Service) Create(ctx context.Context, key string, params CreateParams) (*Summary, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.resolve(ctx, key, user, false)
	if err != nil {
		return nil, err
	}

	pageSize, err := s.resolvePageSize(params.PageSize)
	if err != nil {
		return nil, err
	}

	if _, err := s.statuses.LockedUpdate(ctx, st.DefinedQueryID, func(cur *domain.CachedQueryStatus) error {
		if cur.State != domain.StateLoaded {
			return domain.ErrValidation("query %s is not finished loading (state %s)", cur.DefinedQueryID, cur.State)
		}
		cur.State = domain.StateCreating
		return nil
	}); err != nil {
		return nil, err
	}

	updated, err := s.generateAndCommit(ctx, st.DefinedQueryID, params, pageSize, user)
	if err != nil {
		return nil, err
	}
	return summarize(updated), nil
}

// generateAndCommit runs SQL generation plus the audit pass and lands the
// record in CREATED. A validation failure returns the record to LOADED so
// the caller can retry with corrected parameters; anything else is FAILED.
func (s *Service) generateAndCommit(ctx context.Context, definedQueryID string, params CreateParams, pageSize int, user domain.ContextPrincipal) (*domain.CachedQueryStatus, error) {
	cur, err := s.statuses.Get(ctx, definedQueryID)
	if err != nil {
		return nil, err
	}

	statement, genErr := s.sqlgen.Generate(cur.View, user.Name, cur.FieldIndexMap, QueryParts{
		Fields:     params.Fields,
		Conditions: params.Conditions,
		Grouping:   params.Grouping,
		Order:      params.Order,
	})
	if genErr == nil {
		genErr = s.audit.Insert(ctx, &domain.AuditEntry{
			Principal:  user.Name,
			LogicName:  cur.QueryLogicName,
			OrigQuery:  cur.OrigQuery,
			SQLQuery:   statement,
			Visibility: cur.Visibility,
		})
	}

	if genErr != nil {
		var validation *domain.ValidationError
		fallback := domain.StateFailed
		if errors.As(genErr, &validation) {
			fallback = domain.StateLoaded
		}
		if _, err := s.statuses.LockedUpdate(ctx, definedQueryID, func(st *domain.CachedQueryStatus) error {
			if st.State == domain.StateCreating {
				st.State = fallback
			}
			return nil
		}); err != nil {
			s.logger.Error("failed to unwind create",
				slog.String("definedQueryId", definedQueryID),
				slog.String("error", err.Error()))
		}
		return nil, genErr
	}

	return s.statuses.LockedUpdate(ctx, definedQueryID, func(st *domain.CachedQueryStatus) error {
		if st.State != domain.StateCreating {
			return domain.ErrLocked("query %s left CREATING during create", definedQueryID)
		}
		if st.CachedQueryID == "" {
			st.CachedQueryID = domain.NewID()
		}
		st.State = domain.StateCreated
		st.Fields = params.Fields
		st.Conditions = params.Conditions
		st.Grouping = params.Grouping
		st.Order = params.Order
		st.PageSize = pageSize
		st.FixedFields = params.FixedFields
		st.SQLQuery = statement
		return nil
	})
}

// LoadAndCreate runs load then create in one call. If the query is already
// loaded, the load step is skipped and create proceeds against it.
func (s *Service) LoadAndCreate(ctx context.Context, definedQueryID, alias string, params CreateParams) (*Summary, error) {
	_, loadErr := s.Load(ctx, definedQueryID, alias)
	if loadErr != nil {
		var locked *domain.LockedError
		if !errors.As(loadErr, &locked) {
			return nil, loadErr
		}
		cur, err := s.statuses.Get(ctx, definedQueryID)
		if err != nil {
			return nil, loadErr
		}
		if cur.State != domain.StateLoaded {
			return nil, loadErr
		}
	}
	return s.Create(ctx, definedQueryID, params)
}

// LoadAndCreateAsync pre-creates the record in NONE with a cachedQueryId the
// caller can poll, then detaches the load+create pipeline onto the worker
// pool. Pipeline errors land on the status record, not the caller.
func (s *Service) LoadAndCreateAsync(ctx context.Context, definedQueryID, alias string, params CreateParams) (string, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return "", err
	}
	if definedQueryID == "" {
		return "", domain.ErrValidation("defined query id is required")
	}

	if _, err := s.statuses.Get(ctx, definedQueryID); err == nil {
		return "", domain.ErrLocked("query %s is already in progress", definedQueryID)
	} else if !isNotFound(err) {
		return "", err
	}

	st := domain.NewCachedQueryStatus(definedQueryID, domain.NewID(), alias, user)
	st.State = domain.StateNone
	st.PageSize = s.cfg.DefaultPageSize
	if err := s.statuses.Create(ctx, st); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return "", domain.ErrLocked("query %s is already in progress", definedQueryID)
		}
		return "", err
	}

	// The request context dies with the response; the task carries a
	// snapshot of the principal instead.
	taskCtx := domain.WithPrincipal(context.Background(), user)
	submitErr := s.async.submit(func() {
		if _, err := s.LoadAndCreate(taskCtx, definedQueryID, alias, params); err != nil {
			s.logger.Error("async load and create failed",
				slog.String("definedQueryId", definedQueryID),
				slog.String("error", err.Error()))
		}
	})
	if submitErr != nil {
		if rmErr := s.statuses.Remove(ctx, definedQueryID); rmErr != nil {
			s.logger.Error("failed to remove status after submit failure",
				slog.String("definedQueryId", definedQueryID),
				slog.String("error", rmErr.Error()))
		}
		return "", submitErr
	}
	return st.CachedQueryID, nil
}

// Status returns the current state name for a key.
func (s *Service) Status(ctx context.Context, key string) (domain.CachedQueryState, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return "", err
	}
	st, err := s.resolve(ctx, key, user, user.IsAdmin)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// Describe returns the view name, its queryable columns, and the row count.
func (s *Service) Describe(ctx context.Context, key string) (*DescribeResponse, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.resolve(ctx, key, user, user.IsAdmin)
	if err != nil {
		return nil, err
	}
	if st.View == "" {
		return nil, domain.ErrValidation("query %s has no view yet (state %s)", st.DefinedQueryID, st.State)
	}

	type mapping struct {
		field   string
		ordinal int
	}
	mappings := make([]mapping, 0, len(st.FieldIndexMap))
	for f, o := range st.FieldIndexMap {
		mappings = append(mappings, mapping{f, o})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].ordinal < mappings[j].ordinal })

	columns := append([]string{}, domain.FixedColumns()...)
	for _, mp := range mappings {
		columns = append(columns, mp.field)
	}

	return &DescribeResponse{
		View:    st.View,
		Columns: columns,
		NumRows: st.RowsWritten,
	}, nil
}

// Cancel marks the query CANCELED and, if it is still loading, cancels the
// underlying running query. The record and any materialized objects are left
// for close or the janitor.
func (s *Service) Cancel(ctx context.Context, key string) error {
	return s.cancel(ctx, key, false)
}

// AdminCancel is Cancel without the ownership check.
func (s *Service) AdminCancel(ctx context.Context, key string) error {
	return s.cancel(ctx, key, true)
}

func (s *Service) cancel(ctx context.Context, key string, admin bool) error {
	user, err := s.principal(ctx)
	if err != nil {
		return err
	}
	if admin && !user.IsAdmin {
		return domain.ErrAccessDenied("admin privileges required")
	}
	st, err := s.resolve(ctx, key, user, admin)
	if err != nil {
		return err
	}

	if st.State == domain.StateLoading && st.RunningQueryID != "" {
		if err := s.engine.Cancel(ctx, st.RunningQueryID, user); err != nil {
			s.logger.Warn("failed to cancel running query",
				slog.String("runningQueryId", st.RunningQueryID),
				slog.String("error", err.Error()))
		}
	}

	_, err = s.statuses.LockedUpdate(ctx, st.DefinedQueryID, func(cur *domain.CachedQueryStatus) error {
		cur.State = domain.StateCanceled
		return nil
	})
	return err
}

// Close tears the query down entirely: cancels a still-running load, drops
// the view and table, and removes the status record with all of its index
// entries. Drop failures are logged; the registry row stays so the janitor
// retries them.
func (s *Service) Close(ctx context.Context, key string) error {
	return s.close(ctx, key, false)
}

// AdminClose is Close without the ownership check.
func (s *Service) AdminClose(ctx context.Context, key string) error {
	return s.close(ctx, key, true)
}

func (s *Service) close(ctx context.Context, key string, admin bool) error {
	user, err := s.principal(ctx)
	if err != nil {
		return err
	}
	if admin && !user.IsAdmin {
		return domain.ErrAccessDenied("admin privileges required")
	}
	st, err := s.resolve(ctx, key, user, admin)
	if err != nil {
		return err
	}

	if st.State == domain.StateLoading && st.RunningQueryID != "" {
		if err := s.engine.Cancel(ctx, st.RunningQueryID, user); err != nil {
			s.logger.Warn("failed to cancel running query",
				slog.String("runningQueryId", st.RunningQueryID),
				slog.String("error", err.Error()))
		}
	}

	dropped := true
	if st.View != "" {
		if err := s.mat.DropView(ctx, st.View); err != nil {
			dropped = false
			s.logger.Warn("close: drop view failed", slog.String("view", st.View), slog.String("error", err.Error()))
		}
	}
	if st.TableName != "" {
		if err := s.mat.DropTable(ctx, st.TableName); err != nil {
			dropped = false
			s.logger.Warn("close: drop table failed", slog.String("table", st.TableName), slog.String("error", err.Error()))
		}
	}
	if dropped && st.TableName != "" {
		if err := s.tables.Remove(ctx, st.TableName); err != nil {
			s.logger.Warn("close: registry cleanup failed", slog.String("table", st.TableName), slog.String("error", err.Error()))
		}
	}

	return s.statuses.Remove(ctx, st.DefinedQueryID)
}

// SetAlias points a new alias at the query, replacing the previous one in
// the secondary index.
func (s *Service) SetAlias(ctx context.Context, key, alias string) (*Summary, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	if alias == "" {
		return nil, domain.ErrValidation("alias is required")
	}
	st, err := s.resolve(ctx, key, user, false)
	if err != nil {
		return nil, err
	}

	updated, err := s.statuses.LockedUpdate(ctx, st.DefinedQueryID, func(cur *domain.CachedQueryStatus) error {
		cur.Alias = alias
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summarize(updated), nil
}

// Update changes SQL-shaping parameters on a CREATED query, regenerating and
// re-auditing the statement. Empty parameters keep their current values.
func (s *Service) Update(ctx context.Context, key string, params CreateParams) (*Summary, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.resolve(ctx, key, user, false)
	if err != nil {
		return nil, err
	}
	if st.State != domain.StateCreated {
		return nil, domain.ErrValidation("query %s cannot be updated in state %s", st.DefinedQueryID, st.State)
	}

	merged := CreateParams{
		Fields:      st.Fields,
		Conditions:  st.Conditions,
		Grouping:    st.Grouping,
		Order:       st.Order,
		PageSize:    st.PageSize,
		FixedFields: st.FixedFields,
	}
	if params.Fields != "" {
		merged.Fields = params.Fields
	}
	if params.Conditions != "" {
		merged.Conditions = params.Conditions
	}
	if params.Grouping != "" {
		merged.Grouping = params.Grouping
	}
	if params.Order != "" {
		merged.Order = params.Order
	}
	if params.PageSize != 0 {
		merged.PageSize = params.PageSize
	}
	if params.FixedFields != nil {
		merged.FixedFields = params.FixedFields
	}

	pageSize, err := s.resolvePageSize(merged.PageSize)
	if err != nil {
		return nil, err
	}

	statement, err := s.sqlgen.Generate(st.View, user.Name, st.FieldIndexMap, QueryParts{
		Fields:     merged.Fields,
		Conditions: merged.Conditions,
		Grouping:   merged.Grouping,
		Order:      merged.Order,
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit.Insert(ctx, &domain.AuditEntry{
		Principal:  user.Name,
		LogicName:  st.QueryLogicName,
		OrigQuery:  st.OrigQuery,
		SQLQuery:   statement,
		Visibility: st.Visibility,
	}); err != nil {
		return nil, err
	}

	updated, err := s.statuses.LockedUpdate(ctx, st.DefinedQueryID, func(cur *domain.CachedQueryStatus) error {
		if cur.State != domain.StateCreated {
			return domain.ErrValidation("query %s cannot be updated in state %s", cur.DefinedQueryID, cur.State)
		}
		cur.Fields = merged.Fields
		cur.Conditions = merged.Conditions
		cur.Grouping = merged.Grouping
		cur.Order = merged.Order
		cur.PageSize = pageSize
		cur.FixedFields = merged.FixedFields
		cur.SQLQuery = statement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summarize(updated), nil
}

// resolve looks the key up across all indices and enforces ownership unless
// adminOverride is set.
func (s *Service) resolve(ctx context.Context, key string, user domain.ContextPrincipal, adminOverride bool) (*domain.CachedQueryStatus, error) {
	st, err := s.statuses.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if adminOverride {
		return st, nil
	}
	if err := s.checkOwner(st, user); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) checkOwner(st *domain.CachedQueryStatus, user domain.ContextPrincipal) error {
	if st.CurrentUser.Name != user.Name {
		return domain.ErrAccessDenied("query %s belongs to another user", st.DefinedQueryID)
	}
	return nil
}

// resolvePageSize applies the default and the configured maximum. Zero means
// "use the default".
func (s *Service) resolvePageSize(requested int) (int, error) {
	if requested < 0 {
		return 0, domain.ErrValidation("page size must not be negative")
	}
	if requested == 0 {
		requested = s.cfg.DefaultPageSize
	}
	if s.cfg.MaxPageSize > 0 && requested > s.cfg.MaxPageSize {
		return 0, domain.ErrValidation("page size %d exceeds maximum %d", requested, s.cfg.MaxPageSize)
	}
	return requested, nil
}

func (s *Service) principal(ctx context.Context) (domain.ContextPrincipal, error) {
	user, ok := domain.PrincipalFromContext(ctx)
	if !ok || user.Name == "" {
		return domain.ContextPrincipal{}, domain.ErrAccessDenied("no authenticated principal")
	}
	return user, nil
}

func summarize(st *domain.CachedQueryStatus) *Summary {
	return &Summary{
		DefinedQueryID: st.DefinedQueryID,
		CachedQueryID:  st.CachedQueryID,
		Alias:          st.Alias,
		ViewName:       st.View,
		State:          st.State,
		TotalRows:      st.RowsWritten,
	}
}

func isNotFound(err error) bool {
	var notFound *domain.NotFoundError
	return errors.As(err, &notFound)
}
