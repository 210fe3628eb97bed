package cachedresults

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resultcache/internal/domain"
	"resultcache/internal/status"
)

// errLoadCanceled aborts the page loop when a concurrent cancel has moved
// the status to a terminal state.
var errLoadCanceled = errors.New("load canceled")

// Loader pages a duplicated source query through the external engine and
// materializes the results into the backing table. It assumes the status
// record is already in the LOADING state; the orchestrator guarantees that.
type Loader struct {
	engine   domain.QueryEngine
	logics   domain.LogicRegistry
	mat      *Materializer
	statuses *status.Cache
	tables   domain.TableRegistry
	logger   *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(engine domain.QueryEngine, logics domain.LogicRegistry, mat *Materializer, statuses *status.Cache, tables domain.TableRegistry, logger *slog.Logger) *Loader {
	return &Loader{
		engine:   engine,
		logics:   logics,
		mat:      mat,
		statuses: statuses,
		tables:   tables,
		logger:   logger,
	}
}

// Run executes the full load for a defined query id and returns the view
// name on success. On any failure the partially created table and view are
// dropped best-effort and the status is forced to a terminal state.
func (l *Loader) Run(ctx context.Context, definedQueryID string, user domain.ContextPrincipal) (string, error) {
	runningID, err := l.engine.Duplicate(ctx, definedQueryID, user)
	if err != nil {
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", fmt.Errorf("duplicate source query: %w", err)
	}

	running, err := l.engine.Describe(ctx, runningID)
	if err != nil {
		l.closeRunning(ctx, runningID, user)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", fmt.Errorf("describe running query: %w", err)
	}

	codec, ok := l.logics.Codec(running.LogicName)
	if !ok {
		// Permanent: this logic has no cache serialization. Release the
		// duplicate entirely before failing.
		l.closeRunning(ctx, runningID, user)
		if err := l.engine.Remove(ctx, runningID, user); err != nil {
			l.logger.Warn("failed to remove uncacheable query",
				slog.String("runningQueryId", runningID),
				slog.String("error", err.Error()))
		}
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", domain.ErrValidation("query logic %q does not support caching", running.LogicName)
	}

	table := TableNameFor(runningID)
	view := ViewNameFor(runningID)

	if _, err := l.statuses.LockedUpdate(ctx, definedQueryID, func(s *domain.CachedQueryStatus) error {
		s.RunningQueryID = runningID
		s.TableName = table
		s.View = view
		s.QueryLogicName = running.LogicName
		s.OrigQuery = running.Query
		s.Visibility = running.Visibility
		return nil
	}); err != nil {
		l.closeRunning(ctx, runningID, user)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", err
	}

	if err := l.mat.CreateTable(ctx, table); err != nil {
		l.closeRunning(ctx, runningID, user)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", err
	}
	if err := l.tables.Put(ctx, &domain.TableRecord{
		TableName:       table,
		ViewName:        view,
		DefinedQueryID:  definedQueryID,
		CreatedAtMillis: time.Now().UnixMilli(),
	}); err != nil {
		l.cleanupObjects(ctx, table, view)
		l.closeRunning(ctx, runningID, user)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", err
	}

	fieldIndexMap := map[string]int{}
	engineClosed, loadErr := l.pageLoop(ctx, definedQueryID, runningID, user, codec, table, fieldIndexMap)

	// The no-results signal means the engine already closed the query;
	// closing it again would be an error on some engines.
	if !engineClosed {
		l.closeRunning(ctx, runningID, user)
	}

	if loadErr != nil {
		l.cleanupObjects(ctx, table, view)
		final := domain.StateFailed
		if errors.Is(loadErr, errLoadCanceled) {
			final = domain.StateCanceled
		}
		l.fail(ctx, definedQueryID, final)
		return "", loadErr
	}

	// Paging finished locally, but the source query may have been canceled
	// or failed out from under us. Its terminal state decides ours, so an
	// uninspectable source query cannot be declared loaded.
	described, err := l.engine.Describe(ctx, runningID)
	if err != nil {
		l.cleanupObjects(ctx, table, view)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", fmt.Errorf("describe finished query: %w", err)
	}
	final := domain.StateLoaded
	switch described.State {
	case domain.QueryCanceled:
		final = domain.StateCanceled
	case domain.QueryFailed:
		final = domain.StateFailed
	}

	if final != domain.StateLoaded {
		l.cleanupObjects(ctx, table, view)
		l.fail(ctx, definedQueryID, final)
		return "", fmt.Errorf("source query ended %s", final)
	}

	if err := l.mat.CreateView(ctx, view, table, fieldIndexMap); err != nil {
		l.cleanupObjects(ctx, table, view)
		l.fail(ctx, definedQueryID, domain.StateFailed)
		return "", err
	}

	if _, err := l.statuses.LockedUpdate(ctx, definedQueryID, func(s *domain.CachedQueryStatus) error {
		if s.State.Terminal() {
			return errLoadCanceled
		}
		s.State = domain.StateLoaded
		return nil
	}); err != nil {
		l.cleanupObjects(ctx, table, view)
		return "", err
	}

	return view, nil
}

// pageLoop drives next-page requests until exhaustion. It reports whether
// the engine already closed the running query.
func (l *Loader) pageLoop(ctx context.Context, definedQueryID, runningID string, user domain.ContextPrincipal, codec domain.CacheCodec, table string, fieldIndexMap map[string]int) (engineClosed bool, err error) {
	for {
		page, err := l.engine.Next(ctx, runningID, user)
		if err != nil {
			return false, fmt.Errorf("next page: %w", err)
		}
		if page == nil {
			return true, nil
		}
		if len(page.Errors) > 0 {
			return false, fmt.Errorf("page carried errors: %v", page.Errors)
		}

		rows := make([]*domain.CacheableRow, 0, len(page.Results))
		for _, result := range page.Results {
			row, err := codec.WriteToCache(result)
			if err != nil {
				return false, fmt.Errorf("convert result: %w", err)
			}
			row.User = user.Name
			row.QueryID = definedQueryID
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return false, nil
		}

		if _, err := l.mat.AssignColumns(fieldIndexMap, rows); err != nil {
			return false, err
		}

		written, err := l.mat.InsertRows(ctx, table, fieldIndexMap, rows)
		if err != nil {
			return false, err
		}

		if _, err := l.statuses.LockedUpdate(ctx, definedQueryID, func(s *domain.CachedQueryStatus) error {
			if s.State.Terminal() {
				return errLoadCanceled
			}
			s.FieldIndexMap = copyFieldIndexMap(fieldIndexMap)
			s.RowsWritten += written
			return nil
		}); err != nil {
			return false, err
		}
	}
}

// fail forces the status to a terminal state unless it already is terminal.
// A stuck LOADING record would otherwise block every later caller.
func (l *Loader) fail(ctx context.Context, definedQueryID string, state domain.CachedQueryState) {
	if _, err := l.statuses.LockedUpdate(ctx, definedQueryID, func(s *domain.CachedQueryStatus) error {
		if s.State.Terminal() {
			return errLoadCanceled
		}
		s.State = state
		return nil
	}); err != nil && !errors.Is(err, errLoadCanceled) {
		l.logger.Error("failed to record terminal load state",
			slog.String("definedQueryId", definedQueryID),
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
	}
}

// cleanupObjects drops the partially created view and table. Drop failures
// are logged and swallowed; the janitor will retry via the registry.
func (l *Loader) cleanupObjects(ctx context.Context, table, view string) {
	if err := l.mat.DropView(ctx, view); err != nil {
		l.logger.Warn("cleanup: drop view failed", slog.String("view", view), slog.String("error", err.Error()))
	}
	if err := l.mat.DropTable(ctx, table); err != nil {
		l.logger.Warn("cleanup: drop table failed", slog.String("table", table), slog.String("error", err.Error()))
	}
}

func (l *Loader) closeRunning(ctx context.Context, runningID string, user domain.ContextPrincipal) {
	if err := l.engine.Close(ctx, runningID, user); err != nil {
		l.logger.Warn("failed to close running query",
			slog.String("runningQueryId", runningID),
			slog.String("error", err.Error()))
	}
}

func copyFieldIndexMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
