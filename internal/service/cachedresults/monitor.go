package cachedresults

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"resultcache/internal/config"
	"resultcache/internal/domain"
	"resultcache/internal/status"
)

// monitorLockName guards the cluster-wide expiry check.
const monitorLockName = "cached-results-monitor"

// Monitor is the expiry janitor. A cron schedule drives ticks; each tick
// starts at most one in-process task, and the distributed monitor lock plus
// the MonitorStatus interval check ensure at most one node in the fleet
// performs the cleanup for a given interval.
type Monitor struct {
	cfg        config.MonitorConfig
	daysToLive int

	statuses      *status.Cache
	locks         domain.LockRepository
	monitorStatus domain.MonitorStatusRepository
	tables        domain.TableRegistry
	mat           *Materializer
	engine        domain.QueryEngine
	logger        *slog.Logger

	cron *cron.Cron

	mu   sync.Mutex
	done chan error
}

// NewMonitor creates the janitor. Call Start to begin scheduling.
func NewMonitor(
	cfg config.MonitorConfig,
	daysToLive int,
	statuses *status.Cache,
	locks domain.LockRepository,
	monitorStatus domain.MonitorStatusRepository,
	tables domain.TableRegistry,
	mat *Materializer,
	engine domain.QueryEngine,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		cfg:           cfg,
		daysToLive:    daysToLive,
		statuses:      statuses,
		locks:         locks,
		monitorStatus: monitorStatus,
		tables:        tables,
		mat:           mat,
		engine:        engine,
		logger:        logger,
	}
}

// Start registers the cron schedule and begins ticking.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.cfg.Schedule, func() { m.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule monitor %q: %w", m.cfg.Schedule, err)
	}
	m.cron.Start()
	m.logger.Info("expiry monitor started", slog.String("schedule", m.cfg.Schedule))
	return nil
}

// Stop halts the schedule. A task already in flight finishes on its own.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Tick is one scheduler beat. If the previous task is still running nothing
// happens; if it finished its result is reaped; otherwise a new task starts
// when the interval has elapsed.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case err := <-m.done:
			m.done = nil
			if err != nil {
				m.logger.Error("expiry task failed", slog.String("error", err.Error()))
			}
		default:
			// Previous task still running; skip this tick.
			return
		}
	}

	ms, err := m.monitorStatus.Get(ctx)
	if err != nil {
		m.logger.Error("read monitor status", slog.String("error", err.Error()))
		return
	}
	if !ms.Expired(time.Now().UnixMilli(), m.cfg.Interval) {
		return
	}

	done := make(chan error, 1)
	m.done = done
	go func() {
		done <- m.RunExpiryCheck(ctx)
	}()
}

// RunExpiryCheck performs one cluster-deduplicated expiry pass. Losing the
// lock race to another node is normal and returns nil.
func (m *Monitor) RunExpiryCheck(ctx context.Context) error {
	token, err := m.locks.TryLock(ctx, monitorLockName, m.cfg.LockWait, m.cfg.LockLease)
	if err != nil {
		var locked *domain.LockedError
		if errors.As(err, &locked) {
			m.logger.Debug("expiry check skipped: another node holds the monitor lock")
			return nil
		}
		return err
	}
	defer func() {
		if err := m.locks.Unlock(ctx, monitorLockName, token); err != nil {
			m.logger.Error("release monitor lock", slog.String("error", err.Error()))
		}
	}()

	// Re-check under the lock: another node may have just finished this
	// interval's pass.
	now := time.Now().UnixMilli()
	ms, err := m.monitorStatus.Get(ctx)
	if err != nil {
		return err
	}
	if !ms.Expired(now, m.cfg.Interval) {
		return nil
	}

	cutoff := now - int64(m.daysToLive)*24*time.Hour.Milliseconds()
	expired, err := m.tables.ListOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, rec := range expired {
		m.reclaim(ctx, rec)
	}

	return m.monitorStatus.Set(ctx, &domain.MonitorStatus{LastCheckedMillis: now})
}

// reclaim removes one expired table/view pair, its status record, and its
// index entries. Every step is best-effort; a failure is logged and the rest
// of the batch continues.
func (m *Monitor) reclaim(ctx context.Context, rec domain.TableRecord) {
	m.logger.Info("reclaiming expired cached results",
		slog.String("table", rec.TableName),
		slog.String("definedQueryId", rec.DefinedQueryID))

	if err := m.mat.DropView(ctx, rec.ViewName); err != nil {
		m.logger.Warn("expiry: drop view failed", slog.String("view", rec.ViewName), slog.String("error", err.Error()))
	}
	if err := m.mat.DropTable(ctx, rec.TableName); err != nil {
		m.logger.Warn("expiry: drop table failed", slog.String("table", rec.TableName), slog.String("error", err.Error()))
	}

	st, err := m.statuses.Get(ctx, rec.DefinedQueryID)
	switch {
	case err == nil:
		if st.State == domain.StateLoading && st.RunningQueryID != "" {
			if err := m.engine.Cancel(ctx, st.RunningQueryID, st.CurrentUser); err != nil {
				m.logger.Warn("expiry: cancel running query failed",
					slog.String("runningQueryId", st.RunningQueryID),
					slog.String("error", err.Error()))
			}
		}
		if err := m.statuses.Remove(ctx, rec.DefinedQueryID); err != nil {
			m.logger.Warn("expiry: remove status failed",
				slog.String("definedQueryId", rec.DefinedQueryID),
				slog.String("error", err.Error()))
			return
		}
	case isNotFound(err):
		// Orphaned table with no status record; the registry is the only
		// trace left.
	default:
		m.logger.Warn("expiry: read status failed",
			slog.String("definedQueryId", rec.DefinedQueryID),
			slog.String("error", err.Error()))
		return
	}

	if err := m.tables.Remove(ctx, rec.TableName); err != nil {
		m.logger.Warn("expiry: registry cleanup failed",
			slog.String("table", rec.TableName),
			slog.String("error", err.Error()))
	}
}
