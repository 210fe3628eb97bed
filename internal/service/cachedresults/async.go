package cachedresults

import (
	"fmt"
	"log/slog"

	"github.com/panjf2000/ants/v2"
)

// asyncRunner wraps the worker pool used for fire-and-forget load+create
// pipelines. The pool is bounded so a burst of async submissions degrades to
// queuing instead of unbounded goroutine growth.
type asyncRunner struct {
	pool   *ants.Pool
	logger *slog.Logger
}

func newAsyncRunner(size int, logger *slog.Logger) (*asyncRunner, error) {
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		logger.Error("async task panicked", slog.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create async pool: %w", err)
	}
	return &asyncRunner{pool: pool, logger: logger}, nil
}

func (a *asyncRunner) submit(task func()) error {
	if err := a.pool.Submit(task); err != nil {
		return fmt.Errorf("submit async task: %w", err)
	}
	return nil
}

func (a *asyncRunner) release() {
	a.pool.Release()
}
