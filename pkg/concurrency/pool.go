// Package concurrency wraps alitto/pond with the engine's own
// configuration and logging conventions.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"deltamaker/internal/core"
)

// PoolConfig configures one WorkerPool instance.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking, if true, makes Submit return an error instead of
	// blocking the caller when the pool is at capacity.
	NonBlocking bool
}

// WorkerPool wraps pond.WorkerPool with standardized defaults and a
// panic handler that logs through core.Logger rather than crashing the
// process, used for fanning out the startup reconciliation calls
// (constraints load, position-mode check, position snapshot) so a slow REST
// round trip on one does not serialize behind the others.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.Logger
}

func NewWorkerPool(cfg PoolConfig, logger core.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 16
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	l := logger.With("component", "worker_pool", "pool", cfg.Name)

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			l.Error("worker pool panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: l}
}

func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits task and blocks until it completes.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		task()
		close(done)
	})
	<-done
}

func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"running_workers":  int64(wp.pool.RunningWorkers()),
		"idle_workers":     int64(wp.pool.IdleWorkers()),
		"submitted_tasks":  int64(wp.pool.SubmittedTasks()),
		"waiting_tasks":    int64(wp.pool.WaitingTasks()),
		"successful_tasks": int64(wp.pool.SuccessfulTasks()),
		"failed_tasks":     int64(wp.pool.FailedTasks()),
	}
}
