// Package workerpool provides a pool of workers, one per partition. Workers
// are created lazily on first ping and reaped after staying idle for too long.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/frostlabs/frost-archiver/rruntime"
	"github.com/frostlabs/frost-archiver/utils/misc"
)

// WorkerPool manages a pool of workers
type WorkerPool interface {
	// PingWorker pings the worker for the given partition
	PingWorker(partition string)

	// Shutdown stops all workers in the pool and waits for them to stop
	Shutdown()

	// Size returns the number of workers in the pool
	Size() int
}

// Worker is a worker that can be pinged for work, in which case it is
// supposed to produce work and return true, or return false otherwise.
type Worker interface {
	// Work triggers the worker to produce work, returns true if work was produced, false otherwise
	Work() bool

	// SleepDurations returns the sleep durations of the worker (min, max), i.e. how long the worker should sleep if it has no work to do
	SleepDurations() (min, max time.Duration)

	// Stop stops the worker and waits until all its goroutines have stopped
	Stop()
}

type Option func(*workerPool)

// WithCleanupPeriod option sets the cleanup period for the worker pool
func WithCleanupPeriod(cleanupPeriod time.Duration) Option {
	return func(wp *workerPool) {
		wp.cleanupPeriod = cleanupPeriod
	}
}

// WithIdleTimeout option sets the idle timeout after which an idle worker gets
// removed from the pool. A non-positive timeout disables reaping.
func WithIdleTimeout(idleTimeout time.Duration) Option {
	return func(wp *workerPool) {
		wp.idleTimeout = idleTimeout
	}
}

// New creates a new worker pool
func New(ctx context.Context, workerSupplier func(partition string) Worker, logger logger.Logger, opts ...Option) WorkerPool {
	wp := &workerPool{
		logger:         logger.Child("workerpool"),
		workerSupplier: workerSupplier,
		workers:        make(map[string]*internalWorker),
		cleanupPeriod:  10 * time.Second,
		idleTimeout:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(wp)
	}
	wp.lifecycle.ctx, wp.lifecycle.cancel = context.WithCancel(ctx)
	wp.startCleanupLoop()
	return wp
}

type workerPool struct {
	logger         logger.Logger
	workerSupplier func(partition string) Worker
	cleanupPeriod  time.Duration
	idleTimeout    time.Duration

	workersMu sync.Mutex
	workers   map[string]*internalWorker

	lifecycle struct {
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
}

// PingWorker pings the worker for the given partition, creating one if needed
func (wp *workerPool) PingWorker(partition string) {
	wp.worker(partition).Ping()
}

// Shutdown stops all workers in the pool and waits for them to stop
func (wp *workerPool) Shutdown() {
	wp.logger.Info("shutting down worker pool")
	start := time.Now()
	wp.lifecycle.cancel()
	wp.lifecycle.wg.Wait()

	wp.workersMu.Lock()
	workers := wp.workers
	wp.workers = make(map[string]*internalWorker)
	wp.workersMu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		w := w
		rruntime.Go(func() {
			defer wg.Done()
			w.Stop()
		})
	}
	wg.Wait()
	wp.logger.Infof("worker pool shut down in %s", time.Since(start))
}

// Size returns the number of workers in the pool
func (wp *workerPool) Size() int {
	wp.workersMu.Lock()
	defer wp.workersMu.Unlock()
	return len(wp.workers)
}

// worker returns the worker for the given partition, creating one if needed
func (wp *workerPool) worker(partition string) *internalWorker {
	wp.workersMu.Lock()
	defer wp.workersMu.Unlock()
	w, ok := wp.workers[partition]
	if !ok {
		wp.logger.Debugf("adding worker in the pool for partition: %q", partition)
		w = newInternalWorker(partition, wp.logger, wp.workerSupplier(partition))
		wp.workers[partition] = w
	}
	return w
}

// startCleanupLoop starts a goroutine which periodically stops and removes idle workers
func (wp *workerPool) startCleanupLoop() {
	wp.lifecycle.wg.Add(1)
	rruntime.Go(func() {
		defer wp.lifecycle.wg.Done()
		for {
			if err := misc.SleepCtx(wp.lifecycle.ctx, wp.cleanupPeriod); err != nil {
				return
			}
			if wp.idleTimeout <= 0 {
				continue
			}
			wp.workersMu.Lock()
			for partition, w := range wp.workers {
				idleSince := w.IdleSince()
				if !idleSince.IsZero() && time.Since(idleSince) > wp.idleTimeout {
					wp.logger.Debugf("removing idle worker from the pool for partition: %q", partition)
					w.Stop()
					delete(wp.workers, partition)
				}
			}
			wp.workersMu.Unlock()
		}
	})
}
