package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/observability"
)

// Job is one unit of work bound to a wallet.
type Job func(ctx context.Context)

type queuedJob struct {
	ctx context.Context
	run Job
}

// WalletQueue runs jobs one at a time per wallet, in enqueue order. Jobs for
// different wallets run concurrently. When a LockManager is configured each
// job also holds a distributed lock on the wallet so several engine
// processes never submit for the same wallet at once.
type WalletQueue struct {
	mu      sync.Mutex
	pending map[string][]queuedJob // present while a worker runs for the wallet
	wg      sync.WaitGroup

	locks     domain.LockManager
	lockTTL   time.Duration
	lockRetry time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewWalletQueue creates a WalletQueue. locks may be nil for a single
// process deployment.
func NewWalletQueue(locks domain.LockManager, lockTTL time.Duration, metrics *observability.Metrics, logger *slog.Logger) *WalletQueue {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	if metrics == nil {
		metrics = observability.Discard()
	}
	return &WalletQueue{
		pending:   make(map[string][]queuedJob),
		locks:     locks,
		lockTTL:   lockTTL,
		lockRetry: 100 * time.Millisecond,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "wallet_queue")),
	}
}

// Enqueue schedules job for wallet. The job receives ctx.
func (q *WalletQueue) Enqueue(ctx context.Context, wallet string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.wg.Add(1)
	q.metrics.QueueDepth.Inc()
	jobs, running := q.pending[wallet]
	q.pending[wallet] = append(jobs, queuedJob{ctx: ctx, run: job})
	if !running {
		go q.drain(wallet)
	}
}

// Wait blocks until every enqueued job has finished.
func (q *WalletQueue) Wait() {
	q.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether the queue drained.
func (q *WalletQueue) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (q *WalletQueue) drain(wallet string) {
	for {
		q.mu.Lock()
		jobs := q.pending[wallet]
		if len(jobs) == 0 {
			delete(q.pending, wallet)
			q.mu.Unlock()
			return
		}
		next := jobs[0]
		q.pending[wallet] = jobs[1:]
		q.mu.Unlock()

		q.metrics.QueueDepth.Dec()
		q.run(wallet, next)
		q.wg.Done()
	}
}

func (q *WalletQueue) run(wallet string, job queuedJob) {
	if q.locks == nil {
		job.run(job.ctx)
		return
	}

	unlock, err := q.acquire(job.ctx, wallet)
	if err != nil {
		if job.ctx.Err() != nil {
			q.logger.Warn("job dropped, context done while waiting for wallet lock",
				slog.String("wallet", wallet),
			)
			return
		}
		q.logger.Warn("wallet lock unavailable, running without it",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		job.run(job.ctx)
		return
	}
	defer unlock()
	job.run(job.ctx)
}

func (q *WalletQueue) acquire(ctx context.Context, wallet string) (func(), error) {
	key := "wallet:" + wallet
	for {
		unlock, err := q.locks.Acquire(ctx, key, q.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}
		if err := sleepContext(ctx, q.lockRetry); err != nil {
			return nil, err
		}
	}
}
