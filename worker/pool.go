// Package worker consumes queue entries and drives task execution:
// reserve, run under policy deadlines, renew the lease, watch for
// revocation, and settle the record through the lifecycle manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/config"
	"github.com/jomapps/taskd/executor"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
)

// ErrRecycle signals a clean, intentional worker exit: the recycle
// budget or the memory ceiling was reached. The supervisor restarts
// the process.
var ErrRecycle = errors.New("worker recycle requested")

// Pool reserves entries from the configured queues and runs them on a
// bounded set of slots.
type Pool struct {
	cfg      config.WorkerConfig
	broker   broker.Broker
	runner   *runner
	logger   *slog.Logger
	handled  atomic.Int64
	inFlight atomic.Int64
}

// NewPool wires a worker pool.
func NewPool(cfg config.WorkerConfig, b broker.Broker, s store.Store, lm *lifecycle.Manager, r *router.Router, reg *executor.Registry, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Pool{
		cfg:    cfg,
		broker: b,
		runner: &runner{
			workerID:  id,
			store:     s,
			lifecycle: lm,
			router:    r,
			registry:  reg,
			logger:    logger,
		},
		logger: logger.With("worker_id", id),
	}
}

// Handled returns the number of leases this pool has settled.
func (p *Pool) Handled() int64 { return p.handled.Load() }

// InFlight returns the number of currently executing tasks.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Run consumes until ctx is cancelled or a recycle condition triggers.
// On cancellation in-flight tasks drain to completion under their own
// deadlines. Returns ErrRecycle for the clean-restart case, ErrWedged
// when an executor could not be stopped, nil on drain.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool starting",
		"queues", p.cfg.Queues,
		"concurrency", p.cfg.Concurrency,
		"recycle_after", p.cfg.RecycleAfter)

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		exitErr error
	)
	fail := func(err error) {
		mu.Lock()
		if exitErr == nil {
			exitErr = err
		}
		mu.Unlock()
		stop()
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consume(loopCtx, slot, fail)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if exitErr != nil {
		return exitErr
	}
	p.logger.Info("Worker pool drained", "handled", p.handled.Load())
	return nil
}

func (p *Pool) consume(ctx context.Context, slot int, fail func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := p.broker.Reserve(ctx, p.cfg.Queues, p.runner.workerID)
		if errors.Is(err, broker.ErrNoEntry) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("Reserve failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// Settling must survive a drain; only reservation stops on
		// cancellation.
		p.inFlight.Add(1)
		err = p.runner.handle(context.WithoutCancel(ctx), lease)
		p.inFlight.Add(-1)
		handled := p.handled.Add(1)

		if err != nil {
			fail(err)
			return
		}
		if p.cfg.RecycleAfter > 0 && handled >= int64(p.cfg.RecycleAfter) {
			p.logger.Info("Recycle budget reached", "handled", handled)
			fail(ErrRecycle)
			return
		}
		if p.overMemoryLimit() {
			fail(ErrRecycle)
			return
		}
	}
}

// overMemoryLimit checks the process heap against the configured
// ceiling after each settled task.
func (p *Pool) overMemoryLimit() bool {
	if p.cfg.MemoryLimitMB <= 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int(ms.HeapAlloc >> 20)
	if usedMB >= p.cfg.MemoryLimitMB {
		p.logger.Warn("Memory ceiling reached", "heap_mb", usedMB, "limit_mb", p.cfg.MemoryLimitMB)
		return true
	}
	return false
}
