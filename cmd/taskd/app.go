package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jomapps/taskd/api"
	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/config"
	"github.com/jomapps/taskd/events"
	"github.com/jomapps/taskd/executor"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/metrics"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/webhook"
	"github.com/jomapps/taskd/worker"
)

// app holds the wired infrastructure shared by the serve and worker
// subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	broker    broker.Broker
	bus       events.Bus
	router    *router.Router
	lifecycle *lifecycle.Manager

	// nc is set when the broker and bus share a NATS connection.
	nc *nats.Conn
}

// memoryMode reports whether the app runs on the in-process broker.
func (a *app) memoryMode() bool { return a.nc == nil && a.cfg.Broker.URL == "" }

func buildApp(ctx context.Context, configPath, logLevel string) (*app, error) {
	cfg, err := config.NewLoader(nil).Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	s, err := store.Open(ctx, cfg.Store.URL, &store.RedisStoreConfig{
		KeyPrefix: cfg.Store.KeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	table := router.DefaultTable()
	if cfg.Router.PolicyFile != "" {
		table, err = router.LoadTable(cfg.Router.PolicyFile)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("load routing policy: %w", err)
		}
	}
	r, err := router.New(table)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: s, router: r}

	if cfg.Broker.URL == "" {
		logger.Info("No broker configured, using in-process queues")
		a.broker = broker.NewMemoryBroker(&broker.MemoryConfig{
			ReserveWait: cfg.Broker.ReserveWait,
			LeasePeriod: cfg.Broker.LeasePeriod,
		})
		a.bus = events.NewMemoryBus(logger)
	} else {
		nc, err := nats.Connect(cfg.Broker.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("connect to broker: %w", err)
		}
		b, err := broker.NewJetStreamBroker(ctx, nc, &broker.JetStreamConfig{
			ReserveWait: cfg.Broker.ReserveWait,
			LeasePeriod: cfg.Broker.LeasePeriod,
			Logger:      logger,
		})
		if err != nil {
			nc.Close()
			_ = s.Close()
			return nil, err
		}
		bus, err := events.NewJetStreamBus(ctx, nc, logger)
		if err != nil {
			nc.Close()
			_ = s.Close()
			return nil, err
		}
		a.nc = nc
		a.broker = b
		a.bus = bus
	}

	a.lifecycle = lifecycle.NewManager(a.store, a.bus, a.router, logger)
	return a, nil
}

func (a *app) close() {
	_ = a.bus.Close()
	_ = a.broker.Close()
	if a.nc != nil {
		a.nc.Close()
	}
	_ = a.store.Close()
}

// registry builds the executor set. Payload logic lives outside the
// dispatch plane; the simulator stands in for every type until a real
// executor is linked in.
func (a *app) registry() *executor.Registry {
	reg := executor.NewRegistry()
	reg.SetFallback(executor.NewSimulator())
	return reg
}

// group runs named tasks until the first failure or ctx cancellation.
type group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
}

func newGroup(ctx context.Context) *group {
	gctx, cancel := context.WithCancel(ctx)
	return &group{ctx: gctx, cancel: cancel}
}

func (g *group) spawn(name string, logger *slog.Logger, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Component stopped", "component", name, "error", err)
			g.mu.Lock()
			if g.err == nil {
				g.err = fmt.Errorf("%s: %w", name, err)
			}
			g.mu.Unlock()
		}
		g.cancel()
	}()
}

func (g *group) wait() error {
	g.wg.Wait()
	g.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// runServe runs the API node: HTTP surface, webhook deliverer, reaper,
// and the routing-policy watcher. In memory mode an embedded worker
// pool runs too, making a single process a complete dev instance.
func runServe(configPath, logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	evaluator := metrics.NewEvaluator(a.store, a.router, a.logger)
	server := api.NewServer(*a.cfg, a.store, a.broker, a.lifecycle, a.router, evaluator, a.logger)
	deliverer := webhook.NewDeliverer(a.cfg.Webhook, a.bus, a.logger)
	reaper := worker.NewReaper(a.store, a.broker, a.lifecycle, a.router, a.logger)

	a.logger.Info("Starting API node", "version", Version)

	g := newGroup(ctx)
	g.spawn("api", a.logger, server.Run)
	g.spawn("webhook-deliverer", a.logger, deliverer.Run)
	g.spawn("reaper", a.logger, reaper.Run)

	if a.cfg.Router.PolicyFile != "" {
		watcher := router.NewWatcher(a.router, a.cfg.Router.PolicyFile, a.logger)
		g.spawn("policy-watcher", a.logger, watcher.Run)
	}

	if a.memoryMode() {
		// Dev instance: embedded worker, no recycling.
		wcfg := a.cfg.Worker
		wcfg.RecycleAfter = 0
		wcfg.MemoryLimitMB = 0
		wcfg.Queues = a.router.Queues()
		pool := worker.NewPool(wcfg, a.broker, a.store, a.lifecycle, a.router, a.registry(), a.logger)
		g.spawn("embedded-worker", a.logger, pool.Run)
	}

	return g.wait()
}

// runWorker runs a worker process. A recycle exit is clean: the
// supervisor is expected to restart the process.
func runWorker(configPath, logLevel string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("Starting worker", "version", Version)

	g := newGroup(ctx)
	pool := worker.NewPool(a.cfg.Worker, a.broker, a.store, a.lifecycle, a.router, a.registry(), a.logger)
	g.spawn("pool", a.logger, pool.Run)

	if a.cfg.Router.PolicyFile != "" {
		watcher := router.NewWatcher(a.router, a.cfg.Router.PolicyFile, a.logger)
		g.spawn("policy-watcher", a.logger, watcher.Run)
	}

	err = g.wait()
	if errors.Is(err, worker.ErrRecycle) {
		a.logger.Info("Worker recycled cleanly")
		return nil
	}
	return err
}
