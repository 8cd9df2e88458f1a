// Package daemon ties the processing services into a single lifecycle with
// flock-based locking to prevent multiple instances sharing one job store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vidforge/internal/broker"
	"vidforge/internal/config"
	"vidforge/internal/deps"
	"vidforge/internal/ingest"
	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/pipeline"
	"vidforge/internal/queue"
	"vidforge/internal/ratelimit"
	"vidforge/internal/scratch"
	"vidforge/internal/stage"
	"vidforge/internal/supervisor"
)

// Daemon owns the worker pool, the scratch sweeper, and the HTTP API.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	broker     broker.Broker
	tracker    *lifecycle.Tracker
	ingest     *ingest.Service
	supervisor *supervisor.Supervisor
	scratch    *scratch.Manager
	limiter    *ratelimit.Limiter
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Health is the aggregate liveness view served by the API.
type Health struct {
	Running       bool          `json:"running"`
	Store         bool          `json:"store"`
	Broker        bool          `json:"broker"`
	Workers       bool          `json:"workers"`
	ActiveWorkers int           `json:"active_workers"`
	ScratchFreeMB uint64        `json:"scratch_free_mb"`
	Tools         []deps.Status `json:"tools,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

// Healthy reports whether every subsystem passed its check.
func (h Health) Healthy() bool {
	return h.Running && h.Store && h.Broker && h.Workers
}

// Build wires every service from the configuration and returns a daemon
// ready to start.
func Build(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	pollInterval := time.Duration(cfg.Workers.QueuePollInterval) * time.Second
	b, err := broker.New(cfg, store, pollInterval)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build broker: %w", err)
	}

	tracker := lifecycle.NewTracker(store, logger)
	tracker.SetTakeoverAfter(cfg.VisibilityTimeout())
	limiter := ratelimit.New(cfg.Limits.RateLimitRequests, cfg.RateLimitWindow())
	scratchMgr := scratch.NewManager(cfg.Paths.ScratchDir, cfg.ScratchTTL(),
		time.Duration(cfg.Scratch.SweepIntervalSeconds)*time.Second, logger)
	registry := stage.NewRegistry(stage.NewRunner(cfg.CancelGrace(), logger))
	executor := pipeline.NewExecutor(registry, scratchMgr, tracker, cfg.Paths.OutputDir, logger)
	pool := supervisor.New(cfg, b, tracker, executor, logger)
	ingestSvc := ingest.NewService(cfg, store, tracker, limiter, scratchMgr, b, registry, logger)

	return New(cfg, store, b, tracker, ingestSvc, pool, scratchMgr, limiter, logger)
}

// New assembles a daemon from prebuilt services.
func New(cfg *config.Config, store *queue.Store, b broker.Broker, tracker *lifecycle.Tracker, ingestSvc *ingest.Service, pool *supervisor.Supervisor, scratchMgr *scratch.Manager, limiter *ratelimit.Limiter, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || b == nil || tracker == nil || ingestSvc == nil || pool == nil || scratchMgr == nil {
		return nil, errors.New("daemon requires config, store, broker, tracker, ingest, supervisor, and scratch")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "vidforged.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		broker:     b,
		tracker:    tracker,
		ingest:     ingestSvc,
		supervisor: pool,
		scratch:    scratchMgr,
		limiter:    limiter,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the instance lock and launches background processing.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vidforge daemon instance is already running")
	}

	if missing := deps.MissingRequired(deps.CheckBinaries(deps.Requirements())); len(missing) > 0 {
		d.logger.Warn("required external tools missing, pipeline stages will fail",
			logging.String("tools", strings.Join(missing, ", ")))
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.supervisor.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		d.cancel = nil
		return fmt.Errorf("start supervisor: %w", err)
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.scratch.Run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.runLimiterEviction(runCtx)
	}()

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			d.supervisor.Stop()
			cancel()
			d.wg.Wait()
			_ = d.lock.Unlock()
			d.cancel = nil
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("vidforge daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("workers", d.cfg.Workers.Concurrency),
		logging.String("broker", d.cfg.Broker.Backend),
	)
	return nil
}

// Stop drains the pool and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.supervisor.Stop()
	d.wg.Wait()
	if d.api != nil {
		d.api.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("vidforge daemon stopped")
}

// Close stops the daemon and releases the store and broker.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// APIAddr returns the bound API address, empty until Start.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Health checks every subsystem.
func (d *Daemon) Health(ctx context.Context) Health {
	health := Health{
		Running:       d.running.Load(),
		Workers:       d.supervisor.Healthy(),
		ActiveWorkers: d.supervisor.ActiveWorkers(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if dbHealth, err := d.store.CheckHealth(checkCtx); err == nil && dbHealth.Error == "" && dbHealth.IntegrityCheck {
		health.Store = true
	} else if err != nil {
		health.Detail = err.Error()
	} else {
		health.Detail = dbHealth.Error
	}
	if err := d.broker.Ping(checkCtx); err == nil {
		health.Broker = true
	} else if health.Detail == "" {
		health.Detail = err.Error()
	}
	if usage, err := d.scratch.Usage(); err == nil {
		health.ScratchFreeMB = usage.FreeBytes / (1024 * 1024)
	}
	health.Tools = deps.CheckBinaries(deps.Requirements())
	return health
}

// runLimiterEviction drops idle client windows so the limiter's memory
// stays proportional to active clients.
func (d *Daemon) runLimiterEviction(ctx context.Context) {
	if d.limiter == nil {
		return
	}
	ticker := time.NewTicker(d.cfg.RateLimitWindow())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.limiter.EvictIdle(time.Now())
		}
	}
}
