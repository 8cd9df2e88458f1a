// Package supervisor runs the worker pool that drains the broker.
//
// Each worker slot is a goroutine: dequeue a delivery, mark the job
// running, execute the pipeline under the task timeout, then ack or nack
// depending on the outcome. One job's failure never stops the pool. A
// reclaimer loop re-exposes deliveries whose workers died without acking.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vidforge/internal/broker"
	"vidforge/internal/config"
	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/pipeline"
	"vidforge/internal/queue"
	"vidforge/internal/stage"
)

// Runner executes one job attempt.
type Runner interface {
	Run(ctx context.Context, job *queue.Job) (pipeline.Outcome, error)
}

type workerState struct {
	lastPulse atomic.Int64
	busy      atomic.Bool
}

// Supervisor owns the worker pool and the lease reclaimer.
type Supervisor struct {
	cfg      *config.Config
	broker   broker.Broker
	tracker  *lifecycle.Tracker
	executor Runner
	logger   *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	workers []*workerState
	active  atomic.Int64
}

// New builds a supervisor with cfg.Workers.Concurrency slots.
func New(cfg *config.Config, b broker.Broker, tracker *lifecycle.Tracker, executor Runner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	pollInterval := time.Duration(cfg.Workers.QueuePollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	heartbeatInterval := time.Duration(cfg.Workers.HeartbeatInterval) * time.Second
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Second
	}
	// Lease renewal rides the heartbeat ticker, so it must fire well
	// inside one visibility window or healthy jobs get redelivered.
	if visibility := cfg.VisibilityTimeout(); visibility > 0 && heartbeatInterval > visibility/3 {
		heartbeatInterval = visibility / 3
	}

	workers := make([]*workerState, cfg.Workers.Concurrency)
	for i := range workers {
		workers[i] = &workerState{}
	}
	return &Supervisor{
		cfg:               cfg,
		broker:            b,
		tracker:           tracker,
		executor:          executor,
		logger:            logging.NewComponentLogger(logger, "supervisor"),
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
		workers:           workers,
	}
}

// Start launches the worker slots and the reclaimer.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("supervisor already running")
	}
	if len(s.workers) == 0 {
		return errors.New("worker concurrency must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	now := time.Now().UnixNano()
	for i, state := range s.workers {
		state.lastPulse.Store(now)
		s.wg.Add(1)
		go s.runWorker(runCtx, i, state)
	}
	s.wg.Add(1)
	go s.runReclaimer(runCtx)

	return nil
}

// Stop cancels the pool and waits for the slots to drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// ActiveWorkers reports how many slots are executing a job right now.
func (s *Supervisor) ActiveWorkers() int {
	return int(s.active.Load())
}

// Healthy reports whether every worker slot is either busy or has polled
// the broker recently.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}

	threshold := 4 * s.pollInterval
	if threshold < time.Second {
		threshold = time.Second
	}
	now := time.Now()
	for _, state := range s.workers {
		if state.busy.Load() {
			continue
		}
		pulse := time.Unix(0, state.lastPulse.Load())
		if now.Sub(pulse) > threshold {
			return false
		}
	}
	return true
}

func (s *Supervisor) runWorker(ctx context.Context, index int, state *workerState) {
	defer s.wg.Done()
	owner := fmt.Sprintf("worker-%d", index)
	logger := s.logger.With(logging.String(logging.FieldWorker, owner))

	for {
		state.lastPulse.Store(time.Now().UnixNano())
		select {
		case <-ctx.Done():
			return
		default:
		}

		dequeueCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
		delivery, err := s.broker.Dequeue(dequeueCtx, owner, s.cfg.VisibilityTimeout())
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("dequeue failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "dequeue_failed"),
				logging.String(logging.FieldErrorHint, "check broker connectivity"),
			)
			s.waitOrShutdown(ctx)
			continue
		}

		state.busy.Store(true)
		s.active.Add(1)
		s.processDelivery(ctx, logger, delivery)
		s.active.Add(-1)
		state.busy.Store(false)
	}
}

func (s *Supervisor) processDelivery(ctx context.Context, logger *slog.Logger, delivery *broker.Delivery) {
	jobCtx := logging.WithJob(ctx, 0, delivery.JobKey, delivery.ClientID)

	job, err := s.tracker.MarkRunning(jobCtx, delivery.JobKey)
	if err != nil {
		// Finished and missing jobs have nothing left to run; drop the
		// delivery so it stops circulating.
		if errors.Is(err, lifecycle.ErrFinished) || errors.Is(err, lifecycle.ErrNotFound) {
			if ackErr := s.broker.Ack(jobCtx, delivery); ackErr != nil {
				logger.Warn("failed to drop stale delivery", logging.Error(ackErr))
			}
			return
		}
		// A duplicate delivery for a job whose attempt is still alive
		// goes back to the queue; it only matters again if that attempt
		// dies without acking.
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			if nackErr := s.broker.Nack(jobCtx, delivery, s.errorRetryDelay()); nackErr != nil {
				logger.Warn("failed to return duplicate delivery", logging.Error(nackErr))
			}
			return
		}
		logger.Error("failed to mark job running", logging.Error(err))
		if nackErr := s.broker.Nack(jobCtx, delivery, s.errorRetryDelay()); nackErr != nil {
			logger.Warn("failed to return delivery", logging.Error(nackErr))
		}
		return
	}

	outcome, runErr := s.runAttempt(jobCtx, job, delivery)
	if runErr == nil {
		if err := s.tracker.MarkSucceeded(jobCtx, job, outcome.OutputRef, outcome.TranscriptRef); err != nil {
			logger.Error("failed to persist success", logging.Error(err))
		}
		if err := s.broker.Ack(jobCtx, delivery); err != nil {
			logger.Warn("failed to ack delivery", logging.Error(err))
		}
		return
	}

	s.handleFailure(jobCtx, logger, delivery, job, runErr)
}

// runAttempt executes the pipeline under the task deadline while streaming
// heartbeats and renewing the delivery lease. When the deadline passes, the
// stage runner kills the external process; if the attempt still has not
// returned after the grace period the slot abandons it.
func (s *Supervisor) runAttempt(ctx context.Context, job *queue.Job, delivery *broker.Delivery) (pipeline.Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout())
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(attemptCtx)
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go s.runHeartbeat(heartbeatCtx, &heartbeatWG, job, delivery)

	type attemptResult struct {
		outcome pipeline.Outcome
		err     error
	}
	resultCh := make(chan attemptResult, 1)
	go func() {
		outcome, err := s.executor.Run(attemptCtx, job)
		resultCh <- attemptResult{outcome: outcome, err: err}
	}()

	var result attemptResult
	select {
	case result = <-resultCh:
	case <-attemptCtx.Done():
		select {
		case result = <-resultCh:
		case <-time.After(s.cfg.CancelGrace()):
			result = attemptResult{err: stage.Wrap(stage.ErrTimeout, "", "attempt",
				fmt.Sprintf("task exceeded %s and ignored cancellation", s.cfg.TaskTimeout()), attemptCtx.Err())}
		}
	}

	stopHeartbeat()
	heartbeatWG.Wait()

	if result.err == nil && attemptCtx.Err() != nil {
		result.err = stage.Wrap(stage.ErrTimeout, "", "attempt", "task deadline exceeded", attemptCtx.Err())
	}
	return result.outcome, result.err
}

func (s *Supervisor) handleFailure(ctx context.Context, logger *slog.Logger, delivery *broker.Delivery, job *queue.Job, runErr error) {
	failure := queue.StatusFailed
	if errors.Is(runErr, stage.ErrTimeout) || errors.Is(runErr, context.DeadlineExceeded) {
		failure = queue.StatusTimedOut
	}

	terminal := stage.IsTerminal(runErr) || job.AttemptCount > job.MaxRetries
	if terminal {
		if err := s.tracker.MarkTerminal(ctx, job, failure, runErr.Error()); err != nil {
			logger.Error("failed to persist terminal failure", logging.Error(err))
		}
		if err := s.broker.Ack(ctx, delivery); err != nil {
			logger.Warn("failed to ack terminal delivery", logging.Error(err))
		}
		return
	}

	if err := s.tracker.MarkRetrying(ctx, job, failure, runErr.Error()); err != nil {
		logger.Error("failed to persist retry", logging.Error(err))
	}
	delay := s.retryDelay(job.AttemptCount)
	if err := s.broker.Nack(ctx, delivery, delay); err != nil {
		logger.Warn("failed to nack delivery", logging.Error(err))
	}
	logger.Info("attempt will be retried",
		logging.Int(logging.FieldAttempt, job.AttemptCount),
		logging.Duration("backoff", delay),
		logging.String(logging.FieldEventType, "job_retry_scheduled"),
	)
}

// runHeartbeat keeps both liveness signals fresh while the attempt runs:
// the job row's heartbeat for takeover decisions, and the broker lease so
// the reclaimer leaves a healthy in-progress delivery alone.
func (s *Supervisor) runHeartbeat(ctx context.Context, wg *sync.WaitGroup, job *queue.Job, delivery *broker.Delivery) {
	defer wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tracker.Heartbeat(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("heartbeat update failed",
					logging.String(logging.FieldJobKey, job.JobKey),
					logging.Error(err),
				)
			}
			if err := s.broker.Extend(ctx, delivery, s.cfg.VisibilityTimeout()); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("lease renewal failed",
					logging.String(logging.FieldJobKey, job.JobKey),
					logging.Error(err),
				)
			}
		}
	}
}

// runReclaimer periodically re-exposes deliveries whose visibility window
// lapsed, covering workers that died mid-attempt.
func (s *Supervisor) runReclaimer(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.VisibilityTimeout() / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := s.broker.RequeueExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("lease reclaim failed",
						logging.Error(err),
						logging.String(logging.FieldEventType, "reclaim_failed"),
						logging.String(logging.FieldErrorHint, "check broker connectivity"),
					)
				}
				continue
			}
			if reclaimed > 0 {
				s.logger.Info("reclaimed expired deliveries", logging.Int("count", reclaimed))
			}
		}
	}
}

func (s *Supervisor) retryDelay(attempt int) time.Duration {
	base := time.Duration(s.cfg.Workers.RetryBackoffBase) * time.Second
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

func (s *Supervisor) errorRetryDelay() time.Duration {
	interval := time.Duration(s.cfg.Workers.ErrorRetryInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

func (s *Supervisor) waitOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.errorRetryDelay()):
	}
}
