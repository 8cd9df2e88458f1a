// Package ingest admits new jobs into the system: rate limiting, request
// validation, input staging, persistence, and broker handoff.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidforge/internal/broker"
	"vidforge/internal/config"
	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/queue"
	"vidforge/internal/ratelimit"
	"vidforge/internal/scratch"
	"vidforge/internal/stage"
)

// ErrRateLimited marks submissions rejected by the admission limiter.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the wait the client should observe before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	ClientID      string            `json:"client_id"`
	Stages        []queue.StageSpec `json:"stages"`
	InputRef      string            `json:"input_ref"`
	MaxFileSizeMB int               `json:"max_file_size_mb,omitempty"`
}

// Service admits jobs. Submissions that pass validation are staged into
// scratch, persisted, and handed to the broker.
type Service struct {
	cfg      *config.Config
	store    *queue.Store
	tracker  *lifecycle.Tracker
	limiter  *ratelimit.Limiter
	scratch  *scratch.Manager
	broker   broker.Broker
	registry *stage.Registry
	logger   *slog.Logger
}

// NewService wires the admission path.
func NewService(cfg *config.Config, store *queue.Store, tracker *lifecycle.Tracker, limiter *ratelimit.Limiter, scratchMgr *scratch.Manager, b broker.Broker, registry *stage.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		limiter:  limiter,
		scratch:  scratchMgr,
		broker:   b,
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "ingest"),
	}
}

// Submit validates and enqueues a job, returning its client-facing key.
// Denied admissions carry a RetryAfter; validation failures are permanent
// for the given request.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return "", stage.Wrap(stage.ErrValidation, "", "submit", "client_id is required", nil)
	}

	decision := s.limiter.Admit(clientID)
	if !decision.Allowed {
		s.logger.Warn("submission rate limited",
			logging.String(logging.FieldClientID, clientID),
			logging.Duration("retry_after", decision.RetryAfter),
			logging.String(logging.FieldEventType, "submit_rate_limited"),
		)
		return "", &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	if _, err := s.registry.Resolve(req.Stages); err != nil {
		return "", err
	}

	maxMB := req.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = s.cfg.Limits.MaxFileSizeMB
	}
	if err := s.validateInput(req.InputRef, maxMB); err != nil {
		return "", err
	}

	stagedRef, err := s.stageInput(req.InputRef)
	if err != nil {
		return "", err
	}

	job, err := s.store.NewJob(ctx, clientID, req.Stages, stagedRef, maxMB, s.cfg.Workers.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	if err := s.enqueueWithRetry(ctx, job); err != nil {
		if termErr := s.tracker.MarkTerminal(ctx, job, queue.StatusFailed, "broker unavailable at submission"); termErr != nil {
			s.logger.Error("failed to close unenqueued job", logging.Error(termErr))
		}
		return "", err
	}

	s.logger.Info("job submitted",
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.String(logging.FieldClientID, clientID),
		logging.Int("stages", len(req.Stages)),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return job.JobKey, nil
}

// Status returns the lifecycle snapshot for polling clients.
func (s *Service) Status(ctx context.Context, jobKey string) (lifecycle.Snapshot, error) {
	return s.tracker.Get(ctx, jobKey)
}

// Cancel withdraws a queued job.
func (s *Service) Cancel(ctx context.Context, jobKey string) error {
	return s.tracker.Cancel(ctx, jobKey)
}

func (s *Service) validateInput(inputRef string, maxMB int) error {
	inputRef = strings.TrimSpace(inputRef)
	if inputRef == "" {
		return stage.Wrap(stage.ErrValidation, "", "submit", "input_ref is required", nil)
	}
	info, err := os.Stat(inputRef)
	if err != nil {
		return stage.Wrap(stage.ErrValidation, "", "submit", fmt.Sprintf("input %s is not readable", inputRef), err)
	}
	if info.IsDir() {
		return stage.Wrap(stage.ErrValidation, "", "submit", "input must be a file", nil)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(inputRef)), ".")
	if !s.extensionAllowed(ext) {
		return stage.Wrap(stage.ErrValidation, "", "submit", fmt.Sprintf("file type %q is not allowed", ext), nil)
	}

	if maxMB > 0 && info.Size() > int64(maxMB)*1024*1024 {
		return stage.Wrap(stage.ErrValidation, "", "submit",
			fmt.Sprintf("file size %d exceeds limit of %d MB", info.Size(), maxMB), nil)
	}
	return nil
}

func (s *Service) extensionAllowed(ext string) bool {
	if len(s.cfg.Limits.AllowedExtensions) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Limits.AllowedExtensions {
		if strings.EqualFold(strings.TrimSpace(allowed), ext) {
			return true
		}
	}
	return false
}

// stageInput copies the submitted file into scratch so the original can
// disappear without affecting retries. The staged copy is reclaimed by the
// TTL sweep.
func (s *Service) stageInput(inputRef string) (string, error) {
	artifact, err := s.scratch.Allocate("input")
	if err != nil {
		return "", stage.Wrap(stage.ErrTransient, "", "submit", "allocate staging directory", err)
	}
	staged := filepath.Join(artifact.Dir, filepath.Base(inputRef))

	in, err := os.Open(inputRef)
	if err != nil {
		return "", stage.Wrap(stage.ErrValidation, "", "submit", "open input", err)
	}
	defer in.Close()
	out, err := os.Create(staged)
	if err != nil {
		return "", stage.Wrap(stage.ErrTransient, "", "submit", "stage input", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", stage.Wrap(stage.ErrTransient, "", "submit", "stage input", err)
	}
	if err := out.Close(); err != nil {
		return "", stage.Wrap(stage.ErrTransient, "", "submit", "stage input", err)
	}
	return staged, nil
}

// enqueueWithRetry absorbs transient broker hiccups at submission time.
func (s *Service) enqueueWithRetry(ctx context.Context, job *queue.Job) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			}
		}
		if lastErr = s.broker.Enqueue(ctx, broker.Ref{JobKey: job.JobKey, ClientID: job.ClientID}); lastErr == nil {
			return nil
		}
	}
	return stage.Wrap(stage.ErrTransient, "", "submit", "enqueue job", lastErr)
}
