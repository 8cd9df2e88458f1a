// Package lifecycle owns job status transitions. All status changes flow
// through the Tracker so the monotonic transition rules hold no matter how
// many times the broker redelivers a job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vidforge/internal/logging"
	"vidforge/internal/queue"
)

var (
	// ErrNotFound is returned when no job exists for the given key.
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned for transitions attempted on a job that
	// already reached a terminal state.
	ErrFinished = errors.New("job already finished")
	// ErrNotCancellable is returned when cancellation is requested for a
	// job that is not waiting in the queue.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrAlreadyRunning is returned for a redelivered job whose current
	// attempt is still heartbeating.
	ErrAlreadyRunning = errors.New("job attempt already in progress")
)

// defaultTakeoverAfter matches the default broker visibility timeout: a
// running job whose heartbeat went silent for this long is treated as
// abandoned by its worker.
const defaultTakeoverAfter = 2 * time.Minute

// Progress is the client-visible execution position of a job.
type Progress struct {
	Stage   string  `json:"stage,omitempty"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Snapshot is the polling view of one job.
type Snapshot struct {
	JobKey        string       `json:"job_key"`
	ClientID      string       `json:"client_id"`
	Status        queue.Status `json:"status"`
	Attempts      int          `json:"attempts"`
	MaxRetries    int          `json:"max_retries"`
	ErrorMessage  string       `json:"error,omitempty"`
	OutputRef     string       `json:"output_ref,omitempty"`
	TranscriptRef string       `json:"transcript_ref,omitempty"`
	Progress      Progress     `json:"progress"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
}

// Tracker wraps the job store with transition enforcement.
type Tracker struct {
	store         *queue.Store
	logger        *slog.Logger
	takeoverAfter time.Duration
}

// NewTracker builds a tracker over the given store.
func NewTracker(store *queue.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		store:         store,
		logger:        logging.NewComponentLogger(logger, "lifecycle"),
		takeoverAfter: defaultTakeoverAfter,
	}
}

// SetTakeoverAfter adjusts how stale a running job's heartbeat must be
// before a redelivered attempt may take the job over. Callers align it
// with the broker visibility timeout.
func (t *Tracker) SetTakeoverAfter(d time.Duration) {
	if d > 0 {
		t.takeoverAfter = d
	}
}

// Get returns the current snapshot for the job key.
func (t *Tracker) Get(ctx context.Context, jobKey string) (Snapshot, error) {
	job, err := t.load(ctx, jobKey)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(job), nil
}

// MarkRunning transitions the job to running and increments the attempt
// count. The increment happens before execution so a crash mid-attempt
// still burns the attempt on redelivery. A job that is already running
// can be taken over only once its heartbeat has gone stale; a live
// attempt keeps exclusive ownership.
func (t *Tracker) MarkRunning(ctx context.Context, jobKey string) (*queue.Job, error) {
	job, err := t.load(ctx, jobKey)
	if err != nil {
		return nil, err
	}
	if job.IsFinished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrFinished, jobKey, job.Status)
	}
	now := time.Now().UTC()
	if job.Status == queue.StatusRunning && !t.heartbeatStale(job, now) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, jobKey)
	}
	if !queue.CanTransition(job.Status, queue.StatusRunning) {
		return nil, fmt.Errorf("cannot start job %s from status %s", jobKey, job.Status)
	}

	prev := job.Status
	job.Status = queue.StatusRunning
	job.AttemptCount++
	job.ErrorMessage = ""
	job.LastHeartbeat = &now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	ok, err := t.store.UpdateIf(ctx, job, prev)
	if err != nil {
		return nil, fmt.Errorf("persist running transition: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, jobKey)
	}

	t.logger.Info("job attempt started",
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.Int(logging.FieldAttempt, job.AttemptCount),
		logging.String(logging.FieldEventType, "job_running"),
	)
	return job, nil
}

// MarkSucceeded records the final artifacts and closes the job. The guard
// runs against the stored row, not the caller's handle, so a worker whose
// job was taken over mid-run cannot overwrite the settled outcome.
func (t *Tracker) MarkSucceeded(ctx context.Context, job *queue.Job, outputRef, transcriptRef string) error {
	fresh, err := t.load(ctx, job.JobKey)
	if err != nil {
		return err
	}
	if fresh.IsFinished() {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}
	prev := fresh.Status
	now := time.Now().UTC()
	fresh.Status = queue.StatusSucceeded
	fresh.OutputRef = outputRef
	fresh.TranscriptRef = transcriptRef
	fresh.ErrorMessage = ""
	fresh.FinishedAt = &now
	fresh.LastHeartbeat = nil
	fresh.SetProgress("", "completed", 100)
	ok, err := t.store.UpdateIf(ctx, fresh, prev)
	if err != nil {
		return fmt.Errorf("persist success: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}
	*job = *fresh

	t.logger.Info("job succeeded",
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.Int(logging.FieldAttempt, job.AttemptCount),
		logging.String(logging.FieldEventType, "job_succeeded"),
	)
	return nil
}

// MarkRetrying records the attempt failure and returns the job to the
// queue. The failure is visible to pollers only through the error message
// and attempt count.
func (t *Tracker) MarkRetrying(ctx context.Context, job *queue.Job, failure queue.Status, errMsg string) error {
	if failure != queue.StatusFailed && failure != queue.StatusTimedOut {
		return fmt.Errorf("status %s is not retryable", failure)
	}
	fresh, err := t.load(ctx, job.JobKey)
	if err != nil {
		return err
	}
	if fresh.IsFinished() {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}
	prev := fresh.Status
	fresh.Status = queue.StatusQueued
	fresh.ErrorMessage = strings.TrimSpace(errMsg)
	fresh.LastHeartbeat = nil
	ok, err := t.store.UpdateIf(ctx, fresh, prev)
	if err != nil {
		return fmt.Errorf("persist retry transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}
	*job = *fresh

	t.logger.Warn("job attempt failed, requeued",
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.Int(logging.FieldAttempt, job.AttemptCount),
		logging.String("failure_status", string(failure)),
		logging.String("error_message", job.ErrorMessage),
		logging.String(logging.FieldEventType, "job_retrying"),
	)
	return nil
}

// MarkTerminal closes the job with a failure status. Once set, the status
// never changes again.
func (t *Tracker) MarkTerminal(ctx context.Context, job *queue.Job, status queue.Status, errMsg string) error {
	switch status {
	case queue.StatusFailed, queue.StatusTimedOut, queue.StatusCancelled:
	default:
		return fmt.Errorf("status %s is not a terminal failure", status)
	}
	fresh, err := t.load(ctx, job.JobKey)
	if err != nil {
		return err
	}
	if fresh.IsFinished() {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}

	prev := fresh.Status
	now := time.Now().UTC()
	fresh.Status = status
	fresh.ErrorMessage = strings.TrimSpace(errMsg)
	fresh.FinishedAt = &now
	fresh.LastHeartbeat = nil
	ok, err := t.store.UpdateIf(ctx, fresh, prev)
	if err != nil {
		return fmt.Errorf("persist terminal transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFinished, job.JobKey)
	}
	*job = *fresh

	t.logger.Error("job finished with failure",
		logging.String(logging.FieldJobKey, job.JobKey),
		logging.Int(logging.FieldAttempt, job.AttemptCount),
		logging.String("status", string(status)),
		logging.String("error_message", job.ErrorMessage),
		logging.String(logging.FieldEventType, "job_terminal"),
	)
	return nil
}

// Cancel closes a queued job before any worker picks it up. Running and
// finished jobs are not cancellable.
func (t *Tracker) Cancel(ctx context.Context, jobKey string) error {
	job, err := t.load(ctx, jobKey)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return fmt.Errorf("%w: %s", ErrFinished, jobKey)
	}
	if job.Status != queue.StatusQueued {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, jobKey, job.Status)
	}
	return t.MarkTerminal(ctx, job, queue.StatusCancelled, "cancelled by client")
}

// UpdateProgress persists the current execution position. Only the
// progress columns are written; a settled row keeps its final state.
func (t *Tracker) UpdateProgress(ctx context.Context, job *queue.Job, stage string, percent float64, message string) error {
	job.SetProgress(stage, message, percent)
	if err := t.store.SetProgress(ctx, job.ID, stage, percent, message); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

// Heartbeat refreshes the running job's liveness marker.
func (t *Tracker) Heartbeat(ctx context.Context, job *queue.Job) error {
	return t.store.UpdateHeartbeat(ctx, job.ID)
}

func (t *Tracker) heartbeatStale(job *queue.Job, now time.Time) bool {
	if job.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*job.LastHeartbeat) >= t.takeoverAfter
}

func (t *Tracker) load(ctx context.Context, jobKey string) (*queue.Job, error) {
	job, err := t.store.GetByKey(ctx, jobKey)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobKey, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobKey)
	}
	return job, nil
}

func snapshotOf(job *queue.Job) Snapshot {
	return Snapshot{
		JobKey:        job.JobKey,
		ClientID:      job.ClientID,
		Status:        job.Status,
		Attempts:      job.AttemptCount,
		MaxRetries:    job.MaxRetries,
		ErrorMessage:  job.ErrorMessage,
		OutputRef:     job.OutputRef,
		TranscriptRef: job.TranscriptRef,
		Progress: Progress{
			Stage:   job.ProgressStage,
			Percent: job.ProgressPercent,
			Message: job.ProgressMessage,
		},
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		FinishedAt: job.FinishedAt,
	}
}
