package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusTimedOut,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// terminalStatuses are states a job can never leave. Failed and timed_out
// are deliberately absent: both loop back to queued while retries remain,
// and become final only when the job's FinishedAt is stamped.
var terminalStatuses = map[Status]struct{}{
	StatusSucceeded: {},
	StatusCancelled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the status alone is final. Failed and
// timed_out jobs are final only once FinishedAt is stamped; use
// Job.IsFinished for the authoritative check.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// CanTransition reports whether moving from one status to another preserves
// the monotonic lifecycle: succeeded and cancelled are immutable, and a job
// returns to queued only from the retryable failure states.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	switch to {
	case StatusQueued:
		return from == StatusFailed || from == StatusTimedOut
	case StatusRunning:
		return from == StatusQueued
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return from == StatusRunning || from == StatusQueued
	default:
		return false
	}
}

// StageSpec is a client-requested pipeline step with its parameters.
type StageSpec struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Job represents one processing request persisted in SQLite.
type Job struct {
	ID              int64
	JobKey          string
	ClientID        string
	StagesJSON      string
	InputRef        string
	OutputRef       string
	TranscriptRef   string
	MaxFileSizeMB   int
	MaxRetries      int
	Status          Status
	AttemptCount    int
	ErrorMessage    string
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeat   *time.Time
}

// Stages decodes the requested stage list.
func (j *Job) Stages() ([]StageSpec, error) {
	if strings.TrimSpace(j.StagesJSON) == "" {
		return nil, nil
	}
	var specs []StageSpec
	if err := json.Unmarshal([]byte(j.StagesJSON), &specs); err != nil {
		return nil, fmt.Errorf("decode stage list: %w", err)
	}
	return specs, nil
}

// SetStages encodes the requested stage list.
func (j *Job) SetStages(specs []StageSpec) error {
	data, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encode stage list: %w", err)
	}
	j.StagesJSON = string(data)
	return nil
}

// SetProgress updates all three progress fields together.
func (j *Job) SetProgress(stage, message string, percent float64) {
	j.ProgressStage = stage
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// IsFinished reports whether the job has reached a final state that no
// further transition may leave.
func (j *Job) IsFinished() bool {
	return j.FinishedAt != nil
}

// SetFailed marks the job failed with the given error message and clears
// the heartbeat.
func (j *Job) SetFailed(message string) {
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ProgressMessage = message
	j.LastHeartbeat = nil
}

// HealthSummary describes aggregated job counts per key lifecycle state.
type HealthSummary struct {
	Total     int
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Cancelled int
}

// DatabaseHealth captures diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TableExists      bool
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}
