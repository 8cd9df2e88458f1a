// Package scratch tracks and reclaims temporary artifacts produced while
// jobs execute.
//
// Every allocated artifact carries a TTL deadline. A background sweep
// removes artifacts past their deadline regardless of the owning job's
// status, and an mtime-based backstop scan catches directories whose
// registrations were lost to a crashed worker. Release is idempotent so the
// happy path and the sweep can race without errors.
package scratch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidforge/internal/logging"
)

// Artifact is a scratch directory owned by exactly one job.
type Artifact struct {
	ID        string
	JobKey    string
	Dir       string
	CreatedAt time.Time
	Deadline  time.Time
}

// SweepResult contains the outcome of one reclamation pass.
type SweepResult struct {
	Removed []string
	Errors  []SweepError
}

// SweepError pairs a path with its cleanup error.
type SweepError struct {
	Path  string
	Error error
}

// Manager allocates scratch directories and reclaims them on TTL expiry.
type Manager struct {
	root          string
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	artifacts map[string]*Artifact
}

// NewManager constructs a manager rooted at dir with the given TTL.
func NewManager(dir string, ttl, sweepInterval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		root:          strings.TrimSpace(dir),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logging.NewComponentLogger(logger, "scratch"),
		artifacts:     make(map[string]*Artifact),
	}
}

// Root returns the scratch root directory.
func (m *Manager) Root() string {
	return m.root
}

// Allocate creates a scratch directory for the job and registers it with a
// deadline of now + TTL.
func (m *Manager) Allocate(jobKey string) (*Artifact, error) {
	if m.root == "" {
		return nil, fmt.Errorf("scratch root is not configured")
	}
	id := uuid.NewString()
	dir := filepath.Join(m.root, fmt.Sprintf("job-%s-%s", jobKey, id[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	now := time.Now()
	artifact := &Artifact{
		ID:        id,
		JobKey:    jobKey,
		Dir:       dir,
		CreatedAt: now,
		Deadline:  now.Add(m.ttl),
	}

	m.mu.Lock()
	m.artifacts[id] = artifact
	m.mu.Unlock()

	return artifact, nil
}

// Touch extends the artifact's deadline and refreshes the directory mtime so
// the backstop scan agrees with the registry. Touching an unknown artifact
// is a no-op.
func (m *Manager) Touch(id string) {
	now := time.Now()

	m.mu.Lock()
	artifact, ok := m.artifacts[id]
	if ok {
		artifact.Deadline = now.Add(m.ttl)
	}
	m.mu.Unlock()

	if ok {
		_ = os.Chtimes(artifact.Dir, now, now)
	}
}

// Release removes the artifact's directory and unregisters it. Releasing an
// already-released or already-reclaimed artifact is a no-op.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	artifact, ok := m.artifacts[id]
	if ok {
		delete(m.artifacts, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(artifact.Dir); err != nil {
		return fmt.Errorf("remove scratch directory: %w", err)
	}
	return nil
}

// Active reports how many artifacts are currently registered.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.artifacts)
}

// SweepExpired removes every registered artifact past its deadline, then
// scans the scratch root for unregistered directories older than the TTL.
// Reclamation never fails the owning job; errors are collected and logged.
func (m *Manager) SweepExpired(ctx context.Context) SweepResult {
	result := SweepResult{}
	now := time.Now()

	m.mu.Lock()
	var expired []*Artifact
	registered := make(map[string]struct{}, len(m.artifacts))
	for _, artifact := range m.artifacts {
		registered[filepath.Base(artifact.Dir)] = struct{}{}
		if artifact.Deadline.Before(now) {
			expired = append(expired, artifact)
		}
	}
	for _, artifact := range expired {
		delete(m.artifacts, artifact.ID)
	}
	m.mu.Unlock()

	for _, artifact := range expired {
		if err := os.RemoveAll(artifact.Dir); err != nil {
			result.Errors = append(result.Errors, SweepError{Path: artifact.Dir, Error: err})
			m.logger.Warn("failed to remove expired scratch directory",
				logging.String("path", artifact.Dir),
				logging.String(logging.FieldJobKey, artifact.JobKey),
				logging.Error(err),
				logging.String(logging.FieldEventType, "scratch_sweep_failed"),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
			)
			continue
		}
		result.Removed = append(result.Removed, artifact.Dir)
		m.logger.Info("removed expired scratch directory",
			logging.String("path", artifact.Dir),
			logging.String(logging.FieldJobKey, artifact.JobKey),
			logging.Duration("age", now.Sub(artifact.CreatedAt)),
			logging.String(logging.FieldEventType, "scratch_sweep"),
		)
	}

	m.sweepOrphans(now, registered, &result)
	return result
}

// sweepOrphans removes directories with no registration whose mtime is past
// the TTL. A crashed worker loses its registry but not its files; this is
// the backstop that reclaims them.
func (m *Manager) sweepOrphans(now time.Time, registered map[string]struct{}, result *SweepResult) {
	if m.root == "" {
		return
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, SweepError{Path: m.root, Error: err})
		}
		return
	}

	cutoff := now.Add(-m.ttl)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := registered[entry.Name()]; ok {
			continue
		}
		dirPath := filepath.Join(m.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, SweepError{Path: dirPath, Error: err})
			m.logger.Warn("failed to remove orphaned scratch directory",
				logging.String("path", dirPath),
				logging.Error(err),
				logging.String(logging.FieldEventType, "scratch_sweep_failed"),
				logging.String(logging.FieldErrorHint, "check scratch_dir permissions"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		m.logger.Info("removed orphaned scratch directory",
			logging.String("path", dirPath),
			logging.Duration("age", now.Sub(info.ModTime())),
			logging.String(logging.FieldEventType, "scratch_sweep"),
		)
	}
}

// Run executes the sweep on a fixed interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}
