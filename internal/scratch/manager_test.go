package scratch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidforge/internal/logging"
)

func TestAllocateCreatesDirectory(t *testing.T) {
	manager := NewManager(t.TempDir(), time.Hour, time.Hour, logging.NewNop())

	artifact, err := manager.Allocate("job-key")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	info, err := os.Stat(artifact.Dir)
	if err != nil {
		t.Fatalf("expected scratch directory to exist: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", artifact.Dir)
	}
	if manager.Active() != 1 {
		t.Fatalf("expected 1 active artifact, got %d", manager.Active())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	manager := NewManager(t.TempDir(), time.Hour, time.Hour, logging.NewNop())

	artifact, err := manager.Allocate("job-key")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if err := manager.Release(artifact.ID); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, err := os.Stat(artifact.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory to be removed, stat err = %v", err)
	}
	if err := manager.Release(artifact.ID); err != nil {
		t.Fatalf("second Release returned error: %v", err)
	}
	if manager.Active() != 0 {
		t.Fatalf("expected 0 active artifacts, got %d", manager.Active())
	}
}

func TestSweepExpiredRemovesPastDeadline(t *testing.T) {
	manager := NewManager(t.TempDir(), 50*time.Millisecond, time.Hour, logging.NewNop())

	expired, err := manager.Allocate("old-job")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	manager.mu.Lock()
	manager.artifacts[expired.ID].Deadline = time.Now().Add(-time.Minute)
	manager.mu.Unlock()

	fresh, err := manager.Allocate("fresh-job")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	manager.Touch(fresh.ID)

	result := manager.SweepExpired(context.Background())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected sweep errors: %v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != expired.Dir {
		t.Fatalf("expected only %s removed, got %v", expired.Dir, result.Removed)
	}
	if _, err := os.Stat(fresh.Dir); err != nil {
		t.Fatalf("expected fresh directory to survive sweep: %v", err)
	}
}

func TestTouchExtendsDeadline(t *testing.T) {
	manager := NewManager(t.TempDir(), time.Hour, time.Hour, logging.NewNop())

	artifact, err := manager.Allocate("job-key")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	manager.mu.Lock()
	manager.artifacts[artifact.ID].Deadline = time.Now().Add(-time.Minute)
	manager.mu.Unlock()

	manager.Touch(artifact.ID)

	result := manager.SweepExpired(context.Background())
	if len(result.Removed) != 0 {
		t.Fatalf("expected touched artifact to survive sweep, removed %v", result.Removed)
	}
}

func TestSweepReclaimsOrphanedDirectories(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, time.Minute, time.Hour, logging.NewNop())

	orphan := filepath.Join(root, "job-lost-deadbeef")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("failed to create orphan directory: %v", err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}

	recent := filepath.Join(root, "job-recent-cafef00d")
	if err := os.MkdirAll(recent, 0o755); err != nil {
		t.Fatalf("failed to create recent directory: %v", err)
	}

	result := manager.SweepExpired(context.Background())
	if len(result.Removed) != 1 || result.Removed[0] != orphan {
		t.Fatalf("expected only orphan removed, got %v", result.Removed)
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatalf("expected recent directory to survive: %v", err)
	}
}

func TestSweepIgnoresRegisteredDirectories(t *testing.T) {
	manager := NewManager(t.TempDir(), time.Minute, time.Hour, logging.NewNop())

	artifact, err := manager.Allocate("job-key")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(artifact.Dir, old, old); err != nil {
		t.Fatalf("failed to set mtime: %v", err)
	}

	result := manager.SweepExpired(context.Background())
	if len(result.Removed) != 0 {
		t.Fatalf("registered artifact with fresh deadline must not be swept, removed %v", result.Removed)
	}
}
