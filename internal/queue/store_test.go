package queue_test

import (
	"context"
	"testing"
	"time"

	"vidforge/internal/queue"
	"vidforge/internal/testsupport"
)

func TestOpenCreatesSchemaAndInsertsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stages := []queue.StageSpec{
		{Name: "transcode", Params: map[string]string{"fps": "24"}},
		{Name: "superres", Params: map[string]string{"scale": "x4"}},
	}
	job, err := store.NewJob(ctx, "client-1", stages, "/tmp/input.mp4", 100, 3)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if job.ID == 0 {
		t.Fatal("expected job ID to be assigned")
	}
	if job.JobKey == "" {
		t.Fatal("expected job key to be assigned")
	}
	if job.Status != queue.StatusQueued {
		t.Fatalf("new job status = %s, want queued", job.Status)
	}

	fetched, err := store.GetByKey(ctx, job.JobKey)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if fetched == nil || fetched.ID != job.ID {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	decoded, err := fetched.Stages()
	if err != nil {
		t.Fatalf("Stages failed: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Name != "transcode" || decoded[1].Params["scale"] != "x4" {
		t.Fatalf("unexpected decoded stages: %#v", decoded)
	}
}

func TestGetByKeyMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job, err := store.GetByKey(context.Background(), "no-such-key")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil for missing job, got %#v", job)
	}
}

func TestUpdatePersistsLifecycleFields(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "client-1", []queue.StageSpec{{Name: "denoise"}}, "/tmp/in.mp4", 50, 2)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	job.Status = queue.StatusRunning
	job.AttemptCount = 1
	job.SetProgress("denoise", "denoise started", 0)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	job.Status = queue.StatusFailed
	job.ErrorMessage = "denoise: model crashed"
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", fetched.Status)
	}
	if fetched.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", fetched.AttemptCount)
	}
	if fetched.ErrorMessage != "denoise: model crashed" {
		t.Errorf("error message = %q", fetched.ErrorMessage)
	}
	if fetched.ProgressStage != "denoise" {
		t.Errorf("progress stage = %q", fetched.ProgressStage)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.NewJob(ctx, "client-1", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3); err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
	}
	job, err := store.NewJob(ctx, "client-2", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	job.Status = queue.StatusSucceeded
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	queued, err := store.List(ctx, queue.StatusQueued)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(queued) != 3 {
		t.Errorf("queued count = %d, want 3", len(queued))
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("total count = %d, want 4", len(all))
	}

	byClient, err := store.ListByClient(ctx, "client-2")
	if err != nil {
		t.Fatalf("ListByClient failed: %v", err)
	}
	if len(byClient) != 1 || byClient[0].ID != job.ID {
		t.Fatalf("unexpected client jobs: %#v", byClient)
	}
}

func TestStatsAndHealth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	statuses := []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusFailed, queue.StatusSucceeded}
	for _, status := range statuses {
		job, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
		if err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
		job.Status = status
		if err := store.Update(ctx, job); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Total != 4 || health.Queued != 1 || health.Running != 1 || health.Failed != 1 || health.Succeeded != 1 {
		t.Errorf("unexpected health summary: %+v", health)
	}

	dbHealth, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !dbHealth.DatabaseExists || !dbHealth.DatabaseReadable || !dbHealth.TableExists || !dbHealth.IntegrityCheck {
		t.Errorf("unexpected database health: %+v", dbHealth)
	}
	if dbHealth.TotalJobs != 4 {
		t.Errorf("total jobs = %d, want 4", dbHealth.TotalJobs)
	}
}

func TestClearFinished(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for _, status := range []queue.Status{queue.StatusQueued, queue.StatusSucceeded, queue.StatusFailed} {
		job, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
		if err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
		job.Status = status
		if err := store.Update(ctx, job); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	removed, err := store.ClearFinished(ctx)
	if err != nil {
		t.Fatalf("ClearFinished failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Status != queue.StatusQueued {
		t.Fatalf("unexpected remaining jobs: %#v", remaining)
	}
}

func TestUpdateIfFencesOnStatusAndFinish(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	job.Status = queue.StatusRunning
	ok, err := store.UpdateIf(ctx, job, queue.StatusRunning)
	if err != nil {
		t.Fatalf("UpdateIf failed: %v", err)
	}
	if ok {
		t.Fatal("UpdateIf wrote despite a status mismatch")
	}
	ok, err = store.UpdateIf(ctx, job, queue.StatusQueued)
	if err != nil {
		t.Fatalf("UpdateIf failed: %v", err)
	}
	if !ok {
		t.Fatal("UpdateIf refused a matching status")
	}

	now := time.Now().UTC()
	job.Status = queue.StatusSucceeded
	job.FinishedAt = &now
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	job.Status = queue.StatusFailed
	ok, err = store.UpdateIf(ctx, job, queue.StatusSucceeded)
	if err != nil {
		t.Fatalf("UpdateIf failed: %v", err)
	}
	if ok {
		t.Fatal("UpdateIf wrote over a finished row")
	}
	stored, err := store.GetByKey(ctx, job.JobKey)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if stored.Status != queue.StatusSucceeded {
		t.Fatalf("finished status changed to %s", stored.Status)
	}
}

func TestSetProgressSkipsFinishedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if err := store.SetProgress(ctx, job.ID, "transcode", 50, "stage 1 of 2"); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}

	now := time.Now().UTC()
	job.Status = queue.StatusSucceeded
	job.FinishedAt = &now
	job.SetProgress("", "completed", 100)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := store.SetProgress(ctx, job.ID, "transcode", 60, "late write"); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	stored, err := store.GetByKey(ctx, job.JobKey)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if stored.ProgressPercent != 100 || stored.ProgressMessage != "completed" {
		t.Fatalf("finished progress overwritten: %v %q", stored.ProgressPercent, stored.ProgressMessage)
	}
}

func TestRemoveDeletesSingleJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3)
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	removed, err := store.Remove(ctx, job.ID)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Fatal("expected Remove to report a deleted row")
	}
	removed, err = store.Remove(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if removed {
		t.Fatal("expected second Remove to report no deleted row")
	}
}

func TestClearDeletesAllJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.NewJob(ctx, "client", []queue.StageSpec{{Name: "transcode"}}, "/tmp/in.mp4", 100, 3); err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
	}

	cleared, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 3 {
		t.Errorf("cleared = %d, want 3", cleared)
	}
	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty store, got %d jobs", len(remaining))
	}
}

func TestCanTransitionGuardsTerminalStates(t *testing.T) {
	cases := []struct {
		from, to queue.Status
		want     bool
	}{
		{queue.StatusQueued, queue.StatusRunning, true},
		{queue.StatusRunning, queue.StatusSucceeded, true},
		{queue.StatusRunning, queue.StatusTimedOut, true},
		{queue.StatusTimedOut, queue.StatusQueued, true},
		{queue.StatusFailed, queue.StatusQueued, true},
		{queue.StatusRunning, queue.StatusRunning, true},
		{queue.StatusSucceeded, queue.StatusQueued, false},
		{queue.StatusSucceeded, queue.StatusRunning, false},
		{queue.StatusSucceeded, queue.StatusSucceeded, false},
		{queue.StatusCancelled, queue.StatusRunning, false},
		{queue.StatusCancelled, queue.StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := queue.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
