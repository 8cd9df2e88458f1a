package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidforge/internal/broker"
	"vidforge/internal/config"
	"vidforge/internal/ingest"
	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/queue"
	"vidforge/internal/ratelimit"
	"vidforge/internal/scratch"
	"vidforge/internal/stage"
	"vidforge/internal/testsupport"
)

type fixture struct {
	cfg     *config.Config
	store   *queue.Store
	service *ingest.Service
	tracker *lifecycle.Tracker
	broker  broker.Broker
	input   string
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	tracker := lifecycle.NewTracker(store, logging.NewNop())
	limiter := ratelimit.New(cfg.Limits.RateLimitRequests, cfg.RateLimitWindow())
	scratchMgr := scratch.NewManager(cfg.Paths.ScratchDir, cfg.ScratchTTL(), time.Hour, logging.NewNop())
	b := broker.NewSQLite(store, 10*time.Millisecond)
	registry := stage.NewRegistry(stage.NewRunner(time.Second, logging.NewNop()))
	service := ingest.NewService(cfg, store, tracker, limiter, scratchMgr, b, registry, logging.NewNop())

	input := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(input, []byte("video bytes"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	return &fixture{cfg: cfg, store: store, service: service, tracker: tracker, broker: b, input: input}
}

func submitReq(f *fixture) ingest.SubmitRequest {
	return ingest.SubmitRequest{
		ClientID: "client-a",
		Stages:   []queue.StageSpec{{Name: "transcode"}},
		InputRef: f.input,
	}
}

func TestSubmitQueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobKey, err := f.service.Submit(ctx, submitReq(f))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	snapshot, err := f.service.Status(ctx, jobKey)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if snapshot.Status != queue.StatusQueued {
		t.Fatalf("expected queued, got %s", snapshot.Status)
	}

	delivery, err := f.broker.Dequeue(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if delivery.JobKey != jobKey {
		t.Fatalf("broker delivered %s, want %s", delivery.JobKey, jobKey)
	}
}

func TestSubmitStagesInputCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Submit(ctx, submitReq(f)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	// The original input can disappear after submission without breaking
	// the job; the staged copy lives under scratch.
	if err := os.Remove(f.input); err != nil {
		t.Fatalf("remove original input: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(f.cfg.Paths.ScratchDir, "*", "clip.mp4"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one staged copy, got %v (err %v)", matches, err)
	}
}

func TestSubmitRateLimitsExcess(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Limits.RateLimitRequests = 1
		c.Limits.RateLimitWindowSeconds = 3600
	})
	ctx := context.Background()

	if _, err := f.service.Submit(ctx, submitReq(f)); err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	_, err := f.service.Submit(ctx, submitReq(f))
	if !errors.Is(err, ingest.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var rateErr *ingest.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rateErr.RetryAfter <= 0 || rateErr.RetryAfter > time.Hour {
		t.Fatalf("unexpected retry-after %s", rateErr.RetryAfter)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oversized := filepath.Join(t.TempDir(), "big.mp4")
	if err := os.WriteFile(oversized, make([]byte, 2*1024*1024), 0o644); err != nil {
		t.Fatalf("write oversized input: %v", err)
	}

	cases := []struct {
		name string
		req  ingest.SubmitRequest
	}{
		{"missing client", ingest.SubmitRequest{Stages: []queue.StageSpec{{Name: "transcode"}}, InputRef: f.input}},
		{"unknown stage", ingest.SubmitRequest{ClientID: "c", Stages: []queue.StageSpec{{Name: "sharpen"}}, InputRef: f.input}},
		{"empty stages", ingest.SubmitRequest{ClientID: "c", InputRef: f.input}},
		{"missing input", ingest.SubmitRequest{ClientID: "c", Stages: []queue.StageSpec{{Name: "transcode"}}, InputRef: filepath.Join(t.TempDir(), "absent.mp4")}},
		{"disallowed extension", ingest.SubmitRequest{ClientID: "c", Stages: []queue.StageSpec{{Name: "transcode"}}, InputRef: mustWrite(t, "notes.exe")}},
		{"oversized input", ingest.SubmitRequest{ClientID: "c", Stages: []queue.StageSpec{{Name: "transcode"}}, InputRef: oversized, MaxFileSizeMB: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.service.Submit(ctx, tc.req); !errors.Is(err, stage.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitBrokerOutageFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	service := ingest.NewService(f.cfg, f.store, f.tracker, ratelimit.New(100, time.Hour),
		scratch.NewManager(f.cfg.Paths.ScratchDir, time.Hour, time.Hour, logging.NewNop()),
		&failingBroker{}, stage.NewRegistry(stage.NewRunner(time.Second, logging.NewNop())), logging.NewNop())

	_, err := service.Submit(ctx, submitReq(f))
	if !errors.Is(err, stage.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	// The persisted job must not linger in the queue when the broker never
	// accepted it.
	jobs, err := f.store.List(ctx, queue.StatusFailed)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one failed job, got %d", len(jobs))
	}
	if jobs[0].FinishedAt == nil {
		t.Fatal("expected unenqueued job to be finished")
	}
}

func mustWrite(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 16)), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type failingBroker struct{}

func (b *failingBroker) Enqueue(context.Context, broker.Ref) error { return errors.New("broker down") }
func (b *failingBroker) Dequeue(context.Context, string, time.Duration) (*broker.Delivery, error) {
	return nil, errors.New("broker down")
}
func (b *failingBroker) Ack(context.Context, *broker.Delivery) error {
	return errors.New("broker down")
}
func (b *failingBroker) Nack(context.Context, *broker.Delivery, time.Duration) error {
	return errors.New("broker down")
}
func (b *failingBroker) Extend(context.Context, *broker.Delivery, time.Duration) error {
	return errors.New("broker down")
}
func (b *failingBroker) RequeueExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("broker down")
}
func (b *failingBroker) Ping(context.Context) error { return errors.New("broker down") }
func (b *failingBroker) Close() error               { return nil }
