package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/daemon"
	"vidforge/internal/lifecycle"
	"vidforge/internal/logging"
	"vidforge/internal/queue"
	"vidforge/internal/testsupport"
)

func startDaemon(t *testing.T, opts ...testsupport.ConfigOption) (*daemon.Daemon, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)

	d, err := daemon.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("close daemon: %v", err)
		}
	})

	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("expected api server to be listening")
	}
	return d, "http://" + addr
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func submitBody(t *testing.T, input, stageName string) *bytes.Reader {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"client_id": "client-a",
		"stages":    []map[string]any{{"name": stageName}},
		"input_ref": input,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewReader(payload)
}

func TestHealthEndpoint(t *testing.T) {
	_, base := startDaemon(t)

	resp, err := http.Get(base + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health daemon.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Running || !health.Store || !health.Broker {
		t.Fatalf("expected healthy subsystems, got %+v", health)
	}
}

func TestSubmitAndPollJobOverAPI(t *testing.T) {
	_, base := startDaemon(t, testsupport.WithMaxRetries(0))
	input := writeInput(t)

	resp, err := http.Post(base+"/api/jobs", "application/json", submitBody(t, input, "transcode"))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var accepted struct {
		JobKey string `json:"job_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted.JobKey == "" {
		t.Fatal("expected job key in response")
	}

	// The stage shells out to an external encoder the test host does not
	// provide, so the job finishes as failed after its single attempt.
	snapshot := pollUntilFinished(t, base, accepted.JobKey, 30*time.Second)
	if snapshot.Status != queue.StatusFailed && snapshot.Status != queue.StatusSucceeded {
		t.Fatalf("unexpected terminal status %s", snapshot.Status)
	}
	if snapshot.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", snapshot.Attempts)
	}

	listResp, err := http.Get(base + "/api/jobs")
	if err != nil {
		t.Fatalf("GET /api/jobs: %v", err)
	}
	defer listResp.Body.Close()
	var list struct {
		Jobs []lifecycle.Snapshot `json:"jobs"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].JobKey != accepted.JobKey {
		t.Fatalf("unexpected job list: %+v", list.Jobs)
	}
}

func TestSubmitValidationOverAPI(t *testing.T) {
	_, base := startDaemon(t)
	input := writeInput(t)

	resp, err := http.Post(base+"/api/jobs", "application/json", submitBody(t, input, "sharpen"))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d", resp.StatusCode)
	}
}

func TestSubmitRateLimitOverAPI(t *testing.T) {
	_, base := startDaemon(t, func(c *config.Config) {
		c.Limits.RateLimitRequests = 1
		c.Limits.RateLimitWindowSeconds = 3600
	})
	input := writeInput(t)

	first, err := http.Post(base+"/api/jobs", "application/json", submitBody(t, input, "transcode"))
	if err != nil {
		t.Fatalf("first POST: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for first submission, got %d", first.StatusCode)
	}

	second, err := http.Post(base+"/api/jobs", "application/json", submitBody(t, input, "transcode"))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestUnknownJobReturns404(t *testing.T) {
	_, base := startDaemon(t)

	resp, err := http.Get(base + "/api/jobs/no-such-key")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSecondInstanceIsRejected(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	first, err := daemon.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })

	second, err := daemon.Build(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build second instance returned error: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected second instance to fail the lock")
	}
}

func pollUntilFinished(t *testing.T, base, jobKey string, timeout time.Duration) lifecycle.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%s", base, jobKey))
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		var snapshot lifecycle.Snapshot
		decodeErr := json.NewDecoder(resp.Body).Decode(&snapshot)
		resp.Body.Close()
		if decodeErr != nil {
			t.Fatalf("decode snapshot: %v", decodeErr)
		}
		if snapshot.FinishedAt != nil {
			return snapshot
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish within %s", jobKey, timeout)
	return lifecycle.Snapshot{}
}
