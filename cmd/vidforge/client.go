package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidforge/internal/daemon"
	"vidforge/internal/ingest"
	"vidforge/internal/lifecycle"
)

// apiClient is a thin HTTP client for the daemon API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) submit(req ingest.SubmitRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.http.Post(c.base+"/api/jobs", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		return "", fmt.Errorf("rate limited, retry after %ss", retryAfter)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", apiError(resp)
	}
	var accepted struct {
		JobKey string `json:"job_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return accepted.JobKey, nil
}

func (c *apiClient) status(jobKey string) (lifecycle.Snapshot, error) {
	var snapshot lifecycle.Snapshot
	resp, err := c.http.Get(c.base + "/api/jobs/" + jobKey)
	if err != nil {
		return snapshot, fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return snapshot, fmt.Errorf("decode response: %w", err)
	}
	return snapshot, nil
}

func (c *apiClient) list(statusFilter, clientFilter string) ([]lifecycle.Snapshot, error) {
	url := c.base + "/api/jobs"
	params := make([]string, 0, 2)
	if statusFilter != "" {
		params = append(params, "status="+statusFilter)
	}
	if clientFilter != "" {
		params = append(params, "client_id="+clientFilter)
	}
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}

	resp, err := c.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var payload struct {
		Jobs []lifecycle.Snapshot `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload.Jobs, nil
}

func (c *apiClient) cancel(jobKey string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+"/api/jobs/"+jobKey, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (c *apiClient) health() (daemon.Health, bool, error) {
	var health daemon.Health
	resp, err := c.http.Get(c.base + "/api/health")
	if err != nil {
		return health, false, fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return health, false, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, false, fmt.Errorf("decode response: %w", err)
	}
	return health, resp.StatusCode == http.StatusOK, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("daemon returned status %d", resp.StatusCode)
}
