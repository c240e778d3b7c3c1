// Package poller implements the client side of the status-polling protocol:
// conditional requests with the last-seen ETag, adaptive backoff with jitter,
// and a single in-flight request per job.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Status is the public view of an import job returned by the job API.
type Status struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	RecipeID     string    `json:"recipe_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Status) Terminal() bool {
	return s.Status == "READY" || s.Status == "FAILED"
}

type Poller struct {
	// BaseURL of the job API, e.g. "https://api.example.com".
	BaseURL string
	// UserID identifies the caller to the trusted gateway.
	UserID string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxAttempts bounds polling before giving up; defaults to 120.
	MaxAttempts int
	// InitialDelay seeds the backoff; defaults to 1s, multiplied by 1.5 per
	// attempt and capped at MaxDelay (default 5s). A server Retry-After hint
	// overrides the computed delay, capped at RetryAfterCap (default 10s).
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	RetryAfterCap time.Duration
}

// Wait polls jobID until it reaches a terminal status, the attempt ceiling is
// hit, or ctx is cancelled. Only one request is in flight at a time.
func (p *Poller) Wait(ctx context.Context, jobID string) (*Status, error) {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	retryAfterCap := p.RetryAfterCap
	if retryAfterCap <= 0 {
		retryAfterCap = 10 * time.Second
	}

	url := strings.TrimRight(p.BaseURL, "/") + "/api/v1/import-jobs/" + jobID

	var last *Status
	var etag string

	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, newTag, retryAfter, err := p.poll(ctx, client, url, etag)
		if err != nil {
			return nil, err
		}
		if status != nil {
			last = status
			etag = newTag
			if last.Terminal() {
				return last, nil
			}
		}

		wait := delay
		delay = time.Duration(float64(delay) * 1.5)
		if delay > maxDelay {
			delay = maxDelay
		}
		if retryAfter > 0 {
			wait = retryAfter
			if wait > retryAfterCap {
				wait = retryAfterCap
			}
		}
		wait = jitter(wait)

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(wait):
		}
	}

	return last, fmt.Errorf("job %s still not terminal after %d polls", jobID, maxAttempts)
}

// poll issues one conditional GET. A 304 returns (nil, "", hint, nil).
func (p *Poller) poll(ctx context.Context, client *http.Client, url, etag string) (*Status, string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, err
	}
	if p.UserID != "" {
		req.Header.Set("X-User-ID", p.UserID)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("poll job: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, "", retryAfter, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", 0, fmt.Errorf("poll job: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data Status `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", 0, fmt.Errorf("poll job: decode: %w", err)
	}
	return &envelope.Data, resp.Header.Get("ETag"), retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// jitter spreads d by ±15% so a fleet of clients does not poll in lockstep.
func jitter(d time.Duration) time.Duration {
	f := 0.85 + 0.3*rand.Float64()
	return time.Duration(float64(d) * f)
}
