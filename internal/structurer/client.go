// Package structurer calls the external AI service that turns a transcript
// into structured recipe fields. The service is opaque; this client owns the
// response-schema contract and rejects anything that does not satisfy it.
// Retries are the worker's responsibility, not this client's.
package structurer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrMalformed means the service answered but the payload cannot be used:
// unparseable JSON, schema violations, or missing required recipe fields.
// Resubmitting the job is the user's only recourse, so the worker must not
// retry on it.
var ErrMalformed = errors.New("malformed structuring response")

type Request struct {
	SourceType string         `json:"source_type"`
	SourceRef  string         `json:"source_ref"`
	Transcript string         `json:"transcript"`
	Options    map[string]any `json:"options,omitempty"`
}

type Ingredient struct {
	Quantity string `json:"qty,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Item     string `json:"item"`
}

type Step struct {
	Index           int     `json:"index"`
	Text            string  `json:"text"`
	TimestampOffset float64 `json:"timestamp_offset"`
}

type Result struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []Step       `json:"steps"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Structure sends the transcript for extraction and validates the response
// against the recipe contract.
func (c *Client) Structure(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("X-Service-Token", c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("structuring request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read structuring response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The service decided the transcript holds no recipe.
		return nil, fmt.Errorf("%w: %s", ErrMalformed, serviceDetail(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("structuring service status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	return decodeResult(raw)
}

func decodeResult(raw []byte) (*Result, error) {
	cleaned := stripFences(raw)

	var v any
	if err := json.Unmarshal(cleaned, &v); err != nil {
		// Some models wrap JSON in prose; try the outermost object.
		if extracted, ok := extractObject(cleaned); ok {
			cleaned = extracted
			err = json.Unmarshal(cleaned, &v)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
		}
	}

	if err := resultSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var res Result
	if err := json.Unmarshal(cleaned, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if res.Title == "" || len(res.Ingredients) == 0 || len(res.Steps) == 0 {
		return nil, fmt.Errorf("%w: missing title, ingredients or steps", ErrMalformed)
	}
	return &res, nil
}

// stripFences removes a markdown code fence wrapper if the model added one
// despite being told not to.
func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}

func extractObject(raw []byte) ([]byte, bool) {
	s := string(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(s[start : end+1]), true
}

func serviceDetail(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return truncate(body.Detail, 256)
	}
	return truncate(string(raw), 256)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
