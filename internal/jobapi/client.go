// Package jobapi is the HTTP client workers use for the job API's internal
// endpoints. Calls authenticate with the shared service credential, never a
// user token.
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cookclip/importer/internal/apperror"
	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/recipe"
)

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

func (c *Client) GetJob(ctx context.Context, jobID string) (*importjob.Job, error) {
	var j importjob.Job
	err := c.do(ctx, http.MethodGet, "/internal/v1/jobs/"+jobID, nil, &j)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) UpdateStatus(ctx context.Context, jobID string, status importjob.Status, errorMessage, recipeID string) error {
	body := map[string]string{"status": string(status)}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	if recipeID != "" {
		body["recipe_id"] = recipeID
	}
	return c.do(ctx, http.MethodPost, "/internal/v1/jobs/"+jobID+"/status", body, nil)
}

type CreateRecipeRequest struct {
	OwnerID       string              `json:"owner_id"`
	SourceRef     string              `json:"source_ref"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	Ingredients   []recipe.Ingredient `json:"ingredients"`
	Steps         []recipe.Step       `json:"steps"`
	RawTranscript string              `json:"raw_transcript,omitempty"`
}

func (c *Client) CreateRecipe(ctx context.Context, jobID string, req CreateRecipeRequest) (*recipe.CreateFromJobResult, error) {
	var res recipe.CreateFromJobResult
	err := c.do(ctx, http.MethodPost, "/internal/v1/jobs/"+jobID+"/recipe", req, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) StoreTranscript(ctx context.Context, t *importjob.Transcript) error {
	return c.do(ctx, http.MethodPut, "/internal/v1/jobs/"+t.JobID+"/transcript", t, nil)
}

func (c *Client) GetTranscript(ctx context.Context, jobID string) (*importjob.Transcript, error) {
	var t importjob.Transcript
	err := c.do(ctx, http.MethodGet, "/internal/v1/jobs/"+jobID+"/transcript", nil, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// do issues one request and decodes the API's response envelope into out.
// Error statuses come back as *apperror.AppError so callers can branch on the
// code (conflict vs transient) with errors.As.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Service-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("job api %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("job api %s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return toAppError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("job api %s %s: decode envelope: %w", method, path, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("job api %s %s: decode data: %w", method, path, err)
	}
	return nil
}

func toAppError(status int, raw []byte) error {
	message := "job api error"
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		message = envelope.Message
	}

	var code apperror.Code
	switch status {
	case http.StatusBadRequest:
		code = apperror.BadRequest
	case http.StatusUnauthorized:
		code = apperror.Unauthorized
	case http.StatusForbidden:
		code = apperror.Forbidden
	case http.StatusNotFound:
		code = apperror.NotFound
	case http.StatusConflict:
		code = apperror.Conflict
	case http.StatusUnprocessableEntity:
		code = apperror.Unprocessable
	case http.StatusServiceUnavailable:
		code = apperror.Unavailable
	default:
		code = apperror.Internal
	}
	return apperror.New(code, message)
}
