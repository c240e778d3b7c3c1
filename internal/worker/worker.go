// Package worker drives one import job from queue message to terminal state:
// extract the transcript, structure it into a recipe, create the recipe
// idempotently. The queue delivers at least once, so every side effect here
// is safe to repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cookclip/importer/internal/apperror"
	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/jobapi"
	"github.com/cookclip/importer/internal/queue"
	"github.com/cookclip/importer/internal/recipe"
	"github.com/cookclip/importer/internal/retry"
	"github.com/cookclip/importer/internal/structurer"
	"github.com/cookclip/importer/internal/transcript"
)

// API is the slice of the job API the worker needs; implemented by
// *jobapi.Client and by in-process fakes in tests.
type API interface {
	GetJob(ctx context.Context, jobID string) (*importjob.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status importjob.Status, errorMessage, recipeID string) error
	CreateRecipe(ctx context.Context, jobID string, req jobapi.CreateRecipeRequest) (*recipe.CreateFromJobResult, error)
	StoreTranscript(ctx context.Context, t *importjob.Transcript) error
}

type Extractor interface {
	Extract(ctx context.Context, jobID, url string) (*importjob.Transcript, error)
}

type Structurer interface {
	Structure(ctx context.Context, req structurer.Request) (*structurer.Result, error)
}

type Worker struct {
	api        API
	extractor  Extractor
	structurer Structurer

	attempts int
	backoff  time.Duration
}

func New(api API, extractor Extractor, structurer Structurer) *Worker {
	return &Worker{
		api:        api,
		extractor:  extractor,
		structurer: structurer,
		attempts:   3,
		backoff:    500 * time.Millisecond,
	}
}

// Handle processes one queue message. It always returns nil: every failure is
// converted into a best-effort terminal FAILED on the job itself, and nothing
// may crash the consumer over a single bad job.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	// Efficiency pre-check only; correctness rests on the idempotent calls
	// below, not on this read.
	if j, err := w.api.GetJob(ctx, msg.JobID); err != nil {
		slog.Warn("worker: pre-check read failed", "job", msg.JobID, "error", err)
	} else if j.Status.Terminal() {
		slog.Info("worker: job already terminal, skipping", "job", msg.JobID, "status", j.Status)
		return nil
	}

	if ok := w.transition(ctx, msg.JobID, importjob.StatusRunning, ""); !ok {
		return nil
	}

	t, err := w.extractor.Extract(ctx, msg.JobID, msg.SourceRef)
	if err != nil {
		w.fail(ctx, msg.JobID, extractFailureMessage(err))
		return nil
	}
	slog.Info("worker: transcript extracted", "job", msg.JobID, "segments", len(t.Segments), "language", t.Language)

	// Persist the transcript for auxiliary consumers. Not on the critical
	// path: a failed write is logged and the import continues.
	if err := retry.Do(ctx, 2, w.backoff, func(ctx context.Context) error {
		return w.api.StoreTranscript(ctx, t)
	}); err != nil {
		slog.Warn("worker: store transcript failed", "job", msg.JobID, "error", err)
	}

	res, err := w.structure(ctx, msg, t)
	if err != nil {
		w.fail(ctx, msg.JobID, structureFailureMessage(err))
		return nil
	}

	created, err := w.createRecipe(ctx, msg, t, res)
	if err != nil {
		w.fail(ctx, msg.JobID, "recipe creation failed")
		return nil
	}

	// CreateRecipe flipped the job to READY in the same transaction, so the
	// job is terminal in the store by the time we return.
	if created.AlreadyExists {
		slog.Info("worker: duplicate delivery, recipe already exists", "job", msg.JobID, "recipe", created.RecipeID)
	} else {
		slog.Info("worker: job ready", "job", msg.JobID, "recipe", created.RecipeID)
	}
	return nil
}

func (w *Worker) structure(ctx context.Context, msg queue.Message, t *importjob.Transcript) (*structurer.Result, error) {
	var res *structurer.Result
	err := retry.Do(ctx, w.attempts, w.backoff, func(ctx context.Context) error {
		var err error
		res, err = w.structurer.Structure(ctx, structurer.Request{
			SourceType: msg.SourceType,
			SourceRef:  msg.SourceRef,
			Transcript: transcript.FormatTimestamped(t),
		})
		if errors.Is(err, structurer.ErrMalformed) {
			// Resubmitting the same transcript is the user's call, not an
			// automatic retry loop.
			return retry.Permanent(err)
		}
		return err
	})
	return res, err
}

func (w *Worker) createRecipe(ctx context.Context, msg queue.Message, t *importjob.Transcript, res *structurer.Result) (*recipe.CreateFromJobResult, error) {
	ingredients := make([]recipe.Ingredient, len(res.Ingredients))
	for i, ing := range res.Ingredients {
		ingredients[i] = recipe.Ingredient{Quantity: ing.Quantity, Unit: ing.Unit, Item: ing.Item}
	}
	steps := make([]recipe.Step, len(res.Steps))
	for i, st := range res.Steps {
		steps[i] = recipe.Step{Index: st.Index, Text: st.Text, TimestampOffset: st.TimestampOffset}
	}

	var created *recipe.CreateFromJobResult
	err := retry.Do(ctx, w.attempts, w.backoff, func(ctx context.Context) error {
		var err error
		created, err = w.api.CreateRecipe(ctx, msg.JobID, jobapi.CreateRecipeRequest{
			OwnerID:       msg.OwnerID,
			SourceRef:     msg.SourceRef,
			Title:         res.Title,
			Description:   res.Description,
			Ingredients:   ingredients,
			Steps:         steps,
			RawTranscript: t.FullText,
		})
		if isPermanentAPIError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		slog.Error("worker: create recipe", "job", msg.JobID, "error", err)
	}
	return created, err
}

// transition moves the job with bounded retries. A conflict means another
// delivery already took the job further; that ends this delivery quietly.
func (w *Worker) transition(ctx context.Context, jobID string, status importjob.Status, errorMessage string) bool {
	err := retry.Do(ctx, w.attempts, w.backoff, func(ctx context.Context) error {
		err := w.api.UpdateStatus(ctx, jobID, status, errorMessage, "")
		if isPermanentAPIError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return true
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Code() == apperror.Conflict {
		slog.Info("worker: transition refused, job moved on", "job", jobID, "to", status, "reason", appErr.Message())
	} else {
		slog.Error("worker: transition failed", "job", jobID, "to", status, "error", err)
	}
	return false
}

// fail records a terminal FAILED with a user-facing reason. If even that
// write fails, the job stays in its last non-terminal state and the stale
// sweep will eventually re-queue it.
func (w *Worker) fail(ctx context.Context, jobID, message string) {
	if !w.transition(ctx, jobID, importjob.StatusFailed, truncate(message, 500)) {
		slog.Error("worker: could not record failure", "job", jobID, "message", message)
	}
}

func extractFailureMessage(err error) string {
	switch {
	case errors.Is(err, transcript.ErrNoCaptions), errors.Is(err, transcript.ErrTooShort):
		return err.Error()
	default:
		return fmt.Sprintf("transcript extraction failed: %v", err)
	}
}

func structureFailureMessage(err error) string {
	if errors.Is(err, structurer.ErrMalformed) {
		return fmt.Sprintf("could not extract a recipe: %v", err)
	}
	return "recipe structuring service unavailable"
}

// isPermanentAPIError reports whether err is a 4xx-class job API answer that
// no amount of retrying will change.
func isPermanentAPIError(err error) bool {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code() {
	case apperror.Unavailable, apperror.Internal:
		return false
	default:
		return true
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
