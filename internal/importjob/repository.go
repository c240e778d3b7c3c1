package importjob

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	// Create inserts j inside a transaction and invokes publish with that
	// transaction before committing, so the row and its queue message land or
	// roll back as one unit. On success j carries the stored row's timestamps.
	Create(ctx context.Context, j *Job, publish func(context.Context, *sql.Tx) error) error

	Get(ctx context.Context, id string) (*Job, error)

	// UpdateStatus performs a guarded transition to next. It no-ops when the
	// job already holds next, and rejects terminal or non-forward moves with a
	// conflict. errorMessage is stored only for FAILED, recipeID only for READY.
	UpdateStatus(ctx context.Context, id string, next Status, errorMessage, recipeID string) (*Job, error)

	SaveTranscript(ctx context.Context, t *Transcript) error
	GetTranscript(ctx context.Context, jobID string) (*Transcript, error)

	// RequeueStale flips RUNNING jobs untouched for longer than staleAfter
	// back to QUEUED and returns them (for republishing). It also returns
	// QUEUED jobs older than staleAfter, covering deliveries that were
	// consumed without ever transitioning. All swept rows get a fresh
	// updated_at so one stuck job yields one message per stale window, not
	// one per sweep.
	RequeueStale(ctx context.Context, staleAfter time.Duration) ([]Job, error)
}
