package recipe

import "context"

type Repository interface {
	// CreateFromJob creates r and flips its job to READY in one transaction,
	// copying rawSource (the job's transcript text) into the recipe's raw
	// source record. It is idempotent: if the job is already READY, the
	// winning recipe id is returned with alreadyExists=true and nothing is
	// written. Preconditions (job exists, owner matches, job RUNNING) are
	// checked inside the same transaction.
	CreateFromJob(ctx context.Context, r *Recipe, jobID, rawSource string) (recipeID string, alreadyExists bool, err error)

	Get(ctx context.Context, id string) (*Recipe, error)
}
