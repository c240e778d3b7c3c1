package importjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cookclip/importer/internal/apperror"
	domain "github.com/cookclip/importer/internal/importjob"
)

const jobColumns = `id, owner_id, source_type, source_ref, status, recipe_id, error_message, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job, publish func(context.Context, *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create job: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO import_jobs (id, owner_id, source_type, source_ref, status)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		j.ID, j.OwnerID, j.SourceType, j.SourceRef, string(j.Status),
	); err != nil {
		return fmt.Errorf("create job: insert: %w", err)
	}

	// Publish shares the insert transaction: a publish failure rolls the row
	// back, and a failed commit takes the message down with it, so row and
	// message always land together.
	if err := publish(ctx, tx); err != nil {
		return fmt.Errorf("create job: publish: %w", err)
	}

	var createdStr, updatedStr string
	if err := tx.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM import_jobs WHERE id = ?`, j.ID,
	).Scan(&createdStr, &updatedStr); err != nil {
		return fmt.Errorf("create job: read timestamps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create job: commit: %w", err)
	}

	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, id))
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, next domain.Status, errorMessage, recipeID string) (*domain.Job, error) {
	sources := domain.TransitionSources(next)
	if len(sources) == 0 {
		return nil, apperror.New(apperror.BadRequest, "invalid target status")
	}

	placeholders := make([]string, len(sources))
	args := []any{string(next), nullable(errorMessage), nullable(recipeID), id}
	for i, s := range sources {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := `UPDATE import_jobs SET status = ?, error_message = ?,
		recipe_id = COALESCE(?, recipe_id),
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		// Guard did not match: distinguish no-op, terminal and invalid moves.
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status == next {
			return j, nil // redelivered update, already applied
		}
		if j.Status.Terminal() {
			return nil, apperror.New(apperror.Conflict, "job already reached a terminal state")
		}
		return nil, apperror.New(apperror.Conflict,
			fmt.Sprintf("cannot move job from %s to %s", j.Status, next))
	}

	return r.Get(ctx, id)
}

func (r *Repository) SaveTranscript(ctx context.Context, t *domain.Transcript) error {
	segments, err := json.Marshal(t.Segments)
	if err != nil {
		return fmt.Errorf("save transcript: marshal segments: %w", err)
	}

	// Write-once: a redelivered message must not clobber the original.
	const query = `INSERT INTO job_transcripts (job_id, provider, language, segments, full_text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query,
		t.JobID, t.Provider, t.Language, string(segments), nullable(t.FullText),
	); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (r *Repository) GetTranscript(ctx context.Context, jobID string) (*domain.Transcript, error) {
	const query = `SELECT job_id, provider, language, segments, full_text
		FROM job_transcripts WHERE job_id = ?`

	t := &domain.Transcript{}
	var segments string
	var fullText sql.NullString

	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&t.JobID, &t.Provider, &t.Language, &segments, &fullText,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "transcript not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}

	if err := json.Unmarshal([]byte(segments), &t.Segments); err != nil {
		return nil, fmt.Errorf("get transcript: decode segments: %w", err)
	}
	if fullText.Valid {
		t.FullText = fullText.String
	}
	return t, nil
}

func (r *Repository) RequeueStale(ctx context.Context, staleAfter time.Duration) ([]domain.Job, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("requeue stale: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Stale RUNNING jobs lost their worker; stale QUEUED jobs were consumed
	// without ever transitioning. Both get republished.
	const query = `SELECT ` + jobColumns + ` FROM import_jobs
		WHERE status IN ('RUNNING', 'QUEUED') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT 100`
	rows, err := tx.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	// Bumping updated_at on the QUEUED rows too keeps one sweep from
	// republishing the same job again on the next pass.
	const update = `UPDATE import_jobs SET status = 'QUEUED', error_message = NULL,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE status IN ('RUNNING', 'QUEUED') AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, update, cutoff); err != nil {
		return nil, fmt.Errorf("recover stale jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("requeue stale: commit: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = domain.StatusQueued
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	j := &domain.Job{}
	var status, createdStr, updatedStr string
	var recipeID, errMsg sql.NullString

	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceType, &j.SourceRef,
		&status, &recipeID, &errMsg, &createdStr, &updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Status = domain.Status(status)
	if recipeID.Valid {
		j.RecipeID = recipeID.String
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
	return j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
