package recipe

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cookclip/importer/internal/apperror"
	domain "github.com/cookclip/importer/internal/recipe"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateFromJob(ctx context.Context, rec *domain.Recipe, jobID, rawSource string) (string, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("create recipe: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID, status string
	var recipeID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, status, recipe_id FROM import_jobs WHERE id = ?`, jobID,
	).Scan(&ownerID, &status, &recipeID)
	if err == sql.ErrNoRows {
		return "", false, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return "", false, fmt.Errorf("create recipe: read job: %w", err)
	}

	if ownerID != rec.OwnerID {
		return "", false, apperror.New(apperror.Forbidden, "job belongs to another user")
	}
	if status == "READY" && recipeID.Valid {
		return recipeID.String, true, nil
	}
	if status != "RUNNING" {
		return "", false, apperror.New(apperror.Conflict,
			fmt.Sprintf("job is %s, expected RUNNING", status))
	}

	if err := insertRecipe(ctx, tx, rec, rawSource); err != nil {
		if isUniqueViolation(err) {
			// A duplicate delivery raced past the precondition read. The
			// winner's id is on the job row now.
			return r.winner(ctx, jobID)
		}
		return "", false, err
	}

	// Guarded flip to READY. Zero rows means a concurrent attempt got there
	// first between our read and this update.
	res, err := tx.ExecContext(ctx,
		`UPDATE import_jobs SET status = 'READY', recipe_id = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
			WHERE id = ? AND status = 'RUNNING' AND recipe_id IS NULL`,
		rec.ID, jobID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.winner(ctx, jobID)
		}
		return "", false, fmt.Errorf("create recipe: mark job ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.winner(ctx, jobID)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return r.winner(ctx, jobID)
		}
		return "", false, fmt.Errorf("create recipe: commit: %w", err)
	}

	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt
	return rec.ID, false, nil
}

func insertRecipe(ctx context.Context, tx *sql.Tx, rec *domain.Recipe, rawSource string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO recipes (id, owner_id, title, description, source_ref)
			VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Title, nullable(rec.Description), nullable(rec.SourceRef),
	)
	if err != nil {
		return fmt.Errorf("create recipe: insert: %w", err)
	}

	for i, ing := range rec.Ingredients {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipe_ingredients (recipe_id, position, quantity, unit, item)
				VALUES (?, ?, ?, ?, ?)`,
			rec.ID, i, nullable(ing.Quantity), nullable(ing.Unit), ing.Item,
		)
		if err != nil {
			return fmt.Errorf("create recipe: insert ingredient %d: %w", i, err)
		}
	}

	for _, st := range rec.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipe_steps (recipe_id, step_index, text, timestamp_offset)
				VALUES (?, ?, ?, ?)`,
			rec.ID, st.Index, st.Text, st.TimestampOffset,
		)
		if err != nil {
			return fmt.Errorf("create recipe: insert step %d: %w", st.Index, err)
		}
	}

	if rawSource != "" {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipe_raw_sources (recipe_id, kind, content) VALUES (?, 'transcript', ?)`,
			rec.ID, rawSource,
		)
		if err != nil {
			return fmt.Errorf("create recipe: insert raw source: %w", err)
		}
	}

	return nil
}

// winner re-reads the job after losing a creation race and returns the id the
// winning attempt recorded.
func (r *Repository) winner(ctx context.Context, jobID string) (string, bool, error) {
	var status string
	var recipeID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT status, recipe_id FROM import_jobs WHERE id = ?`, jobID,
	).Scan(&status, &recipeID)
	if err != nil {
		return "", false, fmt.Errorf("create recipe: re-read job: %w", err)
	}
	if status == "READY" && recipeID.Valid {
		return recipeID.String, true, nil
	}
	return "", false, apperror.New(apperror.Conflict,
		fmt.Sprintf("job is %s, expected RUNNING", status))
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Recipe, error) {
	rec := &domain.Recipe{}
	var description, sourceRef sql.NullString
	var createdStr, updatedStr string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, description, source_ref, created_at, updated_at
			FROM recipes WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Title, &description, &sourceRef, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "recipe not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}

	if description.Valid {
		rec.Description = description.String
	}
	if sourceRef.Valid {
		rec.SourceRef = sourceRef.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)

	if err := r.loadIngredients(ctx, rec); err != nil {
		return nil, err
	}
	if err := r.loadSteps(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) loadIngredients(ctx context.Context, rec *domain.Recipe) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT quantity, unit, item FROM recipe_ingredients
			WHERE recipe_id = ? ORDER BY position ASC`, rec.ID)
	if err != nil {
		return fmt.Errorf("get recipe: ingredients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var quantity, unit sql.NullString
		var ing domain.Ingredient
		if err := rows.Scan(&quantity, &unit, &ing.Item); err != nil {
			return fmt.Errorf("get recipe: scan ingredient: %w", err)
		}
		ing.Quantity = quantity.String
		ing.Unit = unit.String
		rec.Ingredients = append(rec.Ingredients, ing)
	}
	return rows.Err()
}

func (r *Repository) loadSteps(ctx context.Context, rec *domain.Recipe) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT step_index, text, timestamp_offset FROM recipe_steps
			WHERE recipe_id = ? ORDER BY step_index ASC`, rec.ID)
	if err != nil {
		return fmt.Errorf("get recipe: steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var st domain.Step
		if err := rows.Scan(&st.Index, &st.Text, &st.TimestampOffset); err != nil {
			return fmt.Errorf("get recipe: scan step: %w", err)
		}
		rec.Steps = append(rec.Steps, st)
	}
	return rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
