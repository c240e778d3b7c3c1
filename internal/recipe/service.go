package recipe

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cookclip/importer/internal/apperror"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

type CreateFromJobRequest struct {
	JobID         string
	OwnerID       string
	SourceRef     string
	Title         string
	Description   string
	Ingredients   []Ingredient
	Steps         []Step
	RawTranscript string
}

func (r CreateFromJobRequest) Validate() *apperror.AppError {
	if r.JobID == "" || r.OwnerID == "" {
		return apperror.New(apperror.BadRequest, "job_id and owner_id are required")
	}
	if r.Title == "" {
		return apperror.New(apperror.BadRequest, "recipe title is required")
	}
	if len(r.Ingredients) == 0 {
		return apperror.New(apperror.BadRequest, "at least one ingredient is required")
	}
	if len(r.Steps) == 0 {
		return apperror.New(apperror.BadRequest, "at least one step is required")
	}
	return nil
}

type CreateFromJobResult struct {
	RecipeID      string `json:"recipe_id"`
	AlreadyExists bool   `json:"already_exists"`
}

// CreateFromJob is the idempotency seam protecting against duplicate delivery:
// invoked twice for the same job it converges on one recipe, with the second
// caller told already_exists.
func (s *Service) CreateFromJob(ctx context.Context, req CreateFromJobRequest) (*CreateFromJobResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := &Recipe{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		SourceRef:   req.SourceRef,
		Ingredients: req.Ingredients,
		Steps:       req.Steps,
	}

	recipeID, alreadyExists, err := s.repo.CreateFromJob(ctx, r, req.JobID, req.RawTranscript)
	if err != nil {
		return nil, err
	}
	if alreadyExists {
		slog.Info("recipe already created for job", "job", req.JobID, "recipe", recipeID)
	} else {
		slog.Info("recipe created", "job", req.JobID, "recipe", recipeID)
	}
	return &CreateFromJobResult{RecipeID: recipeID, AlreadyExists: alreadyExists}, nil
}

func (s *Service) Get(ctx context.Context, id, ownerID string) (*Recipe, error) {
	if id == "" {
		return nil, apperror.New(apperror.BadRequest, "invalid recipe id")
	}
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && r.OwnerID != ownerID {
		return nil, apperror.New(apperror.Forbidden, "recipe belongs to another user")
	}
	return r, nil
}
