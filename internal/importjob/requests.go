package importjob

import (
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cookclip/importer/internal/apperror"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SourceTypeOf classifies a locator by host. Only YouTube URLs are accepted
// as import sources for now.
func SourceTypeOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com", "youtu.be":
		return "youtube", true
	}
	return "", false
}

type CreateJobRequest struct {
	OwnerID   string `validate:"required"`
	SourceRef string `validate:"required,url"`
}

func (r CreateJobRequest) Validate() *apperror.AppError {
	if err := validate.Struct(r); err != nil {
		return apperror.New(apperror.BadRequest, "source_ref must be a valid URL")
	}
	if _, ok := SourceTypeOf(r.SourceRef); !ok {
		return apperror.New(apperror.BadRequest, "source_ref must be a YouTube video URL")
	}
	return nil
}

type GetJobRequest struct {
	ID      string `validate:"required,uuid4"`
	OwnerID string
	// Internal bypasses the owner check for service-credential callers.
	Internal bool
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if err := validate.Struct(r); err != nil {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	if !r.Internal && r.OwnerID == "" {
		return apperror.New(apperror.Unauthorized, "missing caller identity")
	}
	return nil
}

type UpdateStatusRequest struct {
	JobID        string `validate:"required,uuid4"`
	Status       Status `validate:"required,oneof=RUNNING READY FAILED"`
	ErrorMessage string
	RecipeID     string
}

func (r UpdateStatusRequest) Validate() *apperror.AppError {
	if err := validate.Struct(r); err != nil {
		return apperror.New(apperror.BadRequest, "invalid status update")
	}
	if r.ErrorMessage != "" && r.Status != StatusFailed {
		return apperror.New(apperror.BadRequest, "error_message is only valid with FAILED")
	}
	if r.RecipeID != "" && r.Status != StatusReady {
		return apperror.New(apperror.BadRequest, "recipe_id is only valid with READY")
	}
	if r.Status == StatusReady && r.RecipeID == "" {
		return apperror.New(apperror.BadRequest, "recipe_id is required with READY")
	}
	return nil
}

type SaveTranscriptRequest struct {
	Transcript Transcript
}

func (r SaveTranscriptRequest) Validate() *apperror.AppError {
	t := r.Transcript
	if t.JobID == "" || t.Provider == "" || len(t.Segments) == 0 {
		return apperror.New(apperror.BadRequest, "transcript requires job_id, provider and segments")
	}
	return nil
}
