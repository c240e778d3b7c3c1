package importjob

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cookclip/importer/internal/apperror"
	"github.com/cookclip/importer/internal/queue"
)

type Service struct {
	repo       Repository
	publisher  queue.Publisher
	staleAfter time.Duration
}

func NewService(repo Repository, publisher queue.Publisher, staleAfter time.Duration) *Service {
	return &Service{repo: repo, publisher: publisher, staleAfter: staleAfter}
}

// Create validates the locator, then writes the job row and its queue message
// in one transaction. Either both land or neither does, so the caller never
// observes a QUEUED job that no worker will pick up.
func (s *Service) Create(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sourceType, _ := SourceTypeOf(req.SourceRef)
	j := &Job{
		ID:         uuid.New().String(),
		OwnerID:    req.OwnerID,
		SourceType: sourceType,
		SourceRef:  req.SourceRef,
		Status:     StatusQueued,
	}

	err := s.repo.Create(ctx, j, func(ctx context.Context, tx *sql.Tx) error {
		return s.publisher.PublishTx(ctx, tx, queue.Message{
			JobID:       j.ID,
			OwnerID:     j.OwnerID,
			SourceType:  j.SourceType,
			SourceRef:   j.SourceRef,
			RequestedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		slog.Error("create import job", "job", j.ID, "error", err)
		return nil, apperror.New(apperror.Unavailable, "could not enqueue import job, try again")
	}
	s.publisher.Notify()

	slog.Info("import job queued", "job", j.ID, "source_type", j.SourceType)
	return j, nil
}

// Get returns a job to its owner. Service-credential callers set Internal and
// skip the ownership check.
func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !req.Internal && j.OwnerID != req.OwnerID {
		return nil, apperror.New(apperror.Forbidden, "job belongs to another user")
	}
	return j, nil
}

// UpdateStatus applies a guarded forward transition on behalf of a worker.
func (s *Service) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpdateStatus(ctx, req.JobID, req.Status, req.ErrorMessage, req.RecipeID)
}

func (s *Service) SaveTranscript(ctx context.Context, req SaveTranscriptRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	t := req.Transcript
	return s.repo.SaveTranscript(ctx, &t)
}

func (s *Service) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	if jobID == "" {
		return nil, apperror.New(apperror.BadRequest, "invalid job id")
	}
	return s.repo.GetTranscript(ctx, jobID)
}

// RequeueStale re-queues jobs stuck in RUNNING (worker crashed mid-flight) or
// stranded in QUEUED (consumed without a transition) and republishes their
// messages.
func (s *Service) RequeueStale(ctx context.Context) error {
	jobs, err := s.repo.RequeueStale(ctx, s.staleAfter)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	for i := range jobs {
		j := &jobs[i]
		err := s.publisher.Publish(ctx, queue.Message{
			JobID:       j.ID,
			OwnerID:     j.OwnerID,
			SourceType:  j.SourceType,
			SourceRef:   j.SourceRef,
			RequestedAt: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("republish stale job", "job", j.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		slog.Info("re-queued stale import jobs", "count", len(jobs))
	}
	return nil
}
