package importjob

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cookclip/importer/internal/apperror"
	domain "github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/platform/sqlite"
	"github.com/cookclip/importer/internal/queue"
)

func setupRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db.DB), db.DB
}

func newJob() *domain.Job {
	return &domain.Job{
		ID:         uuid.New().String(),
		OwnerID:    "user-1",
		SourceType: "youtube",
		SourceRef:  "https://www.youtube.com/watch?v=abc123",
		Status:     domain.StatusQueued,
	}
}

func noopPublish(context.Context, *sql.Tx) error { return nil }

func TestRepository_CreateAndGet(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerID != "user-1" || got.Status != domain.StatusQueued || got.SourceType != "youtube" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestRepository_Create_PublishFailureRollsBack(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	err := repo.Create(ctx, j, func(context.Context, *sql.Tx) error {
		return errors.New("broker unreachable")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	_, err = repo.Get(ctx, j.ID)
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.NotFound {
		t.Errorf("expected NOT_FOUND after rollback, got %v", err)
	}
}

func TestRepository_Create_PublishLandsInSameTransaction(t *testing.T) {
	repo, db := setupRepo(t)
	log := queue.NewLog(db, 1)
	ctx := context.Background()

	j := newJob()
	done := make(chan error, 1)
	go func() {
		done <- repo.Create(ctx, j, func(ctx context.Context, tx *sql.Tx) error {
			return log.PublishTx(ctx, tx, queue.Message{
				JobID:       j.ID,
				OwnerID:     j.OwnerID,
				SourceType:  j.SourceType,
				SourceRef:   j.SourceRef,
				RequestedAt: time.Now().UTC(),
			})
		})
	}()

	// The in-memory pool holds a single connection: a publish that does not
	// ride the create transaction can never finish.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("create did not return: publish blocked on its own transaction")
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queue message, got %d", n)
	}
}

func TestRepository_Create_ReturnsStoredTimestamps(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !j.CreatedAt.Equal(got.CreatedAt) || !j.UpdatedAt.Equal(got.UpdatedAt) {
		t.Errorf("create returned %v/%v, read back %v/%v",
			j.CreatedAt, j.UpdatedAt, got.CreatedAt, got.UpdatedAt)
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, _ := setupRepo(t)

	_, err := repo.Get(context.Background(), uuid.New().String())
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.NotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestRepository_UpdateStatus_ForwardPath(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}

	got, err := repo.UpdateStatus(ctx, j.ID, domain.StatusRunning, "", "")
	if err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("expected RUNNING, got %s", got.Status)
	}

	got, err = repo.UpdateStatus(ctx, j.ID, domain.StatusFailed, "no captions", "")
	if err != nil {
		t.Fatalf("to FAILED: %v", err)
	}
	if got.Status != domain.StatusFailed || got.ErrorMessage != "no captions" {
		t.Errorf("unexpected job: %+v", got)
	}
}

func TestRepository_UpdateStatus_NoOpOnRepeat(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateStatus(ctx, j.ID, domain.StatusRunning, "", ""); err != nil {
		t.Fatal(err)
	}

	// A redelivered RUNNING update must succeed without complaint.
	got, err := repo.UpdateStatus(ctx, j.ID, domain.StatusRunning, "", "")
	if err != nil {
		t.Fatalf("repeat to RUNNING: %v", err)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("expected RUNNING, got %s", got.Status)
	}
}

func TestRepository_UpdateStatus_TerminalIsImmutable(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateStatus(ctx, j.ID, domain.StatusRunning, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateStatus(ctx, j.ID, domain.StatusFailed, "boom", ""); err != nil {
		t.Fatal(err)
	}

	for _, next := range []domain.Status{domain.StatusRunning, domain.StatusReady} {
		_, err := repo.UpdateStatus(ctx, j.ID, next, "", "")
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) || appErr.Code() != apperror.Conflict {
			t.Errorf("terminal -> %s: expected CONFLICT, got %v", next, err)
		}
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.ErrorMessage != "boom" {
		t.Errorf("terminal fields mutated: %+v", got)
	}
}

func TestRepository_UpdateStatus_SkippingQueuedIsRejected(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}

	_, err := repo.UpdateStatus(ctx, j.ID, domain.StatusReady, "", uuid.New().String())
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.Conflict {
		t.Errorf("QUEUED -> READY: expected CONFLICT, got %v", err)
	}
}

func TestRepository_Transcript_WriteOnce(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}

	first := &domain.Transcript{
		JobID:    j.ID,
		Provider: "youtube",
		Language: "en",
		Segments: []domain.Segment{{StartOffset: 0, Duration: 2.5, Text: "preheat the oven"}},
		FullText: "preheat the oven",
	}
	if err := repo.SaveTranscript(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Redelivered write must not clobber the original.
	second := &domain.Transcript{
		JobID:    j.ID,
		Provider: "youtube",
		Language: "en",
		Segments: []domain.Segment{{StartOffset: 9, Duration: 1, Text: "other"}},
	}
	if err := repo.SaveTranscript(ctx, second); err != nil {
		t.Fatalf("repeat save: %v", err)
	}

	got, err := repo.GetTranscript(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Segments) != 1 || got.Segments[0].Text != "preheat the oven" {
		t.Errorf("transcript overwritten: %+v", got)
	}
	if got.FullText != "preheat the oven" {
		t.Errorf("full text lost: %q", got.FullText)
	}
}

func TestRepository_RequeueStale(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	running := newJob()
	if err := repo.Create(ctx, running, noopPublish); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateStatus(ctx, running.ID, domain.StatusRunning, "", ""); err != nil {
		t.Fatal(err)
	}

	fresh := newJob()
	if err := repo.Create(ctx, fresh, noopPublish); err != nil {
		t.Fatal(err)
	}

	// staleAfter in the past makes every row stale.
	jobs, err := repo.RequeueStale(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 stale jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != domain.StatusQueued {
			t.Errorf("job %s: expected QUEUED, got %s", j.ID, j.Status)
		}
	}

	got, err := repo.Get(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusQueued {
		t.Errorf("running job not recovered: %s", got.Status)
	}

	// A recent sweep with a sane threshold touches nothing.
	jobs, err = repo.RequeueStale(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no stale jobs, got %d", len(jobs))
	}
}

func TestRepository_RequeueStale_SweepHandsJobOutOnce(t *testing.T) {
	repo, db := setupRepo(t)
	ctx := context.Background()

	j := newJob()
	if err := repo.Create(ctx, j, noopPublish); err != nil {
		t.Fatal(err)
	}
	backdate := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := db.ExecContext(ctx,
		`UPDATE import_jobs SET updated_at = ? WHERE id = ?`, backdate, j.ID); err != nil {
		t.Fatal(err)
	}

	jobs, err := repo.RequeueStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 stale job, got %d", len(jobs))
	}

	// The sweep refreshed updated_at, so an immediate second pass must not
	// hand the same job out again.
	jobs, err = repo.RequeueStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("stale job handed out twice, got %d", len(jobs))
	}
}
