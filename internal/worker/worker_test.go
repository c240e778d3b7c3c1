package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cookclip/importer/internal/apperror"
	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/jobapi"
	"github.com/cookclip/importer/internal/queue"
	"github.com/cookclip/importer/internal/recipe"
	"github.com/cookclip/importer/internal/structurer"
	"github.com/cookclip/importer/internal/transcript"
)

type mockAPI struct {
	mu sync.Mutex

	job         *importjob.Job
	transitions []importjob.Status
	failureMsg  string
	transcripts int
	recipes     int

	getErr        error
	updateErr     error
	createErr     error
	transcriptErr error
	alreadyExists bool
}

func (m *mockAPI) GetJob(_ context.Context, jobID string) (*importjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	j := *m.job
	return &j, nil
}

func (m *mockAPI) UpdateStatus(_ context.Context, jobID string, status importjob.Status, errorMessage, recipeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if !m.job.Status.CanTransition(status) && m.job.Status != status {
		return apperror.New(apperror.Conflict, fmt.Sprintf("cannot move %s to %s", m.job.Status, status))
	}
	m.job.Status = status
	m.transitions = append(m.transitions, status)
	if status == importjob.StatusFailed {
		m.failureMsg = errorMessage
	}
	return nil
}

func (m *mockAPI) CreateRecipe(_ context.Context, jobID string, req jobapi.CreateRecipeRequest) (*recipe.CreateFromJobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.recipes++
	m.job.Status = importjob.StatusReady
	id := uuid.New().String()
	m.job.RecipeID = id
	return &recipe.CreateFromJobResult{RecipeID: id, AlreadyExists: m.alreadyExists}, nil
}

func (m *mockAPI) StoreTranscript(_ context.Context, t *importjob.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transcriptErr != nil {
		return m.transcriptErr
	}
	m.transcripts++
	return nil
}

type mockExtractor struct {
	transcript *importjob.Transcript
	err        error
}

func (m *mockExtractor) Extract(context.Context, string, string) (*importjob.Transcript, error) {
	return m.transcript, m.err
}

type mockStructurer struct {
	mu     sync.Mutex
	calls  int
	result *structurer.Result
	errs   []error // consumed per call, nil entry means success
}

func (m *mockStructurer) Structure(_ context.Context, req structurer.Request) (*structurer.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.calls < len(m.errs) {
		err = m.errs[m.calls]
	}
	m.calls++
	if err != nil {
		return nil, err
	}
	return m.result, nil
}

func sampleTranscript(jobID string) *importjob.Transcript {
	return &importjob.Transcript{
		JobID:    jobID,
		Provider: "youtube",
		Language: "en",
		Segments: []importjob.Segment{{StartOffset: 1, Duration: 4, Text: "preheat the oven"}},
		FullText: "preheat the oven",
	}
}

func sampleResult() *structurer.Result {
	return &structurer.Result{
		Title:       "Roast Chicken",
		Ingredients: []structurer.Ingredient{{Quantity: "1", Item: "whole chicken"}},
		Steps:       []structurer.Step{{Index: 0, Text: "Preheat the oven.", TimestampOffset: 1}},
	}
}

func testMessage(jobID string) queue.Message {
	return queue.Message{
		JobID:       jobID,
		OwnerID:     "user-1",
		SourceType:  "youtube",
		SourceRef:   "https://youtu.be/abc123",
		RequestedAt: time.Now().UTC(),
	}
}

func newTestWorker(api API, ext Extractor, st Structurer) *Worker {
	w := New(api, ext, st)
	w.backoff = time.Millisecond
	return w
}

func queuedJob(jobID string) *importjob.Job {
	return &importjob.Job{ID: jobID, OwnerID: "user-1", Status: importjob.StatusQueued}
}

func TestHandle_HappyPath(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if api.job.Status != importjob.StatusReady {
		t.Errorf("expected READY, got %s", api.job.Status)
	}
	if len(api.transitions) != 1 || api.transitions[0] != importjob.StatusRunning {
		t.Errorf("unexpected transitions: %v", api.transitions)
	}
	if api.transcripts != 1 {
		t.Errorf("transcript stored %d times", api.transcripts)
	}
	if api.recipes != 1 {
		t.Errorf("recipe created %d times", api.recipes)
	}
}

func TestHandle_SkipsTerminalJob(t *testing.T) {
	jobID := uuid.New().String()
	job := queuedJob(jobID)
	job.Status = importjob.StatusReady
	api := &mockAPI{job: job}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if len(api.transitions) != 0 || api.recipes != 0 {
		t.Errorf("terminal job was processed: transitions=%v recipes=%d", api.transitions, api.recipes)
	}
}

func TestHandle_NoCaptionsFailsWithVerbatimReason(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{err: transcript.ErrNoCaptions}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if api.job.Status != importjob.StatusFailed {
		t.Fatalf("expected FAILED, got %s", api.job.Status)
	}
	if api.failureMsg != transcript.ErrNoCaptions.Error() {
		t.Errorf("sentinel reason rewritten: %q", api.failureMsg)
	}
	if st.calls != 0 {
		t.Error("structurer called despite extraction failure")
	}
}

func TestHandle_MalformedStructuringNotRetried(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{errs: []error{
		fmt.Errorf("%w: missing title", structurer.ErrMalformed),
	}}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if st.calls != 1 {
		t.Errorf("malformed response retried: %d calls", st.calls)
	}
	if api.job.Status != importjob.StatusFailed {
		t.Errorf("expected FAILED, got %s", api.job.Status)
	}
	if !strings.Contains(api.failureMsg, "could not extract a recipe") {
		t.Errorf("unexpected failure message: %q", api.failureMsg)
	}
}

func TestHandle_TransientStructuringRetried(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{
		result: sampleResult(),
		errs:   []error{errors.New("status 502"), errors.New("status 502"), nil},
	}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if st.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", st.calls)
	}
	if api.job.Status != importjob.StatusReady {
		t.Errorf("expected READY after recovery, got %s", api.job.Status)
	}
}

func TestHandle_StructuringExhaustedFailsWithGenericReason(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	down := errors.New("status 502")
	st := &mockStructurer{errs: []error{down, down, down}}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if api.job.Status != importjob.StatusFailed {
		t.Fatalf("expected FAILED, got %s", api.job.Status)
	}
	if api.failureMsg != "recipe structuring service unavailable" {
		t.Errorf("internal error leaked to user: %q", api.failureMsg)
	}
}

func TestHandle_TranscriptStoreFailureIsNotFatal(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID), transcriptErr: errors.New("db locked")}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if api.job.Status != importjob.StatusReady {
		t.Errorf("transcript store failure aborted the import: %s", api.job.Status)
	}
}

func TestHandle_TransitionConflictEndsDelivery(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{
		job:       queuedJob(jobID),
		updateErr: apperror.New(apperror.Conflict, "job is FAILED"),
	}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if st.calls != 0 || api.recipes != 0 {
		t.Error("delivery continued past a refused transition")
	}
}

func TestHandle_DuplicateDeliveryReportsExisting(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID), alreadyExists: true}
	ext := &mockExtractor{transcript: sampleTranscript(jobID)}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if api.job.Status != importjob.StatusReady {
		t.Errorf("expected READY, got %s", api.job.Status)
	}
}

func TestHandle_FailureMessageTruncated(t *testing.T) {
	jobID := uuid.New().String()
	api := &mockAPI{job: queuedJob(jobID)}
	ext := &mockExtractor{err: errors.New(strings.Repeat("x", 2000))}
	st := &mockStructurer{result: sampleResult()}

	w := newTestWorker(api, ext, st)
	if err := w.Handle(context.Background(), testMessage(jobID)); err != nil {
		t.Fatal(err)
	}

	if len(api.failureMsg) > 510 {
		t.Errorf("failure message not truncated: %d chars", len(api.failureMsg))
	}
}
