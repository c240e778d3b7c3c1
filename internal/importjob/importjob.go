package importjob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further status mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransition reports whether next is a valid forward transition.
// The lifecycle is a DAG: QUEUED -> RUNNING -> {READY, FAILED}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusReady || next == StatusFailed
	default:
		return false
	}
}

// TransitionSources returns the statuses a job may hold immediately before
// moving to next. Repositories use it to build guarded updates.
func TransitionSources(next Status) []Status {
	switch next {
	case StatusRunning:
		return []Status{StatusQueued}
	case StatusReady, StatusFailed:
		return []Status{StatusRunning}
	default:
		return nil
	}
}

type Job struct {
	ID           string    `json:"job_id"`
	OwnerID      string    `json:"owner_id"`
	SourceType   string    `json:"source_type"`
	SourceRef    string    `json:"source_ref"`
	Status       Status    `json:"status"`
	RecipeID     string    `json:"recipe_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ETag is a content fingerprint over the fields a polling client can observe
// change. A client that presents a matching tag is told nothing changed.
func (j *Job) ETag() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d",
		j.Status, j.RecipeID, j.ErrorMessage, j.UpdatedAt.UnixNano()))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Segment is one timestamped fragment of extracted caption text.
type Segment struct {
	StartOffset float64 `json:"start_offset"`
	Duration    float64 `json:"duration"`
	Text        string  `json:"text"`
}

// Transcript is the parsed caption track for one job, persisted so later
// consumers can read it without redoing extraction.
type Transcript struct {
	JobID    string    `json:"job_id"`
	Provider string    `json:"provider"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
	FullText string    `json:"full_text,omitempty"`
}
