package importjob

import (
	"testing"
	"time"
)

func TestStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusReady, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusReady, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, false},
		{StatusReady, StatusFailed, false},
		{StatusReady, StatusRunning, false},
		{StatusFailed, StatusReady, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusQueued.Terminal() || StatusRunning.Terminal() {
		t.Error("active statuses must not be terminal")
	}
	if !StatusReady.Terminal() || !StatusFailed.Terminal() {
		t.Error("READY and FAILED must be terminal")
	}
}

func TestJob_ETagChangesWithState(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "a", Status: StatusQueued, UpdatedAt: now}

	tag1 := j.ETag()
	if tag1 != j.ETag() {
		t.Fatal("ETag must be stable for unchanged fields")
	}

	j.Status = StatusRunning
	tag2 := j.ETag()
	if tag2 == tag1 {
		t.Error("ETag must change when status changes")
	}

	j.Status = StatusReady
	j.RecipeID = "r1"
	if j.ETag() == tag2 {
		t.Error("ETag must change when recipe_id is set")
	}
}

func TestSourceTypeOf(t *testing.T) {
	cases := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.youtube.com/watch?v=abc123", "youtube", true},
		{"https://youtu.be/abc123", "youtube", true},
		{"https://m.youtube.com/watch?v=abc123", "youtube", true},
		{"https://vimeo.com/12345", "", false},
		{"ftp://youtube.com/watch", "", false},
		{"not a url", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := SourceTypeOf(c.url)
		if got != c.want || ok != c.ok {
			t.Errorf("SourceTypeOf(%q) = (%q, %v), want (%q, %v)", c.url, got, ok, c.want, c.ok)
		}
	}
}
