// Package transcript extracts timestamped caption text for a video by driving
// an external downloader subprocess and parsing the WebVTT track it fetches.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cookclip/importer/internal/importjob"
)

var (
	// ErrNoCaptions means the video has no caption track at all. Retrying
	// will not help; the failure is surfaced to the user as-is.
	ErrNoCaptions = errors.New("no captions available for this video")

	// ErrTooShort means a track exists but carries too little text for
	// structuring to produce a useful recipe.
	ErrTooShort = errors.New("transcript too short to extract a recipe")
)

type Extractor struct {
	ytdlp       string
	workDir     string
	timeout     time.Duration
	minChars    int
	maxSegments int
	subLangs    string
	runner      Runner
}

type Option func(*Extractor)

func WithPath(path string) Option        { return func(e *Extractor) { e.ytdlp = path } }
func WithWorkDir(dir string) Option      { return func(e *Extractor) { e.workDir = dir } }
func WithTimeout(d time.Duration) Option { return func(e *Extractor) { e.timeout = d } }
func WithMinChars(n int) Option          { return func(e *Extractor) { e.minChars = n } }
func WithMaxSegments(n int) Option       { return func(e *Extractor) { e.maxSegments = n } }
func WithRunner(r Runner) Option         { return func(e *Extractor) { e.runner = r } }

func New(opts ...Option) *Extractor {
	e := &Extractor{
		ytdlp:       "yt-dlp",
		workDir:     os.TempDir(),
		timeout:     120 * time.Second,
		minChars:    80,
		maxSegments: 5000,
		subLangs:    "en.*,en",
		runner:      execRunner{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract downloads the caption track for url into a job-scoped temporary
// directory and parses it into segments. The directory is removed on every
// exit path. Only caption data is ever fetched, never the media itself.
func (e *Extractor) Extract(ctx context.Context, jobID, url string) (*importjob.Transcript, error) {
	// The job id ends up in a filesystem path; accept nothing but a UUID.
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	dir, err := os.MkdirTemp(e.workDir, "import-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	_, stderr, err := e.runner.Run(ctx, e.ytdlp,
		"--skip-download",
		"--no-playlist",
		"--write-subs",
		"--write-auto-subs",
		"--sub-format", "vtt",
		"--sub-langs", e.subLangs,
		"--output", filepath.Join(dir, "captions"),
		url,
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("caption download timed out after %s", e.timeout)
		}
		return nil, fmt.Errorf("caption download failed: %s", tail(string(stderr), 512))
	}

	path, language, err := findCaptionFile(dir)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open captions: %w", err)
	}
	defer func() { _ = f.Close() }()

	segments, err := parseVTT(f, e.maxSegments)
	if err != nil {
		return nil, fmt.Errorf("parse captions: %w", err)
	}

	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	fullText := strings.TrimSpace(b.String())
	if len(fullText) < e.minChars {
		return nil, ErrTooShort
	}

	return &importjob.Transcript{
		JobID:    jobID,
		Provider: "youtube",
		Language: language,
		Segments: segments,
		FullText: fullText,
	}, nil
}

// findCaptionFile locates the downloaded track. yt-dlp names subtitle files
// "<output>.<lang>.vtt"; manual tracks are preferred by lexical order only,
// which is fine since we request a single language family.
func findCaptionFile(dir string) (path, language string, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.vtt"))
	if err != nil {
		return "", "", fmt.Errorf("scan work dir: %w", err)
	}
	if len(matches) == 0 {
		return "", "", ErrNoCaptions
	}

	path = matches[0]
	base := strings.TrimSuffix(filepath.Base(path), ".vtt")
	if i := strings.LastIndex(base, "."); i >= 0 {
		language = base[i+1:]
	}
	if language == "" {
		language = "en"
	}
	return path, language, nil
}

// FormatTimestamped renders a transcript the way the structuring service
// expects its input: one "[12.34s] text" line per segment.
func FormatTimestamped(t *importjob.Transcript) string {
	var b strings.Builder
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "[%.2fs] %s\n", seg.StartOffset, seg.Text)
	}
	return b.String()
}
