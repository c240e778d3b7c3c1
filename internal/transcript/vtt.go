package transcript

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cookclip/importer/internal/importjob"
)

var (
	cueTimeRe = regexp.MustCompile(`^(\d{1,2}:)?\d{2}:\d{2}\.\d{3} --> (\d{1,2}:)?\d{2}:\d{2}\.\d{3}`)
	tagRe     = regexp.MustCompile(`<[^>]*>`)
)

// parseVTT reads a WebVTT caption file into ordered segments. Inline markup
// (voice/class tags, word-level timestamps from auto-generated tracks) is
// stripped, blank cues are dropped, and consecutive duplicate lines are
// collapsed since auto captions repeat text across overlapping cues.
func parseVTT(r io.Reader, maxSegments int) ([]importjob.Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var segments []importjob.Segment
	var start, end float64
	var inCue bool
	var lastText string

	flushLine := func(line string) {
		text := strings.TrimSpace(tagRe.ReplaceAllString(line, ""))
		text = strings.ReplaceAll(text, "&amp;", "&")
		text = strings.ReplaceAll(text, "&lt;", "<")
		text = strings.ReplaceAll(text, "&gt;", ">")
		text = strings.ReplaceAll(text, "&nbsp;", " ")
		if text == "" || text == lastText {
			return
		}
		lastText = text
		segments = append(segments, importjob.Segment{
			StartOffset: start,
			Duration:    end - start,
			Text:        text,
		})
	}

	for scanner.Scan() {
		if maxSegments > 0 && len(segments) >= maxSegments {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case cueTimeRe.MatchString(line):
			parts := strings.SplitN(line, "-->", 2)
			var err error
			if start, err = parseTimestamp(strings.TrimSpace(parts[0])); err != nil {
				return nil, err
			}
			// Trailing cue settings (align:start etc.) follow the end time.
			endField := strings.Fields(strings.TrimSpace(parts[1]))[0]
			if end, err = parseTimestamp(endField); err != nil {
				return nil, err
			}
			inCue = true
		case line == "":
			inCue = false
		case inCue:
			flushLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read captions: %w", err)
	}

	return segments, nil
}

// parseTimestamp converts "hh:mm:ss.mmm" (hours optional) to seconds.
func parseTimestamp(s string) (float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid cue timestamp %q", s)
	}

	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cue timestamp %q", s)
		}
		total = total*60 + v
	}
	return total, nil
}
