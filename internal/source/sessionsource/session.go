// Package sessionsource reads development-session markdown files.
//
// A session file is named after its id (e.g. 20251121-113107.md) and looks
// like:
//
//	# Session: Refactor store
//	**Started**: 2025-11-21T11:31:07Z
//	**Git Branch**: main
//	Work Type: refactor
//
//	## Goals
//	- [x] split writer
//	- [ ] add tests
//
//	**Key Decisions:**
//	- use WAL journal
//
//	**Patterns Observed:**
//	- tests are slow
//
//	## Work Completed
//	1. moved writer into its own package
package sessionsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strata-log/strata/internal/extraction"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/source"
	"github.com/strata-log/strata/pkg/types"
)

// IDLayout is the time layout of session ids.
const IDLayout = "20060102-150405"

var startedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	titleRe     = regexp.MustCompile(`(?m)^# Session: (.+)$`)
	workTypeRe  = regexp.MustCompile(`Work Type:\s*(\w+)`)
	filesRe     = regexp.MustCompile(`Files Changed:\s*(\d+)`)
	commitsRe   = regexp.MustCompile(`Commits:\s*(\d+)`)
	checkboxRe  = regexp.MustCompile(`- \[([xX ])\] (.+)`)
	numberedRe  = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	startedRe   = fieldRe("Started")
	branchRe    = fieldRe("Git Branch")
)

// fieldRe matches a "**Field**: value" line.
func fieldRe(field string) *regexp.Regexp {
	return regexp.MustCompile(`\*\*` + regexp.QuoteMeta(field) + `\*\*:\s*(.+)`)
}

// Reader emits the events of every *.md file in a directory. Each file is
// one unit fingerprinted by modification time and size.
type Reader struct {
	dir string
}

// New creates a reader over dir.
func New(dir string) *Reader {
	return &Reader{dir: dir}
}

// Kind implements source.Reader.
func (r *Reader) Kind() string { return extraction.KindSessions }

// Units visits session files in name order.
func (r *Reader) Units(ctx context.Context, fn func(source.Unit) error) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("sessionsource: failed to read %s: %w", r.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("sessionsource: failed to stat %s: %w", e.Name(), err)
		}
		path := filepath.Join(r.dir, e.Name())
		err = fn(source.Unit{
			ID:          e.Name(),
			Fingerprint: extraction.FileFingerprint(info.ModTime(), info.Size()),
			Load: func(ctx context.Context) ([]types.Candidate, error) {
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("sessionsource: failed to read %s: %w", path, err)
				}
				s, err := Parse(strings.TrimSuffix(e.Name(), ".md"), string(data))
				if err != nil {
					return nil, err
				}
				return s.Candidates(path)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Session is a parsed session file.
type Session struct {
	ID             string
	Title          string
	StartedAt      time.Time
	Branch         string
	Classification string
	FilesChanged   int
	CommitCount    int
	Goals          []schema.SessionGoalPayload
	Decisions      []string
	Observations   []schema.SessionObservationPayload
}

// Parse parses the markdown content of session id. The start time comes from
// the **Started** field, falling back to the id when it follows IDLayout.
func Parse(id, content string) (*Session, error) {
	s := &Session{ID: id, Title: id}
	if m := titleRe.FindStringSubmatch(content); m != nil {
		s.Title = strings.TrimSpace(m[1])
	}
	if m := branchRe.FindStringSubmatch(content); m != nil {
		s.Branch = strings.TrimSpace(m[1])
	}
	if m := workTypeRe.FindStringSubmatch(content); m != nil {
		s.Classification = m[1]
	}
	if m := filesRe.FindStringSubmatch(content); m != nil {
		s.FilesChanged, _ = strconv.Atoi(m[1])
	}
	if m := commitsRe.FindStringSubmatch(content); m != nil {
		s.CommitCount, _ = strconv.Atoi(m[1])
	}

	started, err := startTime(id, content)
	if err != nil {
		return nil, err
	}
	s.StartedAt = started

	goals := section(content, "Goals")
	for _, m := range checkboxRe.FindAllStringSubmatch(goals, -1) {
		s.Goals = append(s.Goals, schema.SessionGoalPayload{
			Content:   strings.TrimSpace(m[2]),
			Completed: m[1] != " ",
		})
	}

	s.Decisions = bullets(section(content, "Key Decisions"))
	for _, b := range bullets(section(content, "Patterns Observed")) {
		s.Observations = append(s.Observations, schema.SessionObservationPayload{
			Content: b, ObservationType: schema.ObservationPattern,
		})
	}
	for _, line := range strings.Split(section(content, "Work Completed"), "\n") {
		if m := numberedRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			s.Observations = append(s.Observations, schema.SessionObservationPayload{
				Content: strings.TrimSpace(m[1]), ObservationType: schema.ObservationWork,
			})
		}
	}
	if prev := strings.TrimSpace(section(content, "Previous Session Context")); prev != "" && !strings.HasPrefix(prev, "<!--") {
		s.Observations = append(s.Observations, schema.SessionObservationPayload{
			Content: prev, ObservationType: schema.ObservationContext,
		})
	}
	return s, nil
}

func startTime(id, content string) (time.Time, error) {
	if m := startedRe.FindStringSubmatch(content); m != nil {
		raw := strings.TrimSpace(m[1])
		for _, layout := range startedLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
	}
	if t, err := time.Parse(IDLayout, id); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("sessionsource: cannot determine start time of session %s", id)
}

// Candidates returns the events of the session: one session.started, then
// goals, decisions and observations in document order.
func (s *Session) Candidates(locator string) ([]types.Candidate, error) {
	var out []types.Candidate
	add := func(eventType string, payload interface{}) error {
		c, err := types.NewCandidate(eventType, s.StartedAt, s.ID, locator, payload)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}

	if err := add(schema.TypeSessionStarted, schema.SessionStartedPayload{
		Title:          s.Title,
		Branch:         s.Branch,
		Classification: s.Classification,
		FilesChanged:   s.FilesChanged,
		CommitCount:    s.CommitCount,
	}); err != nil {
		return nil, err
	}
	for _, g := range s.Goals {
		if err := add(schema.TypeSessionGoal, g); err != nil {
			return nil, err
		}
	}
	for _, d := range s.Decisions {
		if err := add(schema.TypeSessionDecision, schema.SessionDecisionPayload{Content: d}); err != nil {
			return nil, err
		}
	}
	for _, o := range s.Observations {
		if err := add(schema.TypeSessionObservation, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// section returns the body following "**Header:**" or "## Header", up to
// the next bold marker or level-two heading.
func section(content, header string) string {
	bold := "**" + header + ":**"
	if i := strings.Index(content, bold); i >= 0 {
		rest := strings.TrimLeft(content[i+len(bold):], " \t")
		end := len(rest)
		for _, marker := range []string{"\n**", "\n## "} {
			if j := strings.Index(rest, marker); j >= 0 && j < end {
				end = j
			}
		}
		return rest[:end]
	}
	heading := "## " + header
	if i := strings.Index(content, heading); i >= 0 {
		rest := content[i+len(heading):]
		if j := strings.Index(rest, "\n## "); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return ""
}

// bullets returns the text of "-" or "*" list items.
func bullets(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "*") {
			continue
		}
		text := strings.TrimSpace(strings.TrimLeft(line, "-*"))
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}
