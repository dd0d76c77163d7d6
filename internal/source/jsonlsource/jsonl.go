// Package jsonlsource imports candidates from JSON-lines files, one
// candidate object per line. External extractors (e.g. code fact scanners)
// use it to feed the log.
package jsonlsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/extraction"
	"github.com/strata-log/strata/internal/source"
	"github.com/strata-log/strata/pkg/types"
)

// maxLine bounds one JSON line.
const maxLine = 4 << 20

// Reader treats each file as one unit fingerprinted by content.
type Reader struct {
	paths []string
}

// New creates a reader over files.
func New(paths ...string) *Reader {
	return &Reader{paths: paths}
}

// Kind implements source.Reader.
func (r *Reader) Kind() string { return extraction.KindJSONL }

// Units visits the files in the given order.
func (r *Reader) Units(ctx context.Context, fn func(source.Unit) error) error {
	for _, path := range r.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("jsonlsource: failed to read %s: %w", path, err)
		}
		err = fn(source.Unit{
			ID:          filepath.Clean(path),
			Fingerprint: extraction.ContentFingerprint(data),
			Load: func(ctx context.Context) ([]types.Candidate, error) {
				return Decode(data, path)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// line is the wire form of one candidate.
type line struct {
	EventType     string          `json:"event_type"`
	OccurredAt    string          `json:"occurred_at"`
	SourceID      string          `json:"source_id"`
	SourceLocator string          `json:"source_locator,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode parses JSON lines into candidates. Blank lines are ignored.
// occurred_at must be RFC 3339. A missing source_locator defaults to
// locator.
func Decode(data []byte, locator string) ([]types.Candidate, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []types.Candidate
	n := 0
	for sc.Scan() {
		n++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l line
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&l); err != nil {
			return nil, invalidLine(locator, n, err)
		}
		at, err := parseTime(l.OccurredAt)
		if err != nil {
			return nil, invalidLine(locator, n, err)
		}
		if l.SourceLocator == "" {
			l.SourceLocator = locator
		}
		out = append(out, types.Candidate{
			EventType:     l.EventType,
			OccurredAt:    at,
			SourceID:      l.SourceID,
			SourceLocator: l.SourceLocator,
			Payload:       l.Payload,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonlsource: failed to scan %s: %w", locator, err)
	}
	return out, nil
}

func parseTime(s string) (t time.Time, err error) {
	if s == "" {
		return t, fmt.Errorf("occurred_at is required")
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return t, fmt.Errorf("occurred_at must be RFC 3339: %w", err)
	}
	return t.UTC(), nil
}

func invalidLine(locator string, n int, err error) error {
	return strataerrors.Wrap(strataerrors.ErrCategoryValidation, strataerrors.CodeInvalidCandidate,
		fmt.Sprintf("%s:%d: invalid candidate line", locator, n), err)
}
