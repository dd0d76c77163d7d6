// Package source drives source readers into the event log. A reader splits
// its upstream into units (a commit, a session file, a JSON-lines file),
// each with a fingerprint, and lazily produces the unit's candidates.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/extraction"
	"github.com/strata-log/strata/internal/logging"
	"github.com/strata-log/strata/pkg/types"
)

// Unit is one independently re-ingestable piece of a source.
type Unit struct {
	ID          string
	Fingerprint string

	// Load produces the unit's candidates. It is only called when the
	// unit must be processed.
	Load func(ctx context.Context) ([]types.Candidate, error)
}

// Reader enumerates the units of one source.
type Reader interface {
	// Kind is the extraction-state source kind, e.g. "git".
	Kind() string

	// Units calls fn for every unit in a deterministic order.
	Units(ctx context.Context, fn func(Unit) error) error
}

// UnitFailure records a unit that could not be fully ingested.
type UnitFailure struct {
	Kind string `json:"kind"`
	Unit string `json:"unit"`
	Err  error  `json:"-"`
	Msg  string `json:"error"`
}

// Summary reports an ingestion run.
type Summary struct {
	RunID        string        `json:"run_id"`
	Units        int           `json:"units"`
	Skipped      int           `json:"skipped"`
	Processed    int           `json:"processed"`
	Appended     int           `json:"appended"`
	Deduplicated int           `json:"deduplicated"`
	Rejected     int           `json:"rejected"`
	Failures     []UnitFailure `json:"failures,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Err joins all unit failures.
func (s *Summary) Err() error {
	errs := make([]error, 0, len(s.Failures))
	for _, f := range s.Failures {
		errs = append(errs, fmt.Errorf("%s %s: %w", f.Kind, f.Unit, f.Err))
	}
	return errors.Join(errs...)
}

// Options configure an ingestion run.
type Options struct {
	// Tracker gates units by fingerprint; nil processes every unit.
	Tracker *extraction.Tracker
}

// Ingest reads every unit of readers and appends its candidates. A unit's
// extraction state is only recorded when all of its candidates were
// accepted, so a failed unit is retried on the next run. Failures of one
// unit never stop the run; the returned error joins them.
func Ingest(ctx context.Context, w *eventlog.Writer, opts Options, readers ...Reader) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString()}

	for _, r := range readers {
		kind := r.Kind()
		err := r.Units(ctx, func(u Unit) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum.Units++
			if opts.Tracker != nil {
				ok, err := opts.Tracker.ShouldProcess(ctx, kind, u.ID, u.Fingerprint)
				if err != nil {
					return err
				}
				if !ok {
					sum.Skipped++
					return nil
				}
			}
			ingestUnit(ctx, w, opts.Tracker, kind, u, sum)
			return nil
		})
		if err != nil {
			sum.Duration = time.Since(start)
			return sum, fmt.Errorf("source: %s reader failed: %w", kind, err)
		}
	}

	sum.Duration = time.Since(start)
	logging.Info().Add(logging.Component("ingest")).Add(logging.RunID(sum.RunID)).
		Add(logging.Count("units", sum.Units)).Add(logging.Count("skipped", sum.Skipped)).
		Add(logging.Count("appended", sum.Appended)).Add(logging.Count("deduplicated", sum.Deduplicated)).
		Add(logging.Count("failed_units", len(sum.Failures))).Add(logging.Duration(sum.Duration)).
		Msg("ingest: run finished")
	return sum, sum.Err()
}

func ingestUnit(ctx context.Context, w *eventlog.Writer, tracker *extraction.Tracker, kind string, u Unit, sum *Summary) {
	fail := func(err error) {
		sum.Failures = append(sum.Failures, UnitFailure{Kind: kind, Unit: u.ID, Err: err, Msg: err.Error()})
		logging.Warn().Add(logging.Component("ingest")).Add(logging.Source(kind, u.ID)).
			Add(logging.ErrorField(err)).Msg("ingest: unit failed")
	}

	candidates, err := u.Load(ctx)
	if err != nil {
		fail(err)
		return
	}
	sum.Processed++

	res := w.AppendBatch(ctx, candidates)
	sum.Appended += res.Appended
	sum.Deduplicated += res.Deduplicated
	sum.Rejected += res.Failed
	if err := res.Err(); err != nil {
		fail(err)
		return
	}
	if tracker != nil {
		if err := tracker.RecordProcessed(ctx, kind, u.ID, u.Fingerprint, int64(len(candidates))); err != nil {
			fail(err)
		}
	}
}
