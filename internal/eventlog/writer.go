// Package eventlog implements the append-only, globally ordered event log.
// Appends are validated, deduplicated by content identity and durable before
// they return.
package eventlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/logging"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// WriterOptions sizes the identity filter.
type WriterOptions struct {
	ExpectedItems int
	FPR           float64
}

// Writer appends candidates to the log.
type Writer struct {
	store    *store.Store
	registry *schema.Registry
	reader   *Reader
	filter   *identityFilter
}

// NewWriter creates a writer and seeds its identity filter from the stored log.
func NewWriter(ctx context.Context, st *store.Store, registry *schema.Registry, opts WriterOptions) (*Writer, error) {
	w := &Writer{
		store:    st,
		registry: registry,
		reader:   NewReader(st),
		filter:   newIdentityFilter(opts.ExpectedItems, opts.FPR),
	}
	if err := w.reader.eachIdentity(ctx, w.filter.add); err != nil {
		return nil, err
	}
	return w, nil
}

// Identity computes the content identity of an event. occurred_at and the
// source locator are not part of it, so re-extracting the same fact from a
// moved artifact or with a re-derived timestamp deduplicates.
func Identity(eventType, sourceID string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// prepared is a validated candidate ready for insertion.
type prepared struct {
	c         types.Candidate
	canonical []byte
	identity  string
}

func (w *Writer) prepare(c types.Candidate) (*prepared, error) {
	if c.EventType == "" {
		return nil, strataerrors.NewSchemaViolation(c.EventType, "event_type is required", nil)
	}
	if c.SourceID == "" {
		return nil, strataerrors.NewSchemaViolation(c.EventType, "source_id is required", nil)
	}
	if c.OccurredAt.IsZero() {
		return nil, strataerrors.NewSchemaViolation(c.EventType, "occurred_at is required", nil)
	}
	if !types.Representable(c.OccurredAt) {
		return nil, strataerrors.NewSchemaViolation(c.EventType,
			fmt.Sprintf("occurred_at %s is outside the storable range %s to %s",
				c.OccurredAt.UTC().Format(time.RFC3339), types.MinTime.Format(time.RFC3339Nano), types.MaxTime.Format(time.RFC3339Nano)), nil)
	}
	canonical, err := w.registry.Normalize(c.EventType, c.Payload)
	if err != nil {
		return nil, err
	}
	return &prepared{
		c:         c,
		canonical: canonical,
		identity:  Identity(c.EventType, c.SourceID, canonical),
	}, nil
}

// Append validates c and appends it. When an event with the same identity
// already exists its seq is returned with OutcomeDeduplicated and nothing is
// written. The returned seq is durable.
func (w *Writer) Append(ctx context.Context, c types.Candidate) (uint64, types.AppendOutcome, error) {
	p, err := w.prepare(c)
	if err != nil {
		return 0, "", err
	}

	if seq, ok, err := w.lookup(ctx, p.identity); err != nil {
		return 0, "", err
	} else if ok {
		return seq, types.OutcomeDeduplicated, nil
	}

	var (
		seq     uint64
		outcome types.AppendOutcome
	)
	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		var ierr error
		seq, outcome, ierr = insert(ctx, tx, p)
		return ierr
	})
	if err != nil {
		return 0, "", storageError(ctx, "append failed", err)
	}

	w.filter.add(p.identity)
	if outcome == types.OutcomeDeduplicated {
		logging.Debug().Add(logging.EventType(c.EventType)).Add(logging.Seq("seq", seq)).
			Msg("eventlog: identity matched existing event")
	}
	return seq, outcome, nil
}

// lookup consults the identity filter and, on a possible hit, the read pool.
func (w *Writer) lookup(ctx context.Context, identity string) (uint64, bool, error) {
	if !w.filter.mayContain(identity) {
		return 0, false, nil
	}
	seq, err := w.reader.SeqForIdentity(ctx, identity)
	if err != nil {
		return 0, false, storageError(ctx, "identity lookup failed", err)
	}
	return seq, seq > 0, nil
}

// insert allocates the next seq and inserts p inside tx. A conflicting
// identity inserts nothing and returns the existing seq.
func insert(ctx context.Context, tx *sql.Tx, p *prepared) (uint64, types.AppendOutcome, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM events").Scan(&next); err != nil {
		return 0, "", fmt.Errorf("failed to allocate seq: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (seq, event_type, occurred_at, source_id, source_locator, payload, identity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO NOTHING`,
		next, p.c.EventType, types.UnixNanos(p.c.OccurredAt), p.c.SourceID, p.c.SourceLocator,
		string(p.canonical), p.identity)
	if err != nil {
		return 0, "", fmt.Errorf("failed to insert event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, "", fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return uint64(next), types.OutcomeAppended, nil
	}

	var existing int64
	if err := tx.QueryRowContext(ctx, "SELECT seq FROM events WHERE identity = ?", p.identity).Scan(&existing); err != nil {
		return 0, "", fmt.Errorf("failed to resolve existing identity: %w", err)
	}
	return uint64(existing), types.OutcomeDeduplicated, nil
}

// AppendResult is the outcome for one candidate of a batch.
type AppendResult struct {
	Index   int
	Seq     uint64
	Outcome types.AppendOutcome
	Err     error
}

// BatchResult reports per-candidate outcomes of AppendBatch.
type BatchResult struct {
	Results      []AppendResult
	Appended     int
	Deduplicated int
	Failed       int
}

// Failures returns the results that carry an error.
func (b *BatchResult) Failures() []AppendResult {
	var out []AppendResult
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Err joins all failures, or returns nil when every candidate succeeded.
func (b *BatchResult) Err() error {
	var errs []error
	for _, r := range b.Failures() {
		errs = append(errs, fmt.Errorf("candidate %d: %w", r.Index, r.Err))
	}
	return errors.Join(errs...)
}

// AppendBatch appends each candidate independently. Invalid candidates are
// reported and skipped; valid ones are written in one durable transaction,
// in input order.
//
// A storage failure rolls the transaction back, so every pending candidate
// is reported failed even if only one insert broke; nothing of the batch is
// written. Resubmitting the whole batch is safe: candidates that were
// appended by an earlier attempt deduplicate to their existing seq.
func (w *Writer) AppendBatch(ctx context.Context, candidates []types.Candidate) *BatchResult {
	result := &BatchResult{Results: make([]AppendResult, len(candidates))}

	var pending []int
	preps := make([]*prepared, len(candidates))
	for i, c := range candidates {
		result.Results[i].Index = i
		p, err := w.prepare(c)
		if err != nil {
			result.Results[i].Err = err
			continue
		}
		preps[i] = p

		seq, ok, err := w.lookup(ctx, p.identity)
		switch {
		case err != nil:
			result.Results[i].Err = err
		case ok:
			result.Results[i].Seq = seq
			result.Results[i].Outcome = types.OutcomeDeduplicated
		default:
			pending = append(pending, i)
		}
	}

	if len(pending) > 0 {
		staged := make(map[int]AppendResult, len(pending))
		err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
			for _, i := range pending {
				seq, outcome, err := insert(ctx, tx, preps[i])
				if err != nil {
					return err
				}
				staged[i] = AppendResult{Index: i, Seq: seq, Outcome: outcome}
			}
			return nil
		})
		if err != nil {
			serr := storageError(ctx, "batch append failed", err)
			for _, i := range pending {
				result.Results[i].Err = serr
			}
		} else {
			for _, i := range pending {
				result.Results[i] = staged[i]
				w.filter.add(preps[i].identity)
			}
		}
	}

	for _, r := range result.Results {
		switch {
		case r.Err != nil:
			result.Failed++
		case r.Outcome == types.OutcomeAppended:
			result.Appended++
		case r.Outcome == types.OutcomeDeduplicated:
			result.Deduplicated++
		}
	}
	return result
}

// storageError classifies a storage-layer failure. Cancellation passes through
// unchanged so callers can distinguish it from I/O failure.
func storageError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if store.IsBusyError(err) {
		return strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeBusy, msg, err)
	}
	return strataerrors.NewStorageError(msg, err)
}
