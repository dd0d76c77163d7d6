package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/logging"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// Rebuild reasons reported per view.
const (
	ReasonForced            = "forced"
	ReasonFromSeq           = "from_seq before checkpoint"
	ReasonVersionChanged    = "view version changed"
	ReasonNoCheckpoint      = "no checkpoint"
	ReasonDependencyRebuilt = "dependency rebuilt"
)

// Config tunes a Materializer.
type Config struct {
	// Workers bounds how many views of one dependency level run concurrently
	Workers int

	// PageSize is the number of events fetched from the log per read
	PageSize int

	// BatchSize is the number of events applied per write transaction
	BatchSize int
}

// DefaultConfig returns the default materializer configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, PageSize: 500, BatchSize: 200}
}

// Options select the replay start of one Materialize call.
type Options struct {
	// FromSeq nil resumes every view from its checkpoint. 0 rebuilds.
	// A value at or past a view's checkpoint resumes from the checkpoint
	// (events are never skipped); a value before it rebuilds the view,
	// because projectors cannot be undone.
	FromSeq *uint64

	// Force rebuilds every selected view.
	Force bool
}

// ViewReport describes the pass over one view.
type ViewReport struct {
	View          string        `json:"view"`
	FromSeq       uint64        `json:"from_seq"`
	ToSeq         uint64        `json:"to_seq"`
	Bound         uint64        `json:"bound"`
	Applied       int           `json:"applied"`
	Skipped       int           `json:"skipped"`
	Rebuilt       bool          `json:"rebuilt"`
	RebuildReason string        `json:"rebuild_reason,omitempty"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Report summarizes one Materialize call.
type Report struct {
	RunID       string             `json:"run_id"`
	Tip         uint64             `json:"tip"`
	Views       []ViewReport       `json:"views"`
	Checkpoints []types.Checkpoint `json:"checkpoints"`
}

// View returns the report of one view, or nil.
func (r *Report) View(name string) *ViewReport {
	for i := range r.Views {
		if r.Views[i].View == name {
			return &r.Views[i]
		}
	}
	return nil
}

// Err joins the errors of all failed views.
func (r *Report) Err() error {
	var errs []error
	for _, v := range r.Views {
		if v.Err != nil {
			errs = append(errs, fmt.Errorf("view %s: %w", v.View, v.Err))
		}
	}
	return errors.Join(errs...)
}

// Materializer applies events to registered views.
type Materializer struct {
	store    *store.Store
	registry *Registry
	reader   *eventlog.Reader
	cfg      Config
	locks    *viewLocks
	now      func() time.Time
}

// New creates a materializer.
func New(st *store.Store, registry *Registry, cfg Config) *Materializer {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = def.PageSize
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	return &Materializer{
		store:    st,
		registry: registry,
		reader:   eventlog.NewReader(st),
		cfg:      cfg,
		locks:    newViewLocks(),
		now:      time.Now,
	}
}

// Registry returns the view registry.
func (m *Materializer) Registry() *Registry {
	return m.registry
}

// Close rejects new passes and waits for running ones.
func (m *Materializer) Close() {
	m.locks.close()
}

// Materialize brings the named views (all views when names is empty) and
// their dependencies up to the log tip captured at the start of the call.
// The report is returned even when some views fail; the error then joins
// the per-view failures.
func (m *Materializer) Materialize(ctx context.Context, names []string, opts Options) (*Report, error) {
	set, reasons, err := m.plan(ctx, names, opts)
	if err != nil {
		return nil, err
	}
	levels, err := m.registry.levels(set)
	if err != nil {
		return nil, err
	}

	tip, err := m.reader.Tip(ctx)
	if err != nil {
		return nil, strataerrors.NewStorageError("failed to read log tip", err)
	}

	report := &Report{RunID: uuid.NewString(), Tip: tip}
	logging.Info().Add(logging.Component("materialize")).Add(logging.RunID(report.RunID)).
		Add(logging.Seq("tip", tip)).Add(logging.Count("views", len(set))).
		Msg("materialize: run started")

	for _, level := range levels {
		results := make([]ViewReport, len(level))
		sem := make(chan struct{}, m.cfg.Workers)
		var wg sync.WaitGroup
		for i, name := range level {
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				v, _ := m.registry.Get(name)
				results[i] = m.runView(ctx, report.RunID, v, tip, reasons[name], opts)
			}(i, name)
		}
		wg.Wait()
		report.Views = append(report.Views, results...)
	}

	cps, err := m.Checkpoints(ctx)
	if err != nil {
		return report, err
	}
	report.Checkpoints = cps
	return report, report.Err()
}

// rebuildReason returns why a view must be rebuilt, or "" for an incremental pass.
func rebuildReason(v *View, cp *types.Checkpoint, opts Options) string {
	switch {
	case opts.Force:
		return ReasonForced
	case opts.FromSeq != nil && *opts.FromSeq == 0:
		return ReasonForced
	case cp == nil:
		return ReasonNoCheckpoint
	case cp.ViewVersion != v.Version:
		return ReasonVersionChanged
	case opts.FromSeq != nil && *opts.FromSeq < cp.LastAppliedSeq:
		return ReasonFromSeq
	}
	return ""
}

// plan closes the requested set over dependencies and over dependents of
// views that will be rebuilt, until neither changes.
func (m *Materializer) plan(ctx context.Context, names []string, opts Options) (map[string]bool, map[string]string, error) {
	set, err := m.registry.closure(names)
	if err != nil {
		return nil, nil, err
	}

	reasons := make(map[string]string)
	evaluated := make(map[string]bool)
	for {
		for name := range set {
			if evaluated[name] {
				continue
			}
			evaluated[name] = true
			v, _ := m.registry.Get(name)
			cp, err := m.Checkpoint(ctx, name)
			if err != nil {
				return nil, nil, err
			}
			if r := rebuildReason(v, cp, opts); r != "" && reasons[name] == "" {
				reasons[name] = r
			}
		}

		// A view materialized for the first time has nothing downstream that
		// could be stale: Drop removes dependents together with the view.
		roots := make(map[string]bool)
		for name, r := range reasons {
			if r != ReasonNoCheckpoint {
				roots[name] = true
			}
		}
		grown := false
		for dep := range m.registry.dependents(roots) {
			if !set[dep] {
				set[dep] = true
				grown = true
			}
			if reasons[dep] == "" {
				reasons[dep] = ReasonDependencyRebuilt
			}
		}

		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		closed, err := m.registry.closure(names)
		if err != nil {
			return nil, nil, err
		}
		if len(closed) != len(set) {
			grown = true
		}
		set = closed
		if !grown {
			return set, reasons, nil
		}
	}
}

// runView executes one pass over v under its lock.
func (m *Materializer) runView(ctx context.Context, runID string, v *View, tip uint64, planned string, opts Options) ViewReport {
	start := time.Now()
	rep := ViewReport{View: v.Name}
	defer func() {
		rep.Duration = time.Since(start)
		if rep.Err != nil {
			rep.Error = rep.Err.Error()
		}
		m.logView(runID, &rep)
	}()

	release, err := m.locks.acquire(v.Name)
	if err != nil {
		rep.Err = err
		return rep
	}
	defer release()

	if err := ctx.Err(); err != nil {
		rep.Err = err
		return rep
	}

	// A dependent never runs ahead of the views it reads.
	bound := tip
	for _, d := range v.DependsOn {
		dcp, err := m.Checkpoint(ctx, d)
		if err != nil {
			rep.Err = err
			return rep
		}
		var seq uint64
		if dcp != nil {
			seq = dcp.LastAppliedSeq
		}
		if seq < bound {
			bound = seq
		}
	}
	rep.Bound = bound

	// Re-read under the lock: another pass may have finished meanwhile.
	cp, err := m.Checkpoint(ctx, v.Name)
	if err != nil {
		rep.Err = err
		return rep
	}
	reason := rebuildReason(v, cp, opts)
	if reason == "" {
		reason = planned
	}

	// Writes use a context that survives cancellation so that a cancelled
	// pass still commits the events it has applied.
	txCtx := context.WithoutCancel(ctx)

	var from uint64
	if reason != "" {
		if err := m.reset(txCtx, v); err != nil {
			rep.Err = err
			return rep
		}
		rep.Rebuilt = true
		rep.RebuildReason = reason
	} else {
		if err := m.ensureTables(txCtx, v); err != nil {
			rep.Err = err
			return rep
		}
		from = cp.LastAppliedSeq
	}
	rep.FromSeq = from
	rep.ToSeq = from

	m.apply(ctx, txCtx, v, bound, &rep)
	return rep
}

// apply streams events after rep.ToSeq up to bound into v.
func (m *Materializer) apply(ctx, txCtx context.Context, v *View, bound uint64, rep *ViewReport) {
	cursor := rep.ToSeq
	for cursor < bound {
		if err := ctx.Err(); err != nil {
			rep.Err = err
			return
		}
		page, err := m.reader.Page(ctx, cursor, bound, m.cfg.PageSize)
		if err != nil {
			rep.Err = strataerrors.NewStorageError("failed to read events", err)
			return
		}
		if len(page) == 0 {
			return
		}

		for start := 0; start < len(page); start += m.cfg.BatchSize {
			end := start + m.cfg.BatchSize
			if end > len(page) {
				end = len(page)
			}
			res, err := m.applyBatch(ctx, txCtx, v, cursor, page[start:end])
			if err != nil {
				rep.Err = err
				return
			}
			rep.Applied += res.applied
			rep.Skipped += res.skipped
			cursor = res.last
			rep.ToSeq = cursor
			if res.moved {
				// Another process advanced or reset the checkpoint; resume from it.
				break
			}
			if res.projErr != nil {
				rep.Err = res.projErr
				return
			}
			if err := ctx.Err(); err != nil {
				rep.Err = err
				return
			}
		}
	}
}

type batchResult struct {
	last    uint64
	applied int
	skipped int
	moved   bool
	projErr error
}

// applyBatch applies events in one write transaction with a savepoint per
// event. A failing projector rolls back only its own event; the checkpoint
// is set to the last good event and the transaction is committed.
func (m *Materializer) applyBatch(ctx, txCtx context.Context, v *View, expected uint64, batch []types.Event) (batchResult, error) {
	res := batchResult{last: expected}

	tx, err := m.store.DB().BeginTx(txCtx, nil)
	if err != nil {
		return res, strataerrors.NewStorageError("failed to begin materialization transaction", err)
	}
	defer tx.Rollback()

	cp, err := readCheckpoint(txCtx, tx, v.Name)
	if err != nil {
		return res, err
	}
	var current uint64
	if cp != nil {
		current = cp.LastAppliedSeq
	}
	if current != expected {
		res.last = current
		res.moved = true
		return res, nil
	}

	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		proj, ok := v.Projectors[ev.EventType]
		if !ok {
			res.skipped++
			res.last = ev.Seq
			continue
		}

		if _, err := tx.ExecContext(txCtx, "SAVEPOINT apply_event"); err != nil {
			return res, strataerrors.NewStorageError("failed to create savepoint", err)
		}
		if perr := proj(txCtx, tx, ev); perr != nil {
			if _, err := tx.ExecContext(txCtx, "ROLLBACK TO apply_event"); err != nil {
				return res, strataerrors.NewStorageError("failed to roll back savepoint", err)
			}
			if _, err := tx.ExecContext(txCtx, "RELEASE apply_event"); err != nil {
				return res, strataerrors.NewStorageError("failed to release savepoint", err)
			}
			res.projErr = strataerrors.NewProjectorFailure(v.Name, ev.Seq, perr)
			break
		}
		if _, err := tx.ExecContext(txCtx, "RELEASE apply_event"); err != nil {
			return res, strataerrors.NewStorageError("failed to release savepoint", err)
		}
		res.applied++
		res.last = ev.Seq
	}

	if res.last != expected {
		if err := writeCheckpoint(txCtx, tx, v.Name, res.last, v.Version, m.now()); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return batchResult{last: expected}, strataerrors.NewStorageError("failed to commit materialization batch", err)
	}
	return res, nil
}

// ensureTables creates the view's tables if they do not exist.
func (m *Materializer) ensureTables(ctx context.Context, v *View) error {
	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return strataerrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()
	for _, t := range v.Tables {
		for _, stmt := range t.DDL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return strataerrors.NewStorageError(fmt.Sprintf("failed to create table %s", t.Name), err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return strataerrors.NewStorageError("failed to commit table creation", err)
	}
	return nil
}

// reset drops and recreates the view's tables and sets its checkpoint to 0
// at the registered version, in one transaction.
func (m *Materializer) reset(ctx context.Context, v *View) error {
	tx, err := m.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return strataerrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	for i := len(v.Tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(v.Tables[i].Name)); err != nil {
			return strataerrors.NewStorageError(fmt.Sprintf("failed to drop table %s", v.Tables[i].Name), err)
		}
	}
	for _, t := range v.Tables {
		for _, stmt := range t.DDL {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return strataerrors.NewStorageError(fmt.Sprintf("failed to create table %s", t.Name), err)
			}
		}
	}
	if err := writeCheckpoint(ctx, tx, v.Name, 0, v.Version, m.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return strataerrors.NewStorageError("failed to commit view reset", err)
	}
	return nil
}

// Drop removes a view's tables and checkpoint, together with every
// registered view depending on it. It returns the dropped view names.
func (m *Materializer) Drop(ctx context.Context, name string) ([]string, error) {
	if _, ok := m.registry.Get(name); !ok {
		return nil, strataerrors.NewProjectionError(strataerrors.CodeUnknownView, fmt.Sprintf("unknown view %q", name))
	}

	targets := []string{name}
	for dep := range m.registry.dependents(map[string]bool{name: true}) {
		targets = append(targets, dep)
	}
	sort.Strings(targets)

	txCtx := context.WithoutCancel(ctx)
	for _, n := range targets {
		v, _ := m.registry.Get(n)
		release, err := m.locks.acquire(n)
		if err != nil {
			return nil, err
		}
		err = m.store.WithTx(txCtx, func(tx *sql.Tx) error {
			for i := len(v.Tables) - 1; i >= 0; i-- {
				if _, err := tx.ExecContext(txCtx, "DROP TABLE IF EXISTS "+quoteIdent(v.Tables[i].Name)); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(txCtx, "DELETE FROM view_checkpoints WHERE view_name = ?", n)
			return err
		})
		release()
		if err != nil {
			return nil, strataerrors.NewStorageError(fmt.Sprintf("failed to drop view %s", n), err)
		}
	}
	return targets, nil
}

func (m *Materializer) logView(runID string, rep *ViewReport) {
	var ev *logging.Entry
	if rep.Err != nil {
		ev = logging.Error().Add(logging.ErrorField(rep.Err))
	} else {
		ev = logging.Info()
	}
	ev.Add(logging.Component("materialize")).Add(logging.RunID(runID)).Add(logging.View(rep.View)).
		Add(logging.Seq("from_seq", rep.FromSeq)).Add(logging.Seq("to_seq", rep.ToSeq)).
		Add(logging.Count("applied", rep.Applied)).Add(logging.Count("skipped", rep.Skipped)).
		Add(logging.Flag("rebuilt", rep.Rebuilt)).Add(logging.Duration(rep.Duration)).
		Msg("materialize: view pass finished")
}
