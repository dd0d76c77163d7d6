// Package engine wires the store, the event log, the source readers, the
// materializer and the query surface into one handle used by the CLI.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/strata-log/strata/internal/archive"
	"github.com/strata-log/strata/internal/config"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/extraction"
	"github.com/strata-log/strata/internal/logging"
	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/query"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/source"
	"github.com/strata-log/strata/internal/source/gitsource"
	"github.com/strata-log/strata/internal/source/jsonlsource"
	"github.com/strata-log/strata/internal/source/sessionsource"
	"github.com/strata-log/strata/internal/storage"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/internal/views"
)

// Engine owns one open database.
type Engine struct {
	cfg          *config.Config
	store        *store.Store
	writer       *eventlog.Writer
	tracker      *extraction.Tracker
	materializer *materialize.Materializer
	query        *query.Surface
}

// Open opens the database described by cfg, creating it if needed, and
// registers the built-in views.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), store.Options{
		ReadPoolSize: cfg.Store.ReadPoolSize,
		BusyTimeout:  cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	w, err := eventlog.NewWriter(ctx, st, schema.DefaultRegistry(), eventlog.WriterOptions{
		ExpectedItems: cfg.Store.BloomExpectedItems,
		FPR:           cfg.Store.BloomFPR,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	reg, err := views.NewRegistry(views.Options{DecisionWindow: cfg.Materialize.DecisionWindow})
	if err != nil {
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		store:   st,
		writer:  w,
		tracker: extraction.NewTracker(st),
		materializer: materialize.New(st, reg, materialize.Config{
			Workers:   cfg.Materialize.Workers,
			PageSize:  cfg.Materialize.PageSize,
			BatchSize: cfg.Materialize.BatchSize,
		}),
		query: query.New(st),
	}
	logging.Debug().Add(logging.Component("engine")).Add(logging.Str("db", cfg.DBPath())).Msg("engine: opened")
	return e, nil
}

// Close waits for running materialization passes and closes the database.
func (e *Engine) Close() error {
	e.materializer.Close()
	return e.store.Close()
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Writer returns the event log writer.
func (e *Engine) Writer() *eventlog.Writer { return e.writer }

// Tracker returns the extraction-state tracker.
func (e *Engine) Tracker() *extraction.Tracker { return e.tracker }

// Materializer returns the view materializer.
func (e *Engine) Materializer() *materialize.Materializer { return e.materializer }

// Query returns the read-side query surface.
func (e *Engine) Query() *query.Surface { return e.query }

// IngestOptions select the sources of one ingestion run. Empty fields are
// skipped.
type IngestOptions struct {
	GitPath     string
	GitBranch   string
	SessionsDir string
	JSONLPaths  []string

	// NoState ignores the extraction-state tracker and processes every unit.
	NoState bool
}

// IngestOptionsFromConfig returns the sources configured in cfg.
func IngestOptionsFromConfig(cfg *config.Config) IngestOptions {
	opts := IngestOptions{
		GitPath:     cfg.Sources.GitPath,
		SessionsDir: cfg.Sources.SessionsDir,
		NoState:     !cfg.Sources.UseState,
	}
	if cfg.Sources.JSONLPath != "" {
		opts.JSONLPaths = []string{cfg.Sources.JSONLPath}
	}
	return opts
}

// Readers builds the source readers selected by opts, in the fixed order
// git, sessions, jsonl.
func Readers(opts IngestOptions) ([]source.Reader, error) {
	var readers []source.Reader
	if opts.GitPath != "" {
		r, err := gitsource.Open(opts.GitPath)
		if err != nil {
			return nil, err
		}
		if opts.GitBranch != "" {
			r = r.WithBranch(opts.GitBranch)
		}
		readers = append(readers, r)
	}
	if opts.SessionsDir != "" {
		readers = append(readers, sessionsource.New(opts.SessionsDir))
	}
	if len(opts.JSONLPaths) > 0 {
		readers = append(readers, jsonlsource.New(opts.JSONLPaths...))
	}
	return readers, nil
}

// Ingest runs the selected readers into the log. The summary is returned
// even when units fail.
func (e *Engine) Ingest(ctx context.Context, opts IngestOptions) (*source.Summary, error) {
	readers, err := Readers(opts)
	if err != nil {
		return nil, err
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("engine: no sources selected")
	}
	return e.IngestFrom(ctx, opts.NoState, readers...)
}

// IngestFrom runs arbitrary readers into the log.
func (e *Engine) IngestFrom(ctx context.Context, noState bool, readers ...source.Reader) (*source.Summary, error) {
	var o source.Options
	if !noState {
		o.Tracker = e.tracker
	}
	return source.Ingest(ctx, e.writer, o, readers...)
}

// Materialize brings views up to date. A decision_commits view built with a
// different window than the configured one is dropped first so that it is
// rebuilt with the new window.
func (e *Engine) Materialize(ctx context.Context, names []string, opts materialize.Options) (*materialize.Report, error) {
	if err := e.checkDecisionWindow(ctx); err != nil {
		return nil, err
	}
	return e.materializer.Materialize(ctx, names, opts)
}

func (e *Engine) checkDecisionWindow(ctx context.Context) error {
	exists, err := e.store.TableExists(ctx, "decision_commit_params")
	if err != nil || !exists {
		return err
	}
	stored, err := views.StoredDecisionWindow(ctx, e.store.ReadDB())
	if err != nil {
		return fmt.Errorf("engine: failed to read decision window: %w", err)
	}
	want := e.cfg.Materialize.DecisionWindow
	if stored == want {
		return nil
	}
	dropped, err := e.materializer.Drop(ctx, views.DecisionCommits)
	if err != nil {
		return err
	}
	logging.Warn().Add(logging.Component("engine")).
		Add(logging.Str("stored_window", stored.String())).Add(logging.Str("window", want.String())).
		Add(logging.Count("dropped", len(dropped))).
		Msg("engine: decision window changed, rebuilding decision_commits")
	return nil
}

// RebuildResult reports a rebuild.
type RebuildResult struct {
	Ingest      *source.Summary     `json:"ingest,omitempty"`
	Materialize *materialize.Report `json:"materialize"`
	Duration    time.Duration       `json:"duration"`
}

// Rebuild ingests every selected source and then rebuilds every view from
// scratch. Ingestion failures are reported but do not prevent the rebuild.
func (e *Engine) Rebuild(ctx context.Context, opts IngestOptions) (*RebuildResult, error) {
	start := time.Now()
	res := &RebuildResult{}

	readers, err := Readers(opts)
	if err != nil {
		return nil, err
	}
	var ingestErr error
	if len(readers) > 0 {
		res.Ingest, ingestErr = e.IngestFrom(ctx, opts.NoState, readers...)
		if res.Ingest == nil {
			return nil, ingestErr
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	rep, err := e.Materialize(ctx, nil, materialize.Options{Force: true})
	res.Materialize = rep
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	return res, ingestErr
}

// ResetState forgets the extraction state of one source kind, or of all
// kinds when kind is empty.
func (e *Engine) ResetState(ctx context.Context, kind string) (int64, error) {
	return e.tracker.Reset(ctx, kind)
}

// ArchiveDestination opens the configured archive destination.
func (e *Engine) ArchiveDestination(ctx context.Context) (storage.ObjectStorage, error) {
	return storage.New(ctx, e.cfg.Archive)
}

// Archiver returns an archiver writing to the configured destination.
func (e *Engine) Archiver(ctx context.Context, includeTail bool) (*archive.Archiver, error) {
	dest, err := e.ArchiveDestination(ctx)
	if err != nil {
		return nil, err
	}
	return archive.New(e.store, dest, archive.Options{
		SegmentEvents: e.cfg.Archive.SegmentEvents,
		IncludeTail:   includeTail,
	}), nil
}

// Restore replays the configured archive into the log.
func (e *Engine) Restore(ctx context.Context) (*archive.RestoreResult, error) {
	dest, err := e.ArchiveDestination(ctx)
	if err != nil {
		return nil, err
	}
	return archive.Restore(ctx, dest, e.writer, 4)
}
