package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	st *store.Store
	w  *eventlog.Writer
	m  *Materializer
}

// goalView counts goals per session and keeps an append-only goal log.
// A goal whose content is "boom" makes the projector fail.
func goalView(version int) *View {
	return &View{
		Name:    "goals",
		Version: version,
		Tables: []Table{
			{Name: "goal_counts", DDL: []string{`CREATE TABLE IF NOT EXISTS goal_counts (
				session_id TEXT PRIMARY KEY, n INTEGER NOT NULL)`}},
			{Name: "goal_events", DDL: []string{`CREATE TABLE IF NOT EXISTS goal_events (
				seq INTEGER PRIMARY KEY, session_id TEXT NOT NULL)`}},
		},
		Projectors: map[string]Projector{
			schema.TypeSessionGoal: func(ctx context.Context, tx Tx, ev types.Event) error {
				var p schema.SessionGoalPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO goal_events (seq, session_id) VALUES (?, ?)", int64(ev.Seq), ev.SourceID); err != nil {
					return err
				}
				if p.Content == "boom" {
					return errors.New("boom")
				}
				_, err := tx.ExecContext(ctx, `INSERT INTO goal_counts (session_id, n) VALUES (?, 1)
					ON CONFLICT(session_id) DO UPDATE SET n = n + 1`, ev.SourceID)
				return err
			},
		},
	}
}

// decisionGoalsView records, per decision, how many goals its session had before it.
func decisionGoalsView() *View {
	return &View{
		Name:      "decision_goals",
		Version:   1,
		DependsOn: []string{"goals"},
		Tables: []Table{
			{Name: "decision_goals", DDL: []string{`CREATE TABLE IF NOT EXISTS decision_goals (
				seq INTEGER PRIMARY KEY, goals_before INTEGER NOT NULL)`}},
		},
		Projectors: map[string]Projector{
			schema.TypeSessionDecision: func(ctx context.Context, tx Tx, ev types.Event) error {
				var n int64
				if err := tx.QueryRowContext(ctx,
					"SELECT COUNT(*) FROM goal_events WHERE session_id = ? AND seq < ?",
					ev.SourceID, int64(ev.Seq)).Scan(&n); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					"INSERT INTO decision_goals (seq, goals_before) VALUES (?, ?)", int64(ev.Seq), n)
				return err
			},
		},
	}
}

func newHarness(t *testing.T, cfg Config, views ...*View) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strata.db"), store.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w, err := eventlog.NewWriter(context.Background(), st, schema.DefaultRegistry(), eventlog.WriterOptions{})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	reg := NewRegistry()
	for _, v := range views {
		if err := reg.Register(v); err != nil {
			t.Fatalf("failed to register %s: %v", v.Name, err)
		}
	}
	return &harness{st: st, w: w, m: New(st, reg, cfg)}
}

func (h *harness) goal(t *testing.T, session, content string) uint64 {
	t.Helper()
	c, err := types.NewCandidate(schema.TypeSessionGoal, t0, session, "", schema.SessionGoalPayload{Content: content})
	if err != nil {
		t.Fatalf("candidate failed: %v", err)
	}
	seq, _, err := h.w.Append(context.Background(), c)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return seq
}

func (h *harness) decision(t *testing.T, session, content string) uint64 {
	t.Helper()
	c, err := types.NewCandidate(schema.TypeSessionDecision, t0, session, "", schema.SessionDecisionPayload{Content: content})
	if err != nil {
		t.Fatalf("candidate failed: %v", err)
	}
	seq, _, err := h.w.Append(context.Background(), c)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return seq
}

func (h *harness) checkpoint(t *testing.T, view string) uint64 {
	t.Helper()
	cp, err := h.m.Checkpoint(context.Background(), view)
	if err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if cp == nil {
		return 0
	}
	return cp.LastAppliedSeq
}

func (h *harness) digest(t *testing.T, view string) string {
	t.Helper()
	d, err := h.m.Digest(context.Background(), view)
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	return d
}

func u64(v uint64) *uint64 { return &v }

func TestMaterialize_IncrementalMatchesRebuild(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2, PageSize: 3}, goalView(1), decisionGoalsView())
	ctx := context.Background()

	h.goal(t, "s1", "a")
	h.decision(t, "s1", "d1")
	if _, err := h.m.Materialize(ctx, nil, Options{}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	h.goal(t, "s1", "b")
	h.goal(t, "s2", "c")
	h.decision(t, "s1", "d2")
	rep, err := h.m.Materialize(ctx, nil, Options{})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if v := rep.View("goals"); v == nil || v.Rebuilt || v.FromSeq != 2 || v.ToSeq != 5 {
		t.Errorf("unexpected incremental report: %+v", v)
	}

	incGoals, incDec := h.digest(t, "goals"), h.digest(t, "decision_goals")

	rep, err = h.m.Materialize(ctx, nil, Options{Force: true})
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if !rep.View("goals").Rebuilt || !rep.View("decision_goals").Rebuilt {
		t.Error("force should rebuild every view")
	}
	if h.digest(t, "goals") != incGoals || h.digest(t, "decision_goals") != incDec {
		t.Error("full rebuild diverged from incremental result")
	}

	var before int
	if err := h.st.ReadDB().QueryRow("SELECT goals_before FROM decision_goals WHERE seq = 5").Scan(&before); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if before != 2 {
		t.Errorf("goals_before mismatch: got %d, want 2", before)
	}
}

func TestMaterialize_NoProjectorStillAdvances(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1))
	ctx := context.Background()

	h.decision(t, "s1", "d1")
	h.decision(t, "s1", "d2")
	rep, err := h.m.Materialize(ctx, []string{"goals"}, Options{})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if got := h.checkpoint(t, "goals"); got != 2 {
		t.Errorf("checkpoint mismatch: got %d, want 2", got)
	}
	if v := rep.View("goals"); v.Skipped != 2 || v.Applied != 0 {
		t.Errorf("unexpected counts: %+v", v)
	}
}

func TestMaterialize_ProjectorFailureStopsAtLastGoodEvent(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10}, goalView(1))
	ctx := context.Background()

	h.goal(t, "s1", "a")
	h.goal(t, "s1", "b")
	bad := h.goal(t, "s1", "boom")
	h.goal(t, "s1", "c")

	rep, err := h.m.Materialize(ctx, nil, Options{})
	if err == nil {
		t.Fatal("expected projector failure")
	}
	if !strataerrors.IsProjectorFailure(err) {
		t.Errorf("expected projector failure in chain, got %v", err)
	}
	if got := h.checkpoint(t, "goals"); got != bad-1 {
		t.Errorf("checkpoint mismatch: got %d, want %d", got, bad-1)
	}
	if v := rep.View("goals"); v.ToSeq != bad-1 || v.Applied != 2 {
		t.Errorf("unexpected report: %+v", v)
	}

	// The failing event's partial writes were rolled back with its savepoint.
	var n int
	if err := h.st.ReadDB().QueryRow("SELECT COUNT(*) FROM goal_events").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("goal_events count mismatch: got %d, want 2", n)
	}

	// Re-running fails again at the same event without moving backwards.
	if _, err := h.m.Materialize(ctx, nil, Options{}); err == nil {
		t.Fatal("expected projector failure on re-run")
	}
	if got := h.checkpoint(t, "goals"); got != bad-1 {
		t.Errorf("checkpoint moved on re-run: got %d, want %d", got, bad-1)
	}
}

func TestMaterialize_DependentBoundedByDependency(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1), decisionGoalsView())
	ctx := context.Background()

	h.goal(t, "s1", "a")
	bad := h.goal(t, "s1", "boom")
	h.decision(t, "s1", "d1")

	if _, err := h.m.Materialize(ctx, nil, Options{}); err == nil {
		t.Fatal("expected failure from goals")
	}
	if got := h.checkpoint(t, "decision_goals"); got > bad-1 {
		t.Errorf("dependent ran ahead of dependency: %d > %d", got, bad-1)
	}
}

func TestMaterialize_ClosesOverDependencies(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1), decisionGoalsView())
	ctx := context.Background()
	h.goal(t, "s1", "a")

	rep, err := h.m.Materialize(ctx, []string{"decision_goals"}, Options{})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if rep.View("goals") == nil {
		t.Error("dependency should be materialized with its dependent")
	}
	if rep.Views[0].View != "goals" {
		t.Errorf("dependency should run first, got order %v", rep.Views)
	}
}

func TestMaterialize_VersionChangeRebuilds(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1), decisionGoalsView())
	ctx := context.Background()
	h.goal(t, "s1", "a")
	if _, err := h.m.Materialize(ctx, nil, Options{}); err != nil {
		t.Fatalf("materialize failed: %v", err)
	}

	reg := NewRegistry()
	reg.MustRegister(goalView(2))
	reg.MustRegister(decisionGoalsView())
	m2 := New(h.st, reg, Config{})

	rep, err := m2.Materialize(ctx, []string{"goals"}, Options{})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if v := rep.View("goals"); !v.Rebuilt || v.RebuildReason != ReasonVersionChanged {
		t.Errorf("expected version rebuild, got %+v", v)
	}
	if v := rep.View("decision_goals"); v == nil || !v.Rebuilt || v.RebuildReason != ReasonDependencyRebuilt {
		t.Errorf("expected cascaded rebuild of dependent, got %+v", v)
	}
	cp, _ := m2.Checkpoint(ctx, "goals")
	if cp.ViewVersion != 2 {
		t.Errorf("stored version mismatch: got %d, want 2", cp.ViewVersion)
	}
}

func TestMaterialize_FromSeq(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.goal(t, "s1", fmt.Sprintf("g%d", i))
	}
	if _, err := h.m.Materialize(ctx, nil, Options{}); err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	want := h.digest(t, "goals")

	tests := []struct {
		name        string
		from        uint64
		wantRebuilt bool
	}{
		{"zero rebuilds", 0, true},
		{"before checkpoint rebuilds", 2, true},
		{"at checkpoint resumes", 4, false},
		{"past checkpoint resumes", 9, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := h.m.Materialize(ctx, nil, Options{FromSeq: u64(tt.from)})
			if err != nil {
				t.Fatalf("materialize failed: %v", err)
			}
			if got := rep.View("goals").Rebuilt; got != tt.wantRebuilt {
				t.Errorf("rebuilt = %v, want %v", got, tt.wantRebuilt)
			}
			if h.digest(t, "goals") != want {
				t.Error("view content changed")
			}
			if got := h.checkpoint(t, "goals"); got != 4 {
				t.Errorf("checkpoint mismatch: got %d, want 4", got)
			}
		})
	}
}

func TestMaterialize_CancelledPassKeepsProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v := goalView(1)
	inner := v.Projectors[schema.TypeSessionGoal]
	v.Projectors[schema.TypeSessionGoal] = func(pctx context.Context, tx Tx, ev types.Event) error {
		if ev.Seq == 2 {
			cancel()
		}
		return inner(pctx, tx, ev)
	}
	h := newHarness(t, Config{BatchSize: 1, PageSize: 1}, v)
	for i := 0; i < 5; i++ {
		h.goal(t, "s1", fmt.Sprintf("g%d", i))
	}

	if _, err := h.m.Materialize(ctx, nil, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.checkpoint(t, "goals"); got != 2 {
		t.Errorf("checkpoint after cancel: got %d, want 2", got)
	}

	if _, err := h.m.Materialize(context.Background(), nil, Options{}); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if got := h.checkpoint(t, "goals"); got != 5 {
		t.Errorf("checkpoint mismatch: got %d, want 5", got)
	}
	var n int
	if err := h.st.ReadDB().QueryRow("SELECT n FROM goal_counts WHERE session_id = 's1'").Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if n != 5 {
		t.Errorf("count mismatch: got %d, want 5", n)
	}
}

func TestMaterialize_UnknownView(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1))
	_, err := h.m.Materialize(context.Background(), []string{"nope"}, Options{})
	if strataerrors.GetCode(err) != strataerrors.CodeUnknownView {
		t.Errorf("expected unknown view error, got %v", err)
	}
}

func TestDrop_CascadesToDependents(t *testing.T) {
	h := newHarness(t, Config{}, goalView(1), decisionGoalsView())
	ctx := context.Background()
	h.goal(t, "s1", "a")
	h.decision(t, "s1", "d")
	if _, err := h.m.Materialize(ctx, nil, Options{}); err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	before := h.digest(t, "decision_goals")

	dropped, err := h.m.Drop(ctx, "goals")
	if err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if len(dropped) != 2 {
		t.Errorf("expected goals and decision_goals dropped, got %v", dropped)
	}
	if cp, _ := h.m.Checkpoint(ctx, "decision_goals"); cp != nil {
		t.Error("dependent checkpoint should be removed")
	}
	if ok, _ := h.st.TableExists(ctx, "goal_counts"); ok {
		t.Error("view table should be dropped")
	}

	if _, err := h.m.Materialize(ctx, nil, Options{}); err != nil {
		t.Fatalf("re-materialize failed: %v", err)
	}
	if h.digest(t, "decision_goals") != before {
		t.Error("re-materialized view differs")
	}
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&View{Name: "x", Version: 0, Tables: []Table{{Name: "x", DDL: []string{"-"}}}}); err == nil {
		t.Error("expected error for version 0")
	}
	if err := r.Register(&View{Name: "x", Version: 1}); err == nil {
		t.Error("expected error for view without tables")
	}
	if err := r.Register(&View{Name: "x", Version: 1, Tables: []Table{{Name: "events", DDL: []string{"-"}}}}); err == nil {
		t.Error("expected error for core table name")
	}
	r.MustRegister(goalView(1))
	g := goalView(1)
	g.Name = "goals2"
	if err := r.Register(g); err == nil {
		t.Error("expected error for table owned by another view")
	}
}

func TestRegistry_Cycle(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&View{Name: "a", Version: 1, DependsOn: []string{"b"}, Tables: []Table{{Name: "ta", DDL: []string{"-"}}}})
	r.MustRegister(&View{Name: "b", Version: 1, DependsOn: []string{"a"}, Tables: []Table{{Name: "tb", DDL: []string{"-"}}}})

	set, err := r.closure([]string{"a"})
	if err != nil {
		t.Fatalf("closure failed: %v", err)
	}
	if _, err := r.levels(set); strataerrors.GetCode(err) != strataerrors.CodeDependencyCycle {
		t.Errorf("expected dependency cycle error, got %v", err)
	}
}
