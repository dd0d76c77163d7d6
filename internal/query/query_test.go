package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/materialize"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/internal/views"
	"github.com/strata-log/strata/pkg/types"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	st *store.Store
	w  *eventlog.Writer
	m  *materialize.Materializer
	q  *Surface
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strata.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w, err := eventlog.NewWriter(context.Background(), st, schema.DefaultRegistry(), eventlog.WriterOptions{})
	require.NoError(t, err)
	reg, err := views.NewRegistry(views.DefaultOptions())
	require.NoError(t, err)
	return &fixture{st: st, w: w, m: materialize.New(st, reg, materialize.Config{}), q: New(st)}
}

func (f *fixture) add(t *testing.T, eventType string, at time.Time, source string, payload interface{}) uint64 {
	t.Helper()
	c, err := types.NewCandidate(eventType, at, source, "", payload)
	require.NoError(t, err)
	seq, _, err := f.w.Append(context.Background(), c)
	require.NoError(t, err)
	return seq
}

func commitPayload(sha string, files ...string) schema.CommitPayload {
	p := schema.CommitPayload{SHA: sha, Message: "change " + sha, AuthorName: "dev"}
	for _, path := range files {
		p.Files = append(p.Files, schema.CommitFile{Path: path, ChangeType: schema.ChangeModified})
	}
	return p
}

// seedScenario appends a commit touching A and B on Jan 1, a decision on
// Jan 2 and a commit touching only A on Jan 10.
func seedScenario(t *testing.T, f *fixture) (c1, d1, c2 uint64) {
	c1 = f.add(t, schema.TypeCommit, day(1), "c1", commitPayload("c1", "A", "B"))
	d1 = f.add(t, schema.TypeSessionDecision, day(2), "s1", schema.SessionDecisionPayload{Content: "use Result type"})
	c2 = f.add(t, schema.TypeCommit, day(10), "c2", commitPayload("c2", "A"))
	return
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	c1, d1, _ := seedScenario(t, f)
	ctx := context.Background()

	pairs, err := f.q.Near(ctx,
		EventFilter{Types: []string{schema.TypeCommit}},
		EventFilter{Types: []string{schema.TypeSessionDecision}},
		3*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, c1, pairs[0].A.Seq)
	assert.Equal(t, d1, pairs[0].B.Seq)
	assert.Equal(t, 24*time.Hour, pairs[0].Delta)

	events, err := f.q.AsOf(ctx, day(5))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, c1, events[0].Seq)
	assert.Equal(t, d1, events[1].Seq)

	_, err = f.m.Materialize(ctx, []string{views.CoChanges}, materialize.Options{})
	require.NoError(t, err)
	co, err := f.q.CoChanges(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, []CoChange{{FileA: "A", FileB: "B", Count: 1}}, co)
}

func TestAsOf_OrdersByOccurredAtNotSeq(t *testing.T) {
	f := newFixture(t)
	late := f.add(t, schema.TypeSessionDecision, day(3), "s1", schema.SessionDecisionPayload{Content: "later"})
	early := f.add(t, schema.TypeSessionDecision, day(1), "s1", schema.SessionDecisionPayload{Content: "backfilled"})
	tieA := f.add(t, schema.TypeSessionGoal, day(2), "s1", schema.SessionGoalPayload{Content: "x"})
	tieB := f.add(t, schema.TypeSessionGoal, day(2), "s1", schema.SessionGoalPayload{Content: "y"})

	events, err := f.q.AsOf(context.Background(), day(3))
	require.NoError(t, err)
	var seqs []uint64
	for _, ev := range events {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{early, tieA, tieB, late}, seqs)

	goals, err := f.q.AsOf(context.Background(), day(3), schema.TypeSessionGoal)
	require.NoError(t, err)
	assert.Len(t, goals, 2)

	_, err = f.q.AsOf(context.Background(), time.Time{})
	assert.Equal(t, strataerrors.CodeInvalidFilter, strataerrors.GetCode(err))
}

func TestNear_Filters(t *testing.T) {
	f := newFixture(t)
	seedScenario(t, f)
	ctx := context.Background()

	// The two commits are nine days apart, outside a one-hour window.
	pairs, err := f.q.Near(ctx,
		EventFilter{Types: []string{schema.TypeCommit}},
		EventFilter{Types: []string{schema.TypeCommit}},
		time.Hour)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	pairs, err = f.q.Near(ctx,
		EventFilter{Types: []string{schema.TypeCommit}, AsOf: day(5)},
		EventFilter{Types: []string{schema.TypeSessionDecision}},
		30*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	pairs, err = f.q.Near(ctx,
		EventFilter{Types: []string{schema.TypeCommit}},
		EventFilter{Types: []string{schema.TypeSessionDecision}, SourceID: "other"},
		30*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	_, err = f.q.Near(ctx, EventFilter{}, EventFilter{}, -time.Second)
	assert.Equal(t, strataerrors.CodeInvalidFilter, strataerrors.GetCode(err))
}

func TestNear_OverlappingFiltersReturnEachPairOnce(t *testing.T) {
	f := newFixture(t)
	c1, d1, c2 := seedScenario(t, f)
	ctx := context.Background()
	commits := EventFilter{Types: []string{schema.TypeCommit}}

	pairs, err := f.q.Near(ctx, commits, commits, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, c1, pairs[0].A.Seq)
	assert.Equal(t, c2, pairs[0].B.Seq)
	assert.Equal(t, 9*24*time.Hour, pairs[0].Delta)

	// Only the commit-commit pair matches both orientations; the decision
	// pairs with each commit once.
	pairs, err = f.q.Near(ctx, commits, EventFilter{}, 30*24*time.Hour)
	require.NoError(t, err)
	var got [][2]uint64
	for _, p := range pairs {
		got = append(got, [2]uint64{p.A.Seq, p.B.Seq})
	}
	assert.Equal(t, [][2]uint64{{c1, d1}, {c1, c2}, {c2, d1}}, got)
}

func TestAsOf_RepresentableBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.add(t, schema.TypeSessionGoal, types.MinTime, "s1", schema.SessionGoalPayload{Content: "first"})
	mid := f.add(t, schema.TypeSessionGoal, day(1), "s1", schema.SessionGoalPayload{Content: "mid"})
	last := f.add(t, schema.TypeSessionGoal, types.MaxTime, "s1", schema.SessionGoalPayload{Content: "last"})

	tests := []struct {
		name string
		asOf time.Time
		want []uint64
	}{
		{"before range", time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC), nil},
		{"just before min", types.MinTime.Add(-time.Nanosecond), nil},
		{"min", types.MinTime, []uint64{first}},
		{"now", day(1), []uint64{first, mid}},
		{"just before max", types.MaxTime.Add(-time.Nanosecond), []uint64{first, mid}},
		{"max", types.MaxTime, []uint64{first, mid, last}},
		{"after range", time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), []uint64{first, mid, last}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := f.q.AsOf(ctx, tt.asOf)
			require.NoError(t, err)
			var seqs []uint64
			for _, ev := range events {
				seqs = append(seqs, ev.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Views that were never materialized return no hits.
	hits, err := f.q.SearchCommits(ctx, "change", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	seedScenario(t, f)
	f.add(t, schema.TypeCodeFunction, day(1), "main.go#run",
		schema.CodeFunctionPayload{Name: "run", File: "main.go", Line: 3, Signature: "func run(ctx context.Context) error"})
	_, err = f.m.Materialize(ctx, nil, materialize.Options{})
	require.NoError(t, err)

	hits, err = f.q.SearchCommits(ctx, "change", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Newest first.
	assert.Equal(t, "c2", hits[0].SHA)
	assert.Equal(t, "c1", hits[1].SHA)
	assert.True(t, day(10).Equal(hits[0].OccurredAt))
	assert.Contains(t, hits[0].Snippet, "[change]")

	hits, err = f.q.SearchCommits(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	code, err := f.q.SearchCode(ctx, "context", 10)
	require.NoError(t, err)
	require.Len(t, code, 1)
	assert.Equal(t, CodeHit{File: "main.go", Name: "run", Kind: views.KindFunction, Snippet: code[0].Snippet}, code[0])

	_, err = f.q.SearchCode(ctx, "(run", 10)
	assert.Equal(t, strataerrors.CodeInvalidFilter, strataerrors.GetCode(err))
	_, err = f.q.SearchCode(ctx, "  ", 10)
	assert.Equal(t, strataerrors.CodeInvalidFilter, strataerrors.GetCode(err))
	_, err = f.q.SearchCommits(ctx, "change", 0)
	assert.Equal(t, strataerrors.CodeInvalidFilter, strataerrors.GetCode(err))
}

func TestRangeAndStaleness(t *testing.T) {
	f := newFixture(t)
	seedScenario(t, f)
	ctx := context.Background()

	events, err := f.q.Range(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = f.m.Materialize(ctx, []string{views.Commits}, materialize.Options{})
	require.NoError(t, err)
	f.add(t, schema.TypeCommit, day(11), "c3", commitPayload("c3", "B"))

	status, err := f.q.Staleness(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, views.Commits, status[0].ViewName)
	assert.Equal(t, uint64(4), status[0].Tip)
	assert.Equal(t, uint64(1), status[0].Lag)
}

func TestViewReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unmaterialized views read as empty.
	links, err := f.q.DecisionCommits(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, links)

	c1, d1, _ := seedScenario(t, f)
	f.add(t, schema.TypeCodeFunction, day(1), "main.go#run",
		schema.CodeFunctionPayload{Name: "run", File: "main.go", Line: 3})
	_, err = f.m.Materialize(ctx, nil, materialize.Options{})
	require.NoError(t, err)

	links, err = f.q.DecisionCommits(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, d1, links[0].DecisionSeq)
	assert.Equal(t, c1, links[0].CommitSeq)
	assert.Equal(t, "use Result type", links[0].Decision)
	assert.Equal(t, "change c1", links[0].Message)

	syms, err := f.q.Symbols(ctx, "main.go")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "run", syms[0].Name)
	assert.Equal(t, views.KindFunction, syms[0].Kind)

	co, err := f.q.CoChanges(ctx, "B", 1)
	require.NoError(t, err)
	assert.Len(t, co, 1)
}
