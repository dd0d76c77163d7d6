package sessionsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/source"
	"github.com/strata-log/strata/pkg/types"
)

const sample = `# Session: Refactor store
**Started**: 2025-11-21T11:31:07Z
**Git Branch**: main
Work Type: refactor
Files Changed: 4
Commits: 2

## Goals
- [x] split writer
- [ ] add tests

**Key Decisions:**
- use WAL journal
- keep a single writer connection

**Patterns Observed:**
- tests are slow

## Work Completed
1. moved writer into its own package
2. added busy timeout

## Previous Session Context
<!-- none -->
`

func TestParse(t *testing.T) {
	s, err := Parse("20251121-113107", sample)
	require.NoError(t, err)

	assert.Equal(t, "Refactor store", s.Title)
	assert.Equal(t, "main", s.Branch)
	assert.Equal(t, "refactor", s.Classification)
	assert.Equal(t, 4, s.FilesChanged)
	assert.Equal(t, 2, s.CommitCount)
	assert.Equal(t, time.Date(2025, 11, 21, 11, 31, 7, 0, time.UTC), s.StartedAt)

	assert.Equal(t, []schema.SessionGoalPayload{
		{Content: "split writer", Completed: true},
		{Content: "add tests", Completed: false},
	}, s.Goals)
	assert.Equal(t, []string{"use WAL journal", "keep a single writer connection"}, s.Decisions)

	require.Len(t, s.Observations, 3)
	assert.Equal(t, schema.ObservationPattern, s.Observations[0].ObservationType)
	assert.Equal(t, "tests are slow", s.Observations[0].Content)
	assert.Equal(t, schema.ObservationWork, s.Observations[1].ObservationType)
	assert.Equal(t, "moved writer into its own package", s.Observations[1].Content)
}

func TestParse_StartTimeFallsBackToID(t *testing.T) {
	s, err := Parse("20250102-030405", "# Session: untimed\n")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), s.StartedAt)

	_, err = Parse("notes", "# Session: untimed\n")
	assert.Error(t, err)
}

func TestSession_Candidates(t *testing.T) {
	s, err := Parse("20251121-113107", sample)
	require.NoError(t, err)
	cands, err := s.Candidates("/sessions/20251121-113107.md")
	require.NoError(t, err)

	var kinds []string
	for _, c := range cands {
		kinds = append(kinds, c.EventType)
		assert.Equal(t, "20251121-113107", c.SourceID)
		assert.Equal(t, "/sessions/20251121-113107.md", c.SourceLocator)
	}
	assert.Equal(t, []string{
		schema.TypeSessionStarted,
		schema.TypeSessionGoal, schema.TypeSessionGoal,
		schema.TypeSessionDecision, schema.TypeSessionDecision,
		schema.TypeSessionObservation, schema.TypeSessionObservation, schema.TypeSessionObservation,
	}, kinds)
}

func TestReader_Units(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20251121-113107.md"), []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20250102-030405.md"), []byte("# Session: early\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644))

	var ids []string
	var all []types.Candidate
	err := New(dir).Units(context.Background(), func(u source.Unit) error {
		ids = append(ids, u.ID)
		assert.NotEmpty(t, u.Fingerprint)
		cs, err := u.Load(context.Background())
		all = append(all, cs...)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"20250102-030405.md", "20251121-113107.md"}, ids)
	assert.Len(t, all, 1+8)
}
