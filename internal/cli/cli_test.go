package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const commits = `{"event_type":"vcs.commit","occurred_at":"2025-01-02T09:00:00Z","source_id":"aa01","payload":{"sha":"aa01","message":"feat: add writer","author_name":"Dev","files":[{"path":"a.go","change_type":"added","lines_added":3,"lines_removed":0},{"path":"b.go","change_type":"added","lines_added":1,"lines_removed":0}]}}
{"event_type":"vcs.commit","occurred_at":"2025-01-09T09:00:00Z","source_id":"bb02","payload":{"sha":"bb02","message":"fix: tidy","author_name":"Dev","files":[{"path":"a.go","change_type":"modified","lines_added":1,"lines_removed":1}]}}
`

type harness struct {
	dataDir string
	jsonl   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{dataDir: filepath.Join(dir, "data"), jsonl: filepath.Join(dir, "commits.jsonl")}
	require.NoError(t, os.WriteFile(h.jsonl, []byte(commits), 0644))
	return h
}

// run executes one command against the harness database.
func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--data-dir", h.dataDir, "--env-file", "", "--log-level", "error"}, args...)
	err := New().WithOutput(&stdout, &stderr).ExecuteWithArgs(context.Background(), full)
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	err := New().WithOutput(&stdout, &bytes.Buffer{}).ExecuteWithArgs(context.Background(), []string{"version"})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "strata version")
}

func TestIngestMaterializeQuery(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "ingest", "--jsonl", h.jsonl)
	require.NoError(t, err)
	var sum struct {
		Appended int `json:"appended"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 2, sum.Appended)

	out, err = h.run(t, "materialize")
	require.NoError(t, err)
	var rep struct {
		Tip uint64 `json:"tip"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, uint64(2), rep.Tip)

	out, err = h.run(t, "query", "asof", "--as-of", "2025-01-05T00:00:00Z", "--type", "vcs.commit")
	require.NoError(t, err)
	var events []struct {
		SourceID string `json:"source_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "aa01", events[0].SourceID)

	out, err = h.run(t, "query", "cochanges", "a.go")
	require.NoError(t, err)
	assert.Contains(t, out, `"file_b": "b.go"`)

	out, err = h.run(t, "query", "search", "--commits", "writer")
	require.NoError(t, err)
	var hits []struct {
		SHA     string `json:"sha"`
		Snippet string `json:"snippet"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "aa01", hits[0].SHA)
	assert.Contains(t, hits[0].Snippet, "[writer]")

	out, err = h.run(t, "query", "search", "anything")
	require.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(out))

	out, err = h.run(t, "views")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "VIEW"))
	assert.Contains(t, out, "co_changes")
	assert.Contains(t, out, "commit_search")
}

func TestRebuildAndArchive(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "rebuild", "--jsonl", h.jsonl)
	require.NoError(t, err)

	out, err := h.run(t, "archive", "export", "--tail")
	require.NoError(t, err)
	assert.Contains(t, out, `"last_seq": 2`)

	out, err = h.run(t, "archive", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, `"events": 2`)
}

func TestStateResetAndList(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "ingest", "--jsonl", h.jsonl)
	require.NoError(t, err)

	out, err := h.run(t, "state", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "commits.jsonl")

	out, err = h.run(t, "state", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, `"reset": 1`)
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "--log-format", "xml", "views")
	require.Error(t, err)
	assert.Equal(t, ExitValidation, ExitCode(err))

	_, err = h.run(t, "query", "asof", "--as-of", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitValidation, ExitCode(err))

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte(`{"event_type":"vcs.commit","occurred_at":"2025-01-02T09:00:00Z","source_id":"x","payload":{}}`+"\n"), 0644))
	_, err = h.run(t, "ingest", "--jsonl", bad)
	require.Error(t, err)
	assert.Equal(t, ExitValidation, ExitCode(err))

	_, err = h.run(t, "views", "digest", "no_such_view")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))

	assert.Equal(t, ExitOK, ExitCode(nil))
}
