package archive

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/storage"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

type fixture struct {
	st *store.Store
	w  *eventlog.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strata.db"), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	w, err := eventlog.NewWriter(context.Background(), st, schema.DefaultRegistry(), eventlog.WriterOptions{})
	require.NoError(t, err)
	return &fixture{st: st, w: w}
}

// fill appends n decisions, including characters JSON would HTML-escape.
func (f *fixture) fill(t *testing.T, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		c, err := types.NewCandidate(schema.TypeSessionDecision,
			time.Date(2025, 1, 1, 0, i, 0, 0, time.UTC), fmt.Sprintf("s%d", i%3), "sessions/x.md",
			schema.SessionDecisionPayload{Content: fmt.Sprintf("use <tag> & decision %d", i)})
		require.NoError(t, err)
		_, _, err = f.w.Append(context.Background(), c)
		require.NoError(t, err)
	}
}

func localDest(t *testing.T) *storage.LocalStorage {
	t.Helper()
	dest, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return dest
}

func TestSegment_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.fill(t, 0, 3)
	var records []Record
	err := eventlog.NewReader(f.st).Stream(context.Background(), 0, 3, 10, func(ev types.Event) error {
		records = append(records, RecordOf(ev))
		return nil
	})
	require.NoError(t, err)

	data, err := EncodeSegment(records)
	require.NoError(t, err)
	decoded, err := DecodeSegment(data)
	require.NoError(t, err)
	assert.Equal(t, records, decoded)
	assert.Contains(t, string(decoded[0].Payload), "<tag> &")
}

func TestSegment_Corruption(t *testing.T) {
	data, err := EncodeSegment([]Record{{Seq: 1, EventType: "x", SourceID: "s", Identity: "i", Payload: []byte(`{}`)}})
	require.NoError(t, err)

	badCRC := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badCRC[4:8], binary.LittleEndian.Uint32(badCRC[4:8])^0xFFFFFFFF)
	_, err = DecodeSegment(badCRC)
	assert.Equal(t, strataerrors.CodeSegmentCorrupt, strataerrors.GetCode(err))

	_, err = DecodeSegment(data[:len(data)-1])
	assert.Equal(t, strataerrors.CodeSegmentCorrupt, strataerrors.GetCode(err))

	_, err = DecodeSegment(data[:3])
	assert.Equal(t, strataerrors.CodeSegmentCorrupt, strataerrors.GetCode(err))
}

func TestExport_IdempotentAndByteIdentical(t *testing.T) {
	ctx := context.Background()
	a, b := newFixture(t), newFixture(t)
	a.fill(t, 0, 7)
	b.fill(t, 0, 7)

	destA, destB := localDest(t), localDest(t)
	resA, err := New(a.st, destA, Options{SegmentEvents: 3}).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resA.Segments)
	assert.Equal(t, 2, resA.Uploaded)
	assert.Equal(t, uint64(6), resA.LastSeq)

	_, err = New(b.st, destB, Options{SegmentEvents: 3}).Export(ctx)
	require.NoError(t, err)

	keysA, err := destA.ListObjects(ctx, "")
	require.NoError(t, err)
	keysB, err := destB.ListObjects(ctx, "")
	require.NoError(t, err)
	require.Equal(t, keysA, keysB)
	for _, k := range keysA {
		assert.Equal(t, readObject(t, destA, k), readObject(t, destB, k), k)
	}

	again, err := New(a.st, destA, Options{SegmentEvents: 3}).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Uploaded)
	assert.Equal(t, 2, again.Existing)
}

func TestExport_TailIsReplacedOnceSealed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fill(t, 0, 4)
	dest := localDest(t)

	res, err := New(f.st, dest, Options{SegmentEvents: 3, IncludeTail: true}).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Segments)
	assert.Equal(t, uint64(4), res.LastSeq)

	f.fill(t, 4, 2)
	res, err = New(f.st, dest, Options{SegmentEvents: 3, IncludeTail: true}).Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Segments)
	assert.Equal(t, 1, res.Existing)
	assert.Equal(t, 1, res.Pruned)

	keys, err := dest.ListObjects(ctx, SegmentPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fill(t, 0, 5)
	dest := localDest(t)
	arch := New(f.st, dest, Options{SegmentEvents: 2, IncludeTail: true})
	_, err := arch.Export(ctx)
	require.NoError(t, err)

	f.fill(t, 5, 1)
	res, err := arch.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, 5, res.Events)
	assert.Equal(t, uint64(6), res.LocalTip)

	// A different log with the same length does not verify.
	other := newFixture(t)
	other.fill(t, 100, 5)
	_, err = New(other.st, dest, Options{SegmentEvents: 2}).Verify(ctx)
	assert.Equal(t, strataerrors.CodeArchiveMismatch, strataerrors.GetCode(err))

	// A shorter log is missing archived events.
	short := newFixture(t)
	short.fill(t, 0, 2)
	_, err = New(short.st, dest, Options{SegmentEvents: 2}).Verify(ctx)
	assert.Equal(t, strataerrors.CodeArchiveMismatch, strataerrors.GetCode(err))
}

func TestVerify_TamperedSegment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fill(t, 0, 2)
	dir := t.TempDir()
	dest, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	arch := New(f.st, dest, Options{SegmentEvents: 2})
	_, err = arch.Export(ctx)
	require.NoError(t, err)

	keys, err := dest.ListObjects(ctx, SegmentPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	path := filepath.Join(dir, filepath.FromSlash(keys[0]))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = arch.Verify(ctx)
	assert.Equal(t, strataerrors.CodeSegmentCorrupt, strataerrors.GetCode(err))
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	src := newFixture(t)
	src.fill(t, 0, 5)
	dest := localDest(t)
	_, err := New(src.st, dest, Options{SegmentEvents: 2, IncludeTail: true}).Export(ctx)
	require.NoError(t, err)

	dst := newFixture(t)
	dst.fill(t, 0, 2)
	res, err := Restore(ctx, dest, dst.w, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Appended)
	assert.Equal(t, 2, res.Deduplicated)
	assert.Equal(t, uint64(5), res.LastSeq)

	vr, err := New(dst.st, dest, Options{}).Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, vr.Events)

	diverged := newFixture(t)
	diverged.fill(t, 50, 1)
	_, err = Restore(ctx, dest, diverged.w, 2)
	assert.Equal(t, strataerrors.CodeArchiveMismatch, strataerrors.GetCode(err))
}

func TestLoad_MissingManifest(t *testing.T) {
	_, err := Load(context.Background(), localDest(t), 1, func(Record) error { return nil })
	assert.Equal(t, strataerrors.CodeArchiveMismatch, strataerrors.GetCode(err))
}

func readObject(t *testing.T, s storage.ObjectStorage, key string) []byte {
	t.Helper()
	local := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, s.Download(context.Background(), key, local))
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	return data
}
