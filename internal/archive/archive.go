package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/internal/eventlog"
	"github.com/strata-log/strata/internal/logging"
	"github.com/strata-log/strata/internal/storage"
	"github.com/strata-log/strata/internal/store"
	"github.com/strata-log/strata/pkg/types"
)

// Object layout of an archive.
const (
	ManifestKey   = "manifest.json"
	SegmentPrefix = "segments/"
	FormatVersion = 1
)

// SegmentInfo describes one sealed segment.
type SegmentInfo struct {
	Key      string `json:"key"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Events   int    `json:"events"`
	SHA256   string `json:"sha256"`
}

// Manifest lists the segments of an archive in seq order.
type Manifest struct {
	Version       int           `json:"version"`
	SegmentEvents int           `json:"segment_events"`
	LastSeq       uint64        `json:"last_seq"`
	Segments      []SegmentInfo `json:"segments"`
}

// Options configure an Archiver.
type Options struct {
	// SegmentEvents is the number of events per segment.
	SegmentEvents int

	// IncludeTail also exports the trailing partial segment. It is replaced
	// by a sealed segment once enough events exist.
	IncludeTail bool

	// Concurrency bounds parallel segment downloads.
	Concurrency int
}

// Archiver exports a store's log to object storage.
type Archiver struct {
	reader *eventlog.Reader
	dest   storage.ObjectStorage
	opts   Options
}

// New creates an archiver over st writing to dest.
func New(st *store.Store, dest storage.ObjectStorage, opts Options) *Archiver {
	if opts.SegmentEvents < 1 {
		opts.SegmentEvents = 1000
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	return &Archiver{reader: eventlog.NewReader(st), dest: dest, opts: opts}
}

// ExportResult reports an export.
type ExportResult struct {
	Segments int    `json:"segments"`
	Uploaded int    `json:"uploaded"`
	Existing int    `json:"existing"`
	Pruned   int    `json:"pruned"`
	LastSeq  uint64 `json:"last_seq"`
}

// Export cuts the log into segments of SegmentEvents events starting at
// seq 1, uploads the ones not yet present and writes the manifest. Segments
// are addressed by content digest, so re-exporting an unchanged log uploads
// nothing. Segment objects no longer referenced by the manifest are pruned.
func (a *Archiver) Export(ctx context.Context) (*ExportResult, error) {
	start := time.Now()
	tip, err := a.reader.Tip(ctx)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "strata-archive-*")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	m := &Manifest{Version: FormatVersion, SegmentEvents: a.opts.SegmentEvents}
	res := &ExportResult{}
	batch := make([]Record, 0, a.opts.SegmentEvents)

	flush := func() error {
		info, uploaded, err := a.seal(ctx, tmp, batch)
		if err != nil {
			return err
		}
		m.Segments = append(m.Segments, info)
		m.LastSeq = info.LastSeq
		if uploaded {
			res.Uploaded++
		} else {
			res.Existing++
		}
		batch = batch[:0]
		return nil
	}

	err = a.reader.Stream(ctx, 0, tip, a.opts.SegmentEvents, func(ev types.Event) error {
		batch = append(batch, RecordOf(ev))
		if len(batch) == a.opts.SegmentEvents {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 && a.opts.IncludeTail {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	if err := a.putManifest(ctx, tmp, m); err != nil {
		return nil, err
	}
	pruned, err := a.prune(ctx, m)
	if err != nil {
		return nil, err
	}

	res.Segments = len(m.Segments)
	res.Pruned = pruned
	res.LastSeq = m.LastSeq
	logging.Info().Add(logging.Component("archive")).
		Add(logging.Count("segments", res.Segments)).Add(logging.Count("uploaded", res.Uploaded)).
		Add(logging.Seq("last_seq", res.LastSeq)).Add(logging.Duration(time.Since(start))).
		Msg("archive: export finished")
	return res, nil
}

// seal encodes records and uploads the segment unless it already exists.
func (a *Archiver) seal(ctx context.Context, tmp string, records []Record) (SegmentInfo, bool, error) {
	data, err := EncodeSegment(records)
	if err != nil {
		return SegmentInfo{}, false, err
	}
	first, last := records[0].Seq, records[len(records)-1].Seq
	digest := Digest(data)
	info := SegmentInfo{
		Key:      fmt.Sprintf("%s%016x-%016x-%s.seg", SegmentPrefix, first, last, digest[:16]),
		FirstSeq: first,
		LastSeq:  last,
		Events:   len(records),
		SHA256:   digest,
	}

	exists, err := a.dest.Exists(ctx, info.Key)
	if err != nil {
		return info, false, archiveIO("failed to check segment", err)
	}
	if exists {
		return info, false, nil
	}

	local := filepath.Join(tmp, filepath.Base(info.Key))
	if err := os.WriteFile(local, data, 0644); err != nil {
		return info, false, fmt.Errorf("archive: failed to stage segment: %w", err)
	}
	if err := a.dest.Upload(ctx, local, info.Key); err != nil {
		return info, false, archiveIO("failed to upload segment", err)
	}
	return info, true, nil
}

func (a *Archiver) putManifest(ctx context.Context, tmp string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: failed to encode manifest: %w", err)
	}
	local := filepath.Join(tmp, ManifestKey)
	if err := os.WriteFile(local, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("archive: failed to stage manifest: %w", err)
	}
	if err := a.dest.Upload(ctx, local, ManifestKey); err != nil {
		return archiveIO("failed to upload manifest", err)
	}
	return nil
}

func (a *Archiver) prune(ctx context.Context, m *Manifest) (int, error) {
	keep := make(map[string]bool, len(m.Segments))
	for _, s := range m.Segments {
		keep[s.Key] = true
	}
	keys, err := a.dest.ListObjects(ctx, SegmentPrefix)
	if err != nil {
		return 0, archiveIO("failed to list segments", err)
	}
	n := 0
	for _, k := range keys {
		if keep[k] {
			continue
		}
		if err := a.dest.Delete(ctx, k); err != nil {
			return n, archiveIO("failed to prune segment", err)
		}
		n++
	}
	return n, nil
}

// Load downloads the manifest and every segment, checks digests, framing and
// seq continuity, and calls fn for each record in seq order.
func Load(ctx context.Context, src storage.ObjectStorage, concurrency int, fn func(Record) error) (*Manifest, error) {
	tmp, err := os.MkdirTemp("", "strata-archive-*")
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	m, err := readManifest(ctx, src, tmp)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(m.Segments))
	for i, s := range m.Segments {
		keys[i] = s.Key
	}
	dl := storage.NewBatchDownloader(src, concurrency, filepath.Join(tmp, "segments"))
	got, err := dl.Download(ctx, keys)
	if err != nil {
		return nil, err
	}
	if err := got.Err(keys); err != nil {
		return nil, archiveIO("failed to download segments", err)
	}

	next := uint64(1)
	for _, s := range m.Segments {
		data, err := os.ReadFile(got.LocalPaths[s.Key])
		if err != nil {
			return nil, fmt.Errorf("archive: failed to read %s: %w", s.Key, err)
		}
		if Digest(data) != s.SHA256 {
			return nil, strataerrors.NewArchiveError(strataerrors.CodeSegmentCorrupt,
				fmt.Sprintf("segment %s does not match its digest", s.Key), nil)
		}
		records, err := DecodeSegment(data)
		if err != nil {
			return nil, err
		}
		if len(records) != s.Events {
			return nil, mismatch("segment %s holds %d events, manifest says %d", s.Key, len(records), s.Events)
		}
		for _, r := range records {
			if r.Seq != next {
				return nil, mismatch("segment %s: expected seq %d, found %d", s.Key, next, r.Seq)
			}
			if id := eventlog.Identity(r.EventType, r.SourceID, r.Payload); id != r.Identity {
				return nil, mismatch("seq %d: stored identity %s does not match content", r.Seq, r.Identity)
			}
			if err := fn(r); err != nil {
				return nil, err
			}
			next++
		}
	}
	if next-1 != m.LastSeq {
		return nil, mismatch("manifest last_seq %d, segments end at %d", m.LastSeq, next-1)
	}
	return m, nil
}

func readManifest(ctx context.Context, src storage.ObjectStorage, tmp string) (*Manifest, error) {
	local := filepath.Join(tmp, ManifestKey)
	if err := src.Download(ctx, ManifestKey, local); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, strataerrors.NewArchiveError(strataerrors.CodeArchiveMismatch, "archive has no manifest", err)
		}
		return nil, archiveIO("failed to download manifest", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read manifest: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, strataerrors.NewArchiveError(strataerrors.CodeSegmentCorrupt, "invalid manifest", err)
	}
	if m.Version != FormatVersion {
		return nil, mismatch("unsupported archive version %d", m.Version)
	}
	return &m, nil
}

// VerifyResult reports a verification.
type VerifyResult struct {
	Segments int    `json:"segments"`
	Events   int    `json:"events"`
	LastSeq  uint64 `json:"last_seq"`
	LocalTip uint64 `json:"local_tip"`
}

// Verify checks that the archive replays to the same seqs and identities as
// the local log. The local log may extend past the archive; an archived
// event missing locally is a mismatch.
func (a *Archiver) Verify(ctx context.Context) (*VerifyResult, error) {
	tip, err := a.reader.Tip(ctx)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{LocalTip: tip}
	m, err := Load(ctx, a.dest, a.opts.Concurrency, func(r Record) error {
		ev, err := a.reader.Get(ctx, r.Seq)
		if err != nil {
			return err
		}
		if ev == nil {
			return mismatch("seq %d is archived but missing from the local log", r.Seq)
		}
		if ev.Identity != r.Identity {
			return mismatch("seq %d: archived identity %s, local %s", r.Seq, r.Identity, ev.Identity)
		}
		res.Events++
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Segments = len(m.Segments)
	res.LastSeq = m.LastSeq
	return res, nil
}

// RestoreResult reports a restore.
type RestoreResult struct {
	Appended     int    `json:"appended"`
	Deduplicated int    `json:"deduplicated"`
	LastSeq      uint64 `json:"last_seq"`
}

// Restore replays an archive through w. Every record must land at its
// archived seq, so restoring into an empty log or into a prefix of the
// archived log reproduces it exactly.
func Restore(ctx context.Context, src storage.ObjectStorage, w *eventlog.Writer, concurrency int) (*RestoreResult, error) {
	res := &RestoreResult{}
	m, err := Load(ctx, src, concurrency, func(r Record) error {
		seq, outcome, err := w.Append(ctx, r.Candidate())
		if err != nil {
			return fmt.Errorf("archive: failed to restore seq %d: %w", r.Seq, err)
		}
		if seq != r.Seq {
			return mismatch("archived seq %d restored at seq %d", r.Seq, seq)
		}
		if outcome == types.OutcomeAppended {
			res.Appended++
		} else {
			res.Deduplicated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.LastSeq = m.LastSeq
	logging.Info().Add(logging.Component("archive")).
		Add(logging.Count("appended", res.Appended)).Add(logging.Count("deduplicated", res.Deduplicated)).
		Msg("archive: restore finished")
	return res, nil
}

func mismatch(format string, args ...interface{}) error {
	return strataerrors.NewArchiveError(strataerrors.CodeArchiveMismatch, fmt.Sprintf(format, args...), nil)
}

func archiveIO(msg string, err error) error {
	return strataerrors.NewArchiveError(strataerrors.CodeStorageIOFailure, msg, err)
}
