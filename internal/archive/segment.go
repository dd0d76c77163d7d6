// Package archive exports the event log as sealed, content-addressed
// segments and verifies or restores a log from them.
//
// A segment is a sequence of records, one per event, each framed as
//
//	[length:4][crc32:4][snappy(JSON record)]
//
// with little-endian length and an IEEE CRC over the compressed bytes.
// Records carry only stored event fields, so identical logs produce
// byte-identical segments on every machine.
package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	strataerrors "github.com/strata-log/strata/internal/errors"
	"github.com/strata-log/strata/pkg/types"
)

// frameHeader is the length and CRC prefix of a record.
const frameHeader = 8

// Record is the archived form of one event.
type Record struct {
	Seq           uint64          `json:"seq"`
	EventType     string          `json:"event_type"`
	OccurredAt    int64           `json:"occurred_at"`
	SourceID      string          `json:"source_id"`
	SourceLocator string          `json:"source_locator,omitempty"`
	Identity      string          `json:"identity"`
	Payload       json.RawMessage `json:"payload"`
}

// RecordOf converts a stored event.
func RecordOf(ev types.Event) Record {
	return Record{
		Seq:           ev.Seq,
		EventType:     ev.EventType,
		OccurredAt:    types.UnixNanos(ev.OccurredAt),
		SourceID:      ev.SourceID,
		SourceLocator: ev.SourceLocator,
		Identity:      ev.Identity,
		Payload:       ev.Payload,
	}
}

// Candidate returns the record as an appendable candidate.
func (r Record) Candidate() types.Candidate {
	return types.Candidate{
		EventType:     r.EventType,
		OccurredAt:    types.FromUnixNanos(r.OccurredAt),
		SourceID:      r.SourceID,
		SourceLocator: r.SourceLocator,
		Payload:       r.Payload,
	}
}

// EncodeSegment frames records into one segment.
func EncodeSegment(records []Record) ([]byte, error) {
	var buf, raw bytes.Buffer
	var header [frameHeader]byte
	enc := json.NewEncoder(&raw)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		raw.Reset()
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("archive: failed to encode seq %d: %w", r.Seq, err)
		}
		compressed := snappy.Encode(nil, bytes.TrimSuffix(raw.Bytes(), []byte("\n")))
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(compressed)))
		binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(compressed))
		buf.Write(header[:])
		buf.Write(compressed)
	}
	return buf.Bytes(), nil
}

// DecodeSegment parses a segment. Truncated frames and CRC mismatches are
// reported as SEGMENT_CORRUPT; unlike a write-ahead log, a sealed segment
// has no legitimately torn tail.
func DecodeSegment(data []byte) ([]Record, error) {
	var out []Record
	r := bytes.NewReader(data)
	for offset := int64(0); ; {
		var header [frameHeader]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, corrupt(offset, "truncated header", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if int64(length) > int64(r.Len()) {
			return nil, corrupt(offset, "truncated record", nil)
		}
		compressed := make([]byte, length)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, corrupt(offset, "truncated record", err)
		}
		if crc32.ChecksumIEEE(compressed) != crc {
			return nil, corrupt(offset, "crc mismatch", nil)
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, corrupt(offset, "snappy decode failed", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, corrupt(offset, "invalid record", err)
		}
		out = append(out, rec)
		offset += frameHeader + int64(length)
	}
}

// Digest is the hex SHA-256 of a segment, used as its address.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func corrupt(offset int64, msg string, cause error) error {
	return strataerrors.NewArchiveError(strataerrors.CodeSegmentCorrupt,
		fmt.Sprintf("segment corrupt at offset %d: %s", offset, msg), cause)
}
