// Package types provides core data types for strata.
package types

import (
	"encoding/json"
	"math"
	"time"
)

// Event is an immutable record in the append log.
type Event struct {
	// Seq is the global sequence number assigned at append time (gap-free, starts at 1)
	Seq uint64 `json:"seq"`

	// EventType identifies the payload schema and producer (e.g. "vcs.commit")
	EventType string `json:"event_type"`

	// OccurredAt is the producer-supplied real-world time; not monotonic with Seq
	OccurredAt time.Time `json:"occurred_at"`

	// SourceID identifies the unit of work (commit hash, session id, symbol name)
	SourceID string `json:"source_id"`

	// SourceLocator is the optional originating artifact path
	SourceLocator string `json:"source_locator,omitempty"`

	// Payload is the canonical JSON document for EventType
	Payload json.RawMessage `json:"payload"`

	// Identity is the hex content identity used for deduplication
	Identity string `json:"identity"`
}

// Candidate is an event proposed by a source reader, before a sequence number is assigned.
type Candidate struct {
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SourceID      string          `json:"source_id"`
	SourceLocator string          `json:"source_locator,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewCandidate marshals payload and builds a Candidate.
func NewCandidate(eventType string, occurredAt time.Time, sourceID, locator string, payload interface{}) (Candidate, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{
		EventType:     eventType,
		OccurredAt:    occurredAt,
		SourceID:      sourceID,
		SourceLocator: locator,
		Payload:       raw,
	}, nil
}

// Bounds of the stored occurred_at representation (int64 unix nanoseconds):
// 1677-09-21T00:12:43.145224192Z to 2262-04-11T23:47:16.854775807Z.
var (
	MinTime = time.Unix(0, math.MinInt64).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// Representable reports whether t can be stored without loss of order.
func Representable(t time.Time) bool {
	return !t.Before(MinTime) && !t.After(MaxTime)
}

// UnixNanos converts a timestamp to the stored integer representation.
// Times outside [MinTime, MaxTime] saturate to the nearest bound instead of
// wrapping, so comparisons against stored values keep their order.
func UnixNanos(t time.Time) int64 {
	switch {
	case t.Before(MinTime):
		return math.MinInt64
	case t.After(MaxTime):
		return math.MaxInt64
	}
	return t.UTC().UnixNano()
}

// FromUnixNanos converts a stored integer timestamp back to UTC time.
func FromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
