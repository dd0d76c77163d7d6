package types

import "time"

// AppendOutcome reports whether an append inserted a new row or matched an existing one.
type AppendOutcome string

const (
	// OutcomeAppended means a new event row was written
	OutcomeAppended AppendOutcome = "appended"

	// OutcomeDeduplicated means an identical event already existed and its seq was returned
	OutcomeDeduplicated AppendOutcome = "deduplicated"
)

// ExtractionState is the per-source-unit ingestion bookkeeping row.
type ExtractionState struct {
	SourceKind         string    `json:"source_kind"`
	UnitID             string    `json:"unit_id"`
	ContentFingerprint string    `json:"content_fingerprint"`
	LastProcessedAt    time.Time `json:"last_processed_at"`
	ProducedEventCount int64     `json:"produced_event_count"`
}

// Checkpoint tracks how far a view has advanced through the log.
type Checkpoint struct {
	ViewName       string    `json:"view_name"`
	LastAppliedSeq uint64    `json:"last_applied_seq"`
	ViewVersion    int       `json:"view_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}
