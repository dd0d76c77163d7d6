// Package store owns the embedded SQLite database that holds the event log,
// extraction state, view checkpoints and all materialized view tables.
package store

// SchemaVersion is the version of the core tables below. Derived view tables
// carry their own versions in view_checkpoints.
const SchemaVersion = 1

// CreateEventsTableSQL creates the append-only event log.
// seq is allocated by the writer as MAX(seq)+1 inside an immediate transaction,
// so it is gap-free. identity is the content identity used for deduplication.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY,
    event_type TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    source_id TEXT NOT NULL,
    source_locator TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    identity TEXT NOT NULL UNIQUE
)`

// CreateEventsIndexesSQL creates indexes for time-travel and type filtering.
var CreateEventsIndexesSQL = []string{
	// as-of and near queries order by (occurred_at, seq)
	`CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at, seq)`,

	// type-filtered time travel
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, occurred_at, seq)`,

	`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source_id)`,
}

// CreateEventsGuardsSQL makes the event log immutable: any UPDATE or DELETE
// on events aborts its statement. The writer only inserts.
var CreateEventsGuardsSQL = []string{
	`CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are immutable');
	END`,

	`CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are immutable');
	END`,
}

// CreateExtractionStateTableSQL creates the per-unit ingestion bookkeeping table.
const CreateExtractionStateTableSQL = `
CREATE TABLE IF NOT EXISTS extraction_state (
    source_kind TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    content_fingerprint TEXT NOT NULL,
    last_processed_at INTEGER NOT NULL,
    produced_event_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (source_kind, unit_id)
)`

// CreateViewCheckpointsTableSQL creates the per-view progress table.
const CreateViewCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS view_checkpoints (
    view_name TEXT PRIMARY KEY,
    last_applied_seq INTEGER NOT NULL DEFAULT 0,
    view_version INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
)`

// CreateStoreMetaTableSQL creates the key/value table recording the core schema version.
const CreateStoreMetaTableSQL = `
CREATE TABLE IF NOT EXISTS store_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateEventsTableSQL,
	}
	stmts = append(stmts, CreateEventsIndexesSQL...)
	stmts = append(stmts, CreateEventsGuardsSQL...)
	stmts = append(stmts,
		CreateExtractionStateTableSQL,
		CreateViewCheckpointsTableSQL,
		CreateStoreMetaTableSQL,
	)
	return stmts
}

// CoreTables lists the tables owned by the store itself. View tables must not
// reuse these names.
var CoreTables = []string{"events", "extraction_state", "view_checkpoints", "store_meta"}
