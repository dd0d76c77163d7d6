package materialize

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/strata-log/strata/pkg/types"
)

const checkpointColumns = "view_name, last_applied_seq, view_version, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(s rowScanner) (*types.Checkpoint, error) {
	var (
		cp      types.Checkpoint
		seq     int64
		updated int64
	)
	if err := s.Scan(&cp.ViewName, &seq, &cp.ViewVersion, &updated); err != nil {
		return nil, err
	}
	cp.LastAppliedSeq = uint64(seq)
	cp.UpdatedAt = types.FromUnixNanos(updated)
	return &cp, nil
}

// readCheckpoint returns the checkpoint of a view, or nil when none exists.
func readCheckpoint(ctx context.Context, q Tx, name string) (*types.Checkpoint, error) {
	row := q.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM view_checkpoints WHERE view_name = ?", name)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("materialize: failed to read checkpoint for %s: %w", name, err)
	}
	return cp, nil
}

// writeCheckpoint upserts the checkpoint of a view.
func writeCheckpoint(ctx context.Context, tx Tx, name string, seq uint64, version int, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO view_checkpoints (view_name, last_applied_seq, view_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(view_name) DO UPDATE SET
			last_applied_seq = excluded.last_applied_seq,
			view_version = excluded.view_version,
			updated_at = excluded.updated_at`,
		name, int64(seq), version, types.UnixNanos(now))
	if err != nil {
		return fmt.Errorf("materialize: failed to write checkpoint for %s: %w", name, err)
	}
	return nil
}

// Checkpoint returns the stored checkpoint of a view, or nil when the view
// has never been materialized.
func (m *Materializer) Checkpoint(ctx context.Context, name string) (*types.Checkpoint, error) {
	return readCheckpoint(ctx, m.store.ReadDB(), name)
}

// Checkpoints returns all stored checkpoints ordered by view name.
func (m *Materializer) Checkpoints(ctx context.Context) ([]types.Checkpoint, error) {
	rows, err := m.store.ReadDB().QueryContext(ctx,
		"SELECT "+checkpointColumns+" FROM view_checkpoints ORDER BY view_name")
	if err != nil {
		return nil, fmt.Errorf("materialize: failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("materialize: failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}
