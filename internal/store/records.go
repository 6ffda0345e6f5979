package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/patchkit/internal/patch"
)

// ErrRecordNotFound is returned when no record exists for a patch.
var ErrRecordNotFound = errors.New("patch record not found")

// PutRecord inserts or replaces the record of a patch. The record is stored
// in canonical JSON so its hash is stable across rewrites.
func (s *Store) PutRecord(ctx context.Context, r *patch.Record) error {
	data, err := patch.MarshalCanonical(r)
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.PatchID, err)
	}
	hash, err := patch.RecordHash(r)
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.PatchID, err)
	}
	pending := r.Pending
	if pending == "" {
		pending = patch.PendingNone
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patch_records
		(patch_id, kind, installed_at, pending, record, record_hash, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM patch_records))
		ON CONFLICT(patch_id) DO UPDATE SET
			kind = excluded.kind,
			installed_at = excluded.installed_at,
			pending = excluded.pending,
			record = excluded.record,
			record_hash = excluded.record_hash
	`,
		r.PatchID,
		r.Kind.String(),
		r.InstalledAt.UTC().Format(time.RFC3339Nano),
		string(pending),
		string(data),
		hash,
	)
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.PatchID, err)
	}
	return nil
}

// GetRecord returns the record of a patch or ErrRecordNotFound.
func (s *Store) GetRecord(ctx context.Context, patchID string) (*patch.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM patch_records WHERE patch_id = ?`, patchID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get record %s: %w", patchID, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", patchID, err)
	}
	return patch.UnmarshalRecord([]byte(data))
}

// HasRecord reports whether a patch has a record.
func (s *Store) HasRecord(ctx context.Context, patchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patch_records WHERE patch_id = ?`, patchID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has record %s: %w", patchID, err)
	}
	return n > 0, nil
}

// ListRecords returns every record in installation order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListRecords(ctx context.Context) ([]*patch.Record, error) {
	return s.queryRecords(ctx, `
		SELECT record FROM patch_records
		ORDER BY seq ASC, patch_id COLLATE BINARY ASC
	`)
}

// PendingRecords returns the records carrying a pending marker.
func (s *Store) PendingRecords(ctx context.Context) ([]*patch.Record, error) {
	return s.queryRecords(ctx, `
		SELECT record FROM patch_records
		WHERE pending != 'NONE'
		ORDER BY seq ASC, patch_id COLLATE BINARY ASC
	`)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*patch.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []*patch.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r, err := patch.UnmarshalRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// SetPending updates the pending marker of a record.
func (s *Store) SetPending(ctx context.Context, patchID string, state patch.PendingState) error {
	r, err := s.GetRecord(ctx, patchID)
	if err != nil {
		return err
	}
	r.Pending = state
	return s.PutRecord(ctx, r)
}

// DeleteRecords removes the records of the given patches. Unknown ids are
// ignored.
func (s *Store) DeleteRecords(ctx context.Context, patchIDs ...string) error {
	if len(patchIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete records: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, id := range patchIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM patch_records WHERE patch_id = ?`, id); err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete records: commit: %w", err)
	}
	return nil
}

// RecordHash returns the stored content hash of a record.
func (s *Store) RecordHash(ctx context.Context, patchID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT record_hash FROM patch_records WHERE patch_id = ?`, patchID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("record hash %s: %w", patchID, ErrRecordNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("record hash %s: %w", patchID, err)
	}
	return hash, nil
}
