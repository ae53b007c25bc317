package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ConflictRevision is one conflicting leaf revision recorded for a hidden
// document, kept alongside the document's current row so HiddenFileSync's
// merge step has both sides of a three-way merge available (spec.md §4.7
// "Conflict queue"; SUPPLEMENTED FEATURES "Conflict history").
type ConflictRevision struct {
	DocID    string
	Revision string
	Content  []byte
	IsText   bool
	MtimeMs  int64
}

// PutConflictRevision records rev's content for docID, used when the
// replicator surfaces a conflicting revision that has not yet been merged
// or tiebroken.
func (s *Store) PutConflictRevision(ctx context.Context, rev ConflictRevision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_revisions (doc_id, revision, content, is_text, mtime_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id, revision) DO UPDATE SET
			content  = excluded.content,
			is_text  = excluded.is_text,
			mtime_ms = excluded.mtime_ms`,
		rev.DocID, rev.Revision, rev.Content, rev.IsText, rev.MtimeMs)
	if err != nil {
		return fmt.Errorf("store: recording conflict revision %s@%s: %w", rev.DocID, rev.Revision, err)
	}

	return nil
}

// GetConflictRevision returns the recorded content for (docID, revision), or
// ok=false if none was ever recorded (spec.md §4.7: callers fall back to the
// newer-mtime tiebreak when a conflicting revision's content isn't available).
func (s *Store) GetConflictRevision(ctx context.Context, docID, revision string) (ConflictRevision, bool, error) {
	var rev ConflictRevision

	rev.DocID, rev.Revision = docID, revision

	err := s.db.QueryRowContext(ctx,
		`SELECT content, is_text, mtime_ms FROM conflict_revisions WHERE doc_id = ? AND revision = ?`,
		docID, revision).Scan(&rev.Content, &rev.IsText, &rev.MtimeMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRevision{}, false, nil
	}

	if err != nil {
		return ConflictRevision{}, false, fmt.Errorf("store: reading conflict revision %s@%s: %w", docID, revision, err)
	}

	return rev, true, nil
}

// DeleteConflictRevision drops the recorded content for (docID, revision),
// called once a conflicting revision has been merged or tiebroken away
// (spec.md §4.3 "remove_revision" applied to the conflict side-table).
func (s *Store) DeleteConflictRevision(ctx context.Context, docID, revision string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conflict_revisions WHERE doc_id = ? AND revision = ?`, docID, revision)
	if err != nil {
		return fmt.Errorf("store: deleting conflict revision %s@%s: %w", docID, revision, err)
	}

	return nil
}

// ConflictRecord is one entry in the conflict-history ledger: what
// conflict was detected, how it was resolved, and when (SUPPLEMENTED
// FEATURES "Conflict history" — LWW still applies silently to ordinary
// files, but the ledger lets `vaultsync conflicts` show what happened).
type ConflictRecord struct {
	ConflictID string
	DocID      string
	Path       string
	DetectedAt int64
	Resolution string
	ResolvedBy string
	ResolvedAt int64
}

// RecordConflictHistory appends rec to the conflict-history ledger.
func (s *Store) RecordConflictHistory(ctx context.Context, rec ConflictRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_history
			(conflict_id, doc_id, path, detected_at, resolution, resolved_by, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conflict_id) DO UPDATE SET
			resolution  = excluded.resolution,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at`,
		rec.ConflictID, rec.DocID, rec.Path, rec.DetectedAt, rec.Resolution, rec.ResolvedBy, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("store: recording conflict history %s: %w", rec.ConflictID, err)
	}

	return nil
}

// ListConflictHistory returns every recorded conflict, most recently
// detected first, for the `vaultsync conflicts` command.
func (s *Store) ListConflictHistory(ctx context.Context) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conflict_id, doc_id, path, detected_at, resolution, resolved_by, resolved_at
		 FROM conflict_history ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing conflict history: %w", err)
	}
	defer rows.Close()

	var records []ConflictRecord

	for rows.Next() {
		var rec ConflictRecord

		if err := rows.Scan(&rec.ConflictID, &rec.DocID, &rec.Path, &rec.DetectedAt,
			&rec.Resolution, &rec.ResolvedBy, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("store: scanning conflict history row: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
