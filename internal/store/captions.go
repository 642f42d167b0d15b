package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// CaptionRecord maps a destination emission back to the message ids it
// produced, enabling later content-addressed deletion.
type CaptionRecord struct {
	ID            int64
	DestinationID int64
	Caption       string
	ItemIDs       []int
}

// RecordCaption appends a caption record for one destination emission
// and evicts the oldest records beyond the cap, as a single
// transaction: the on-disk index is never partially written.
func (s *Store) RecordCaption(ctx context.Context, destID int64, caption string, itemIDs []int) error {
	idsJSON, err := json.Marshal(itemIDs)
	if err != nil {
		return fmt.Errorf("record caption: marshal item ids: %w", err)
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO caption_records (destination_id, caption, caption_norm, item_ids)
			VALUES (?, ?, ?, ?)
		`, destID, caption, NormalizeCaption(caption), string(idsJSON))
		if err != nil {
			return fmt.Errorf("record caption for destination %d: %w", destID, err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM caption_records
			WHERE destination_id = ?
			  AND id NOT IN (
			      SELECT id FROM caption_records
			      WHERE destination_id = ?
			      ORDER BY id DESC
			      LIMIT ?
			  )
		`, destID, destID, s.captionCap)
		if err != nil {
			return fmt.Errorf("evict caption records for destination %d: %w", destID, err)
		}
		return nil
	})
}

// FindLatestMatching scans a destination's records newest-first and
// returns the first whose normalized caption contains the normalized
// phrase (or starts with it when strictPrefix is set). Returns nil
// when nothing matches. An empty phrase never matches.
func (s *Store) FindLatestMatching(ctx context.Context, destID int64, phrase string, strictPrefix bool) (*CaptionRecord, error) {
	needle := NormalizeCaption(phrase)
	if needle == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, destination_id, caption, caption_norm, item_ids
		FROM caption_records
		WHERE destination_id = ?
		ORDER BY id DESC
	`, destID)
	if err != nil {
		return nil, fmt.Errorf("find caption for destination %d: %w", destID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec     CaptionRecord
			normed  string
			idsJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.DestinationID, &rec.Caption, &normed, &idsJSON); err != nil {
			return nil, fmt.Errorf("scan caption record: %w", err)
		}

		matched := strings.Contains(normed, needle)
		if strictPrefix {
			matched = strings.HasPrefix(normed, needle)
		}
		if !matched {
			continue
		}

		if err := json.Unmarshal([]byte(idsJSON), &rec.ItemIDs); err != nil {
			return nil, fmt.Errorf("unmarshal item ids for record %d: %w", rec.ID, err)
		}
		return &rec, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find caption for destination %d: %w", destID, err)
	}
	return nil, nil
}

// RemoveCaptionRecord deletes one record by id. Removing an
// already-removed record is a no-op.
func (s *Store) RemoveCaptionRecord(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM caption_records WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove caption record %d: %w", id, err)
	}
	return nil
}

// CaptionCount returns the number of records held for a destination.
// Used by tests and diagnostics.
func (s *Store) CaptionCount(ctx context.Context, destID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM caption_records WHERE destination_id = ?", destID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count caption records for destination %d: %w", destID, err)
	}
	return n, nil
}
