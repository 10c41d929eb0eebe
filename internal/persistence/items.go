package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/scheduler"
)

// UpsertItem registers an item as pending, clearing any outcome left by an
// earlier run so the poller never sees a stale terminal state.
func (s *SQLiteStore) UpsertItem(ctx context.Context, item *scheduler.WorkItem, chainID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	labels, err := json.Marshal(item.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (key, title, labels, state, reference, error, chain_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', '', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				title = excluded.title,
				labels = excluded.labels,
				state = excluded.state,
				reference = '',
				error = '',
				chain_id = excluded.chain_id,
				updated_at = CURRENT_TIMESTAMP
		`, item.ID, item.Title, string(labels), string(poller.StatePending), chainID)
		if err != nil {
			return fmt.Errorf("failed to upsert item: %w", err)
		}
		return nil
	})
}

// ReportItem records a state reported for a registered item and appends it
// to the item's history.
func (s *SQLiteStore) ReportItem(ctx context.Context, key string, state poller.State, reference, errMsg string) error {
	if !state.Valid() {
		return fmt.Errorf("invalid item state %q", state)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE items
			SET state = ?, reference = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE key = ?
		`, string(state), reference, errMsg, key)
		if err != nil {
			return fmt.Errorf("failed to update item state: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, key)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO item_reports (item_key, state, reference, error)
			VALUES (?, ?, ?, ?)
		`, key, string(state), reference, errMsg)
		if err != nil {
			return fmt.Errorf("failed to append report: %w", err)
		}
		return nil
	})
}

// Lookup implements poller.StateSource.
func (s *SQLiteStore) Lookup(ctx context.Context, key string) (poller.Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec poller.Record
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, state, reference, error, updated_at
		FROM items
		WHERE key = ?
	`, key).Scan(&rec.Key, &state, &rec.Reference, &rec.Error, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return poller.Record{}, false, nil
	}
	if err != nil {
		return poller.Record{}, false, fmt.Errorf("failed to query item: %w", err)
	}
	rec.State = poller.State(state)
	return rec, true, nil
}

// ListItems returns all registered items, oldest first.
func (s *SQLiteStore) ListItems(ctx context.Context) ([]ItemRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, title, labels, state, reference, error, chain_id, updated_at
		FROM items
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []ItemRecord{}
	for rows.Next() {
		var rec ItemRecord
		var labels, state string
		var chainID sql.NullString
		if err := rows.Scan(&rec.Key, &rec.Title, &labels, &state, &rec.Reference, &rec.Error, &chainID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if labels != "" && labels != "null" {
			if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
				return nil, fmt.Errorf("failed to decode labels for %s: %w", rec.Key, err)
			}
		}
		rec.State = poller.State(state)
		rec.ChainID = chainID.String
		items = append(items, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// History returns every state reported for key in chronological order.
// Returns empty slice (not nil) if nothing was reported.
func (s *SQLiteStore) History(ctx context.Context, key string) ([]Report, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// timestamp has one-second resolution; id breaks ties
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, reference, error, timestamp
		FROM item_reports
		WHERE item_key = ?
		ORDER BY timestamp ASC, id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []Report{}
	for rows.Next() {
		var r Report
		var state string
		if err := rows.Scan(&state, &r.Reference, &r.Error, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r.State = poller.State(state)
		history = append(history, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
