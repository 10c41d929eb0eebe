package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/dispatch/internal/chain"
)

// SaveChain stores the whole chain record, replacing any previous version in
// a single transaction.
func (s *SQLiteStore) SaveChain(ctx context.Context, c *chain.Chain) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode chain: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chains (id, name, status, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP
		`, c.ID, c.Name, string(c.Status), string(payload), c.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert chain: %w", err)
		}
		return nil
	})
}

// LoadChain returns the stored chain. Unknown IDs yield chain.ErrNotFound.
func (s *SQLiteStore) LoadChain(ctx context.Context, id string) (*chain.Chain, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM chains WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chain: %w", err)
	}
	return decodeChain(payload)
}

// ListChains returns all stored chains, newest first.
func (s *SQLiteStore) ListChains(ctx context.Context) ([]*chain.Chain, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM chains
		ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}
	defer rows.Close()

	chains := []*chain.Chain{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		c, err := decodeChain(payload)
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}
	return chains, nil
}

func decodeChain(payload string) (*chain.Chain, error) {
	var c chain.Chain
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("failed to decode chain: %w", err)
	}
	return &c, nil
}
