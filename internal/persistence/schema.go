package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		key TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		labels TEXT,
		state TEXT NOT NULL,
		reference TEXT,
		error TEXT,
		chain_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS item_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_key TEXT NOT NULL,
		state TEXT NOT NULL,
		reference TEXT,
		error TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (item_key) REFERENCES items(key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_item_reports_key_timestamp
		ON item_reports(item_key, timestamp);

	CREATE TABLE IF NOT EXISTS chains (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
