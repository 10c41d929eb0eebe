// Package persistence stores item states and chain records in SQLite. The
// item table is the state source the poller reads and the place detached
// workers report their outcome to.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/scheduler"
)

// ErrItemNotFound is returned when reporting on an item that was never
// registered.
var ErrItemNotFound = errors.New("item not found")

// queryTimeout bounds every single store operation.
const queryTimeout = 5 * time.Second

// ItemRecord is the stored view of a work item.
type ItemRecord struct {
	Key       string       `json:"key"`
	Title     string       `json:"title"`
	Labels    []string     `json:"labels,omitempty"`
	State     poller.State `json:"state"`
	Reference string       `json:"reference,omitempty"`
	Error     string       `json:"error,omitempty"`
	ChainID   string       `json:"chain_id,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Report is one state report in an item's history.
type Report struct {
	State     poller.State `json:"state"`
	Reference string       `json:"reference,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Store defines the persistence interface for items and chains.
type Store interface {
	poller.StateSource
	chain.Store

	// Item operations
	UpsertItem(ctx context.Context, item *scheduler.WorkItem, chainID string) error
	ReportItem(ctx context.Context, key string, state poller.State, reference, errMsg string) error
	ListItems(ctx context.Context) ([]ItemRecord, error)
	History(ctx context.Context, key string) ([]Report, error)

	// Chain listing
	ListChains(ctx context.Context) ([]*chain.Chain, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own database, shared between that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Pollers read while workers report; two connections avoid starving either.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a serializable transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
