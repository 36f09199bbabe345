package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionLog using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite creates a SQLite-backed session log at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_values (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, key)
	);

	CREATE TABLE IF NOT EXISTS session_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_items_key ON session_items(session_id, key, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the value or list stored at key.
func (s *SQLiteStore) Get(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_values WHERE session_id = ? AND key = ?`,
		sessionID, key,
	).Scan(&value)
	if err == nil {
		return json.RawMessage(value), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	items, err := s.List(ctx, sessionID, key, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return joinItems(items), nil
}

// Set replaces the value stored at key.
func (s *SQLiteStore) Set(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO session_values (session_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, sessionID, key, string(value), time.Now().Unix()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Push appends an item to the list at key.
func (s *SQLiteStore) Push(ctx context.Context, sessionID, key string, item json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `INSERT INTO session_items (session_id, key, value, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, sessionID, key, string(item), time.Now().Unix()); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// List returns the last limit items at key in append order.
func (s *SQLiteStore) List(ctx context.Context, sessionID, key string, limit int) ([]json.RawMessage, error) {
	query := `
	SELECT value FROM (
		SELECT id, value FROM session_items
		WHERE session_id = ? AND key = ?
		ORDER BY id DESC
		LIMIT ?
	) ORDER BY id ASC`

	// SQLite treats a negative LIMIT as unbounded.
	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID, key, sqlLimit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	defer rows.Close()

	var items []json.RawMessage
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s item: %w", key, err)
		}
		items = append(items, json.RawMessage(value))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s items: %w", key, err)
	}
	return items, nil
}
