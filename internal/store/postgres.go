package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements SessionLog on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (p *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS session_values (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, key)
	);
	CREATE TABLE IF NOT EXISTS session_items (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_session_items_key ON session_items(session_id, key, id);
	`
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the value or list stored at key.
func (p *PostgresStore) Get(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM session_values WHERE session_id = $1 AND key = $2`,
		sessionID, key,
	).Scan(&value)
	if err == nil {
		return json.RawMessage(value), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	items, err := p.List(ctx, sessionID, key, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return joinItems(items), nil
}

// Set replaces the value stored at key.
func (p *PostgresStore) Set(ctx context.Context, sessionID, key string, value json.RawMessage) error {
	query := `
	INSERT INTO session_values (session_id, key, value, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (session_id, key) DO UPDATE SET
		value = EXCLUDED.value,
		updated_at = EXCLUDED.updated_at`
	if _, err := p.pool.Exec(ctx, query, sessionID, key, string(value)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Push appends an item to the list at key.
func (p *PostgresStore) Push(ctx context.Context, sessionID, key string, item json.RawMessage) error {
	query := `INSERT INTO session_items (session_id, key, value) VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, query, sessionID, key, string(item)); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// List returns the last limit items at key in append order.
func (p *PostgresStore) List(ctx context.Context, sessionID, key string, limit int) ([]json.RawMessage, error) {
	query := `
	SELECT value FROM (
		SELECT id, value FROM session_items
		WHERE session_id = $1 AND key = $2
		ORDER BY id DESC
		LIMIT $3
	) recent ORDER BY id ASC`

	var sqlLimit any
	if limit > 0 {
		sqlLimit = limit
	}

	rows, err := p.pool.Query(ctx, query, sessionID, key, sqlLimit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}

	items := make([]json.RawMessage, len(values))
	for i, v := range values {
		items[i] = json.RawMessage(v)
	}
	return items, nil
}

// Ping verifies database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
