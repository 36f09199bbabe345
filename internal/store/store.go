// Package store provides the per-session key/value and append-only list log
// used to persist conversation history and session metadata.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when a key holds neither a value nor a list.
var ErrNotFound = errors.New("session key not found")

// SessionLog is a per-session key/value store with atomic list appends.
//
// List items keep append order. Get on a key that only has list items
// returns those items as a JSON array.
type SessionLog interface {
	// Get returns the raw JSON stored at key.
	Get(ctx context.Context, sessionID, key string) (json.RawMessage, error)

	// Set replaces the value stored at key.
	Set(ctx context.Context, sessionID, key string, value json.RawMessage) error

	// Push appends one item to the list at key.
	Push(ctx context.Context, sessionID, key string, item json.RawMessage) error

	// List returns the last limit items at key in append order. A limit of
	// zero or less returns every item.
	List(ctx context.Context, sessionID, key string, limit int) ([]json.RawMessage, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options selects and configures a SessionLog backend.
type Options struct {
	Backend     string
	SQLitePath  string
	RedisURL    string
	PostgresURL string
}

// Open creates the SessionLog named by opts.Backend.
func Open(ctx context.Context, opts Options) (SessionLog, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite, "":
		return NewSQLite(opts.SQLitePath)
	case BackendRedis:
		return NewRedis(opts.RedisURL)
	case BackendPostgres:
		return NewPostgres(ctx, opts.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || limit >= len(items) {
		return items
	}
	return items[len(items)-limit:]
}

func joinItems(items []json.RawMessage) json.RawMessage {
	if len(items) == 0 {
		return json.RawMessage("[]")
	}
	size := 2
	for _, it := range items {
		size += len(it) + 1
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, it := range items {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, it...)
	}
	return append(out, ']')
}
