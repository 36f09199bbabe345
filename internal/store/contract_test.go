package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) SessionLog {
	t.Helper()

	b := map[string]func(t *testing.T) SessionLog{
		"memory": func(*testing.T) SessionLog { return NewMemory() },
		"sqlite": func(t *testing.T) SessionLog {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) SessionLog {
			mr := miniredis.RunT(t)
			return NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		},
	}
	if url := os.Getenv("AMA_TEST_DATABASE_URL"); url != "" {
		b["postgres"] = func(t *testing.T) SessionLog {
			s, err := NewPostgres(context.Background(), url)
			require.NoError(t, err)
			return s
		}
	}
	return b
}

// uniqueSession keeps postgres runs isolated from earlier test data.
func uniqueSession(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s-%s", t.Name(), name, uuid.NewString())
}

func TestSessionLogContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := open(t)
			t.Cleanup(func() { _ = log.Close() })
			require.NoError(t, log.Ping(ctx))

			sid := uniqueSession(t, "s1")

			t.Run("missing key", func(t *testing.T) {
				_, err := log.Get(ctx, sid, "nope")
				assert.ErrorIs(t, err, ErrNotFound)

				items, err := log.List(ctx, sid, "nope", 0)
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("set replaces", func(t *testing.T) {
				require.NoError(t, log.Set(ctx, sid, "session", json.RawMessage(`{"session_id":"a"}`)))
				require.NoError(t, log.Set(ctx, sid, "session", json.RawMessage(`{"session_id":"b"}`)))
				got, err := log.Get(ctx, sid, "session")
				require.NoError(t, err)
				assert.JSONEq(t, `{"session_id":"b"}`, string(got))
			})

			t.Run("push keeps order and limit takes the tail", func(t *testing.T) {
				for i := 1; i <= 5; i++ {
					require.NoError(t, log.Push(ctx, sid, "messages", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
				}

				all, err := log.List(ctx, sid, "messages", 0)
				require.NoError(t, err)
				require.Len(t, all, 5)
				assert.JSONEq(t, `{"n":1}`, string(all[0]))
				assert.JSONEq(t, `{"n":5}`, string(all[4]))

				last, err := log.List(ctx, sid, "messages", 2)
				require.NoError(t, err)
				require.Len(t, last, 2)
				assert.JSONEq(t, `{"n":4}`, string(last[0]))
				assert.JSONEq(t, `{"n":5}`, string(last[1]))

				raw, err := log.Get(ctx, sid, "messages")
				require.NoError(t, err)
				var decoded []map[string]int
				require.NoError(t, json.Unmarshal(raw, &decoded))
				assert.Len(t, decoded, 5)
			})

			t.Run("sessions are isolated", func(t *testing.T) {
				other := uniqueSession(t, "s2")
				items, err := log.List(ctx, other, "messages", 0)
				require.NoError(t, err)
				assert.Empty(t, items)
			})

			t.Run("concurrent pushes are all kept", func(t *testing.T) {
				key := "concurrent"
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						assert.NoError(t, log.Push(ctx, sid, key, json.RawMessage(fmt.Sprintf(`%d`, i))))
					}(i)
				}
				wg.Wait()

				items, err := log.List(ctx, sid, key, 0)
				require.NoError(t, err)
				assert.Len(t, items, 20)
			})
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenMemoryAndSQLite(t *testing.T) {
	t.Parallel()

	mem, err := Open(context.Background(), Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	lite, err := Open(context.Background(), Options{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x", "s.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	assert.IsType(t, &SQLiteStore{}, lite)
}
