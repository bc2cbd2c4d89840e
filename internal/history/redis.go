// Package history stores conversation turns outside the relational store
// and derives simple metrics from them.
package history

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/chatbridge/internal/storage"
)

const defaultKeyPrefix = "chatbridge:history:"

// RedisStore keeps each session as a Redis list of JSON-encoded turns,
// oldest first. Turn ids are ULIDs so they sort by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	entropy io.Reader
}

type redisTurn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenRedis connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

// NewRedisStore wraps an existing client. An empty prefix uses the default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Turns returns all turns of a session in the order they were appended.
func (s *RedisStore) Turns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	turns := make([]storage.Turn, 0, len(raw))
	for _, r := range raw {
		var rt redisTurn
		if err := json.Unmarshal([]byte(r), &rt); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		turns = append(turns, storage.Turn{
			ID:        rt.ID,
			SessionID: sessionID,
			Role:      rt.Role,
			Content:   rt.Content,
			CreatedAt: rt.CreatedAt,
		})
	}
	return turns, nil
}

// AppendTurns appends turns atomically in one MULTI/EXEC transaction.
func (s *RedisStore) AppendTurns(ctx context.Context, sessionID string, turns ...storage.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, t := range turns {
		if t.Role != storage.RoleUser && t.Role != storage.RoleAssistant {
			return fmt.Errorf("appending turn: unknown role %q", t.Role)
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		b, err := json.Marshal(redisTurn{
			ID:        s.newID(createdAt),
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: createdAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("encoding turn: %w", err)
		}
		values = append(values, string(b))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key(sessionID), values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending turns: %w", err)
	}
	return nil
}

// DeleteSession removes every turn of a session and reports how many there were.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	var n *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.LLen(ctx, s.key(sessionID))
		pipe.Del(ctx, s.key(sessionID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting session: %w", err)
	}
	return int(n.Val()), nil
}
