package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists whole-tape snapshots for offline analysis
type SnapshotStore interface {
	Save(ctx context.Context, sessionID string, entries []Entry) error
	Load(ctx context.Context, sessionID string) ([]Entry, error)
}

// RedisStore keeps tape snapshots in Redis keyed by session, with a TTL
// so abandoned sessions age out
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore wraps an existing redis client
func NewRedisStore(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "tradepipe:tape"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Save serializes the snapshot as one JSON blob under the session key
func (s *RedisStore) Save(ctx context.Context, sessionID string, entries []Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal tape snapshot: %w", err)
	}

	if err := s.client.Set(ctx, s.key(sessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store tape snapshot: %w", err)
	}
	return nil
}

// Load fetches and decodes a previously saved snapshot
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	payload, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no tape snapshot for session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tape snapshot: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode tape snapshot: %w", err)
	}
	return entries, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + ":" + sessionID
}
