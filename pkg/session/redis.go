package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "counsel:session:"
	redisIndexKey  = "counsel:sessions"
)

// RedisOptions configures a RedisStore connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL expires snapshots not saved for this long. Zero keeps them.
	TTL time.Duration
}

// RedisStore keeps one JSON snapshot per session under
// counsel:session:<id>, with the set counsel:sessions indexing the ids.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	closed atomic.Bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership and closes the client on Close.
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return redisKeyPrefix + sessionID
}

// Save writes the snapshot and refreshes its expiry.
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if snap.Turns == nil {
		snap.Turns = copyTurns(nil)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(snap.SessionID), data, s.ttl)
	pipe.SAdd(ctx, redisIndexKey, snap.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

// Load reads a snapshot. Expired snapshots are reported as not found.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	data, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			_ = s.rdb.SRem(ctx, redisIndexKey, sessionID).Err()
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot and its index entry.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, redisIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List returns indexed sessions ordered by id, pruning index entries whose
// snapshot has expired.
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	ids, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]Info, 0, len(ids))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", ids[i], err)
		}
		out = append(out, Info{SessionID: ids[i], Turns: len(snap.Turns), UpdatedAt: snap.UpdatedAt})
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, redisIndexKey, stale...).Err()
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rdb.Close()
}
