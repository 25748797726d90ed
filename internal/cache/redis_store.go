package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the optional Redis-backed alternate Store
// implementation for deployments sharing the cache across multiple
// orchestrator processes — the spec's single-process in-memory
// assumption still holds for MemoryStore, but this lets the same
// content-hash keying survive a restart. Grounded on
// worker/internal/redis/redis.go's thin *redis.Client wrapper
// (Connect/PublishProgress/SubscribeToCancellations), generalized from
// pub/sub messaging to a bounded key-value cache using Redis's native
// TTL instead of the sweeper-based expiry the teacher uses for tasks.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

type redisEntry struct {
	Kind      string          `json:"kind"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

func redisKey(hash [32]byte) string {
	return "notepipe:cache:" + hex.EncodeToString(hash[:])
}

func (r *RedisStore) Get(ctx context.Context, hash [32]byte) (CacheEntry, bool) {
	raw, err := r.Client.Get(ctx, redisKey(hash)).Bytes()
	if err != nil {
		return CacheEntry{}, false
	}
	var decoded redisEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CacheEntry{}, false
	}
	var result any
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		return CacheEntry{}, false
	}
	return CacheEntry{Hash: hash, Kind: decoded.Kind, Result: result, CreatedAt: decoded.CreatedAt}, true
}

func (r *RedisStore) Put(ctx context.Context, entry CacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(redisEntry{Kind: entry.Kind, Result: resultJSON, CreatedAt: entry.CreatedAt})
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, redisKey(entry.Hash), payload, r.TTL).Err()
}
