package embedder

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores embeddings in Redis so multiple instances share one
// cache. Values are packed as little-endian float32; failures degrade to
// cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed embedding cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "emb:"}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("embedding cache get failed", "error", err)
		}
		return nil, false
	}
	if len(data)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, true
}

func (r *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	data := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		slog.Warn("embedding cache set failed", "error", err)
	}
}

var _ CacheBackend = (*RedisCache)(nil)
