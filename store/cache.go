package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentrun/workflow"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheGenKey = "agentrun:similar:gen"

// RetrievalCache memoizes FindSimilar results in Redis. The cache key
// embeds a generation counter bumped on every store mutation, so stale
// entries are never served and simply age out via TTL.
type RetrievalCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRetrievalCache wraps a Redis client. ttl <= 0 defaults to ten minutes.
func NewRetrievalCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RetrievalCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RetrievalCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "retrieval_cache")),
	}
}

type cachedScored struct {
	Template *workflow.Template `json:"template"`
	Score    float64            `json:"score"`
}

func (c *RetrievalCache) key(ctx context.Context, question string, k int) string {
	gen, err := c.client.Get(ctx, cacheGenKey).Result()
	if err != nil {
		gen = "0"
	}
	sum := sha256.Sum256([]byte(question))
	return fmt.Sprintf("agentrun:similar:%s:%d:%s", gen, k, hex.EncodeToString(sum[:])[:16])
}

// Get returns the cached result for (question, k) if present.
func (c *RetrievalCache) Get(ctx context.Context, question string, k int) ([]Scored, bool) {
	data, err := c.client.Get(ctx, c.key(ctx, question, k)).Bytes()
	if err != nil {
		return nil, false
	}
	var cached []cachedScored
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.Error(err))
		return nil, false
	}
	out := make([]Scored, len(cached))
	for i, item := range cached {
		out[i] = Scored{Template: item.Template, Score: item.Score}
	}
	return out, true
}

// Put stores the result for (question, k). Failures are logged and dropped.
func (c *RetrievalCache) Put(ctx context.Context, question string, k int, scored []Scored) {
	cached := make([]cachedScored, len(scored))
	for i, item := range scored {
		cached[i] = cachedScored{Template: item.Template, Score: item.Score}
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(ctx, question, k), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}

// Invalidate bumps the generation counter, orphaning every cached result.
func (c *RetrievalCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, cacheGenKey).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

func (s *Store) cacheLookup(question string, k int) ([]Scored, bool) {
	if s.cache == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return s.cache.Get(ctx, question, k)
}

func (s *Store) cacheStore(question string, k int, scored []Scored) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.cache.Put(ctx, question, k, scored)
}

func (s *Store) invalidateCache() {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.cache.Invalidate(ctx)
}
