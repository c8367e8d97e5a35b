// Package cache keeps query embeddings in Redis so repeated searches skip the
// embedding service.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "docsearch:qemb:"

// DefaultTTL applies when NewRedis is given a non-positive ttl.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned by Get when no embedding is cached for the key.
var ErrMiss = errors.New("cache miss")

// Redis caches embeddings keyed by a namespace (typically the embedding
// model) and the normalized query text.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger zerolog.Logger
}

// NewRedis connects to url (redis://[:password@]host:port/db) and verifies the
// connection with a PING.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedis(rdb, ttl), nil
}

func newRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		logger: log.Logger.With().Str("component", "embedding-cache").Logger(),
	}
}

func (c *Redis) Get(ctx context.Context, namespace, text string) ([]float32, error) {
	data, err := c.rdb.Get(ctx, Key(namespace, text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (c *Redis) Set(ctx context.Context, namespace, text string, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, Key(namespace, text), data, c.ttl).Err()
}

// GetOrCompute returns the cached embedding for text, or calls compute and
// caches its result. Concurrent misses for the same key share one compute
// call. Cache failures are logged and never returned; only compute errors are.
func (c *Redis) GetOrCompute(
	ctx context.Context,
	namespace, text string,
	compute func(context.Context) ([]float32, error),
) ([]float32, bool, error) {
	if vec, ok := c.lookup(ctx, namespace, text); ok {
		return vec, true, nil
	}
	key := Key(namespace, text)
	val, err, _ := c.group.Do(key, func() (any, error) {
		if vec, ok := c.lookup(ctx, namespace, text); ok {
			return vec, nil
		}
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, namespace, text, vec); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		}
		return vec, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]float32), false, nil
}

func (c *Redis) lookup(ctx context.Context, namespace, text string) ([]float32, bool) {
	vec, err := c.Get(ctx, namespace, text)
	switch {
	case err == nil:
		return vec, true
	case !errors.Is(err, ErrMiss):
		c.logger.Warn().Err(err).Msg("cache get failed")
	}
	return nil, false
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key returns the Redis key for text under namespace. Queries differing only
// in surrounding or repeated whitespace share a key.
func Key(namespace, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	hash := sha256.Sum256([]byte(namespace + "\x00" + normalized))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

func decode(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("decode cached embedding: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("decode cached embedding: empty vector")
	}
	return vec, nil
}
