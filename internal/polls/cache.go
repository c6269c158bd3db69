package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	redisCache "github.com/go-redis/cache/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/livepoll/backend/internal/models"
)

const (
	cacheKeyPrefix = "poll:result:"
	// invalidationChannel tells every instance to drop its in-process copy of a poll aggregate.
	invalidationChannel = "poll:invalidate"
)

// Cache is a cache-aside store for poll aggregates: an in-process TinyLFU tier in front of
// an optional shared Redis tier. Entries live at most ttl and are dropped on every vote.
type Cache struct {
	codec  *redisCache.Cache
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache builds the aggregate cache. rdb may be nil, in which case only the local tier is used
// and invalidations stay on this instance.
func NewCache(rdb *redis.Client, ttl time.Duration, localSize int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if localSize <= 0 {
		localSize = 1000
	}
	opts := &redisCache.Options{
		LocalCache: redisCache.NewTinyLFU(localSize, ttl),
		Marshal: func(v interface{}) ([]byte, error) {
			return msgpack.Marshal(v)
		},
		Unmarshal: func(b []byte, v interface{}) error {
			return msgpack.Unmarshal(b, v)
		},
	}
	if rdb != nil {
		opts.Redis = rdb
	}
	return &Cache{codec: redisCache.New(opts), rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(pollID uuid.UUID) string {
	return cacheKeyPrefix + pollID.String()
}

// GetOrLoad returns the cached aggregate for pollID, calling load on a miss. Concurrent misses for
// the same poll share one load. Load errors are returned as-is and never cached.
func (c *Cache) GetOrLoad(ctx context.Context, pollID uuid.UUID, load func(context.Context) (*models.PollResult, error)) (*models.PollResult, error) {
	var res models.PollResult
	err := c.codec.Once(&redisCache.Item{
		Ctx:   ctx,
		Key:   cacheKey(pollID),
		Value: &res,
		TTL:   c.ttl,
		Do: func(item *redisCache.Item) (interface{}, error) {
			return load(item.Context())
		},
	})
	if err != nil {
		return nil, err
	}
	// msgpack decodes timestamps in the local zone
	res.UTC()
	return &res, nil
}

// Invalidate drops the aggregate from both tiers and tells other instances to drop their local copy.
func (c *Cache) Invalidate(ctx context.Context, pollID uuid.UUID) error {
	err := c.codec.Delete(ctx, cacheKey(pollID))
	if err != nil && !errors.Is(err, redisCache.ErrCacheMiss) {
		return fmt.Errorf("cache delete: %w", err)
	}
	if c.rdb != nil {
		if err := c.rdb.Publish(ctx, invalidationChannel, pollID.String()).Err(); err != nil {
			return fmt.Errorf("publish invalidation: %w", err)
		}
	}
	return nil
}

// ListenInvalidations drops local entries named on the invalidation channel until ctx is done.
// It returns immediately when the cache has no Redis tier.
func (c *Cache) ListenInvalidations(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	pubsub := c.rdb.Subscribe(ctx, invalidationChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		c.logger.Warn("cache invalidation subscribe failed", zap.Error(err))
		return
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			pollID, err := uuid.Parse(msg.Payload)
			if err != nil {
				continue
			}
			c.codec.DeleteFromLocalCache(cacheKey(pollID))
		}
	}
}
