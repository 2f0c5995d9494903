// Package cache keeps derived unread counters in Redis. The message log stays
// authoritative; entries are dropped on every write and rebuilt on read or by
// the periodic reconciliation job.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMiss  = errors.New("cache: miss")
	ErrStale = errors.New("cache: stale generation")
)

// UnreadCache stores one hash per conversation: field = viewer id,
// value = unread count for that viewer. Each conversation also has a
// generation counter bumped by Invalidate; a count computed before the bump
// is refused by Set.
type UnreadCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewUnreadCache(redisURL string, ttl time.Duration) (*UnreadCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewUnreadCacheWithClient(client, ttl), nil
}

func NewUnreadCacheWithClient(client *redis.Client, ttl time.Duration) *UnreadCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &UnreadCache{client: client, prefix: "unread:", ttl: ttl}
}

func (c *UnreadCache) key(conversationID int64) string {
	return c.prefix + strconv.FormatInt(conversationID, 10)
}

func (c *UnreadCache) Get(ctx context.Context, conversationID int64, viewerID int64) (int, error) {
	value, err := c.client.HGet(ctx, c.key(conversationID), strconv.FormatInt(viewerID, 10)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("get unread count: %w", err)
	}
	return value, nil
}

func (c *UnreadCache) generationKey(conversationID int64) string {
	return c.prefix + "gen:" + strconv.FormatInt(conversationID, 10)
}

// Generations returns the current generation of each conversation. Read it
// before computing a count and hand it back to Set.
func (c *UnreadCache) Generations(ctx context.Context, conversationIDs ...int64) (map[int64]int64, error) {
	generations := make(map[int64]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return generations, nil
	}

	keys := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		keys = append(keys, c.generationKey(id))
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get unread generations: %w", err)
	}

	for i, id := range conversationIDs {
		generations[id] = 0
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse unread generation %d: %w", id, err)
		}
		generations[id] = parsed
	}
	return generations, nil
}

// Set stores a count computed while the conversation was at generation. It
// returns ErrStale when Invalidate ran in between.
func (c *UnreadCache) Set(ctx context.Context, conversationID int64, viewerID int64, count int, generation int64) error {
	key := c.key(conversationID)
	genKey := c.generationKey(conversationID)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, strconv.FormatInt(viewerID, 10), count)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale), errors.Is(err, redis.TxFailedErr):
		return ErrStale
	default:
		return fmt.Errorf("set unread count: %w", err)
	}
}

// Invalidate drops every cached viewer count of the given conversations and
// bumps their generations.
func (c *UnreadCache) Invalidate(ctx context.Context, conversationIDs ...int64) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, id := range conversationIDs {
		pipe.Incr(ctx, c.generationKey(id))
		pipe.Del(ctx, c.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate unread counts: %w", err)
	}
	return nil
}

func (c *UnreadCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *UnreadCache) Close() error {
	return c.client.Close()
}
