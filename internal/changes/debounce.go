package changes

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DebounceCache remembers which change event is currently coalescing for a
// (document, container, field, author) key, so the hot path can skip the
// window query. Entries expire with the coalescing window, which also closes
// the lookup-then-write race the SQL path has.
type DebounceCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDebounceCache connects to Redis and verifies the connection.
func NewDebounceCache(redisURL string, ttl time.Duration) (*DebounceCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewDebounceCacheWithClient(client, ttl), nil
}

// NewDebounceCacheWithClient builds a cache from an existing Redis client.
func NewDebounceCacheWithClient(client *redis.Client, ttl time.Duration) *DebounceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DebounceCache{
		client: client,
		prefix: "coalesce:",
		ttl:    ttl,
	}
}

func (c *DebounceCache) key(in Input) string {
	authorKey := "ai"
	if in.AuthorID != nil {
		authorKey = *in.AuthorID
	}
	return fmt.Sprintf("%s%s:%s:%s:%s:%s", c.prefix, in.DocumentID, in.ContainerType, in.ContainerID, in.Field, authorKey)
}

// Lookup returns the event id coalescing for this key, or "" when none is.
func (c *DebounceCache) Lookup(ctx context.Context, in Input) (string, error) {
	eventID, err := c.client.Get(ctx, c.key(in)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("debounce lookup: %w", err)
	}
	return eventID, nil
}

// Remember arms (or re-arms) the key for one more coalescing window.
func (c *DebounceCache) Remember(ctx context.Context, in Input, eventID string) error {
	if err := c.client.Set(ctx, c.key(in), eventID, c.ttl).Err(); err != nil {
		return fmt.Errorf("debounce remember: %w", err)
	}
	return nil
}

func (c *DebounceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *DebounceCache) Close() error {
	return c.client.Close()
}
