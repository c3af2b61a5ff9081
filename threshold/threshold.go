// Package threshold implements the per-(publisher, URL) demand counter
// consulted by the read path before any work is admitted. The counter is
// a monotone Redis integer; a URL with configured threshold N is admitted
// on the request whose post-increment value equals N+1.
package threshold

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the Redis-backed demand counter.
type Counter struct {
	client *redis.Client
}

// NewCounter connects to Redis and verifies the connection.
func NewCounter(url string) (*Counter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Counter{client: client}, nil
}

// NewCounterWithClient wraps an existing client. Used by tests.
func NewCounterWithClient(client *redis.Client) *Counter {
	return &Counter{client: client}
}

// IncrementAndGetCount atomically increments the demand counter for the
// (url, publisher) pair and returns the post-increment value.
func (c *Counter) IncrementAndGetCount(ctx context.Context, url, publisherID string) (int64, error) {
	count, err := c.client.Incr(ctx, key(url, publisherID)).Result()
	if err != nil {
		return 0, fmt.Errorf("db_error: increment threshold counter: %w", err)
	}
	return count, nil
}

// GetCount returns the current demand counter without incrementing.
// Missing keys read as zero.
func (c *Counter) GetCount(ctx context.Context, url, publisherID string) (int64, error) {
	count, err := c.client.Get(ctx, key(url, publisherID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db_error: read threshold counter: %w", err)
	}
	return count, nil
}

// Close closes the Redis connection.
func (c *Counter) Close() error { return c.client.Close() }

func key(url, publisherID string) string {
	return "threshold:" + publisherID + ":" + url
}
