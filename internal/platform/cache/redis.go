package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a new Redis client. Optional connections (the balance cache)
// pass required=false and get a nil client back when Redis is absent.
func New(ctx context.Context, addr string, required bool) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if required {
			return nil, fmt.Errorf("platform/cache: ping: %w", err)
		}
		return nil, nil
	}

	return client, nil
}
