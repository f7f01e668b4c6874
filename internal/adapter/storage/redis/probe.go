package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// CacheProbe checks the Redis instance backing idempotency replay, webhook
// dedup and rate limits.
type CacheProbe struct {
	client *goredis.Client
}

func NewCacheProbe(client *goredis.Client) *CacheProbe {
	return &CacheProbe{client: client}
}

func (p *CacheProbe) Component() string { return "cache" }

func (p *CacheProbe) Probe(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("probe cache: %w", err)
	}
	return nil
}
