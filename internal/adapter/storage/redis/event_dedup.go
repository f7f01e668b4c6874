package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventDedupStore implements ports.EventDeduplicator using Redis SET NX.
type EventDedupStore struct {
	client *goredis.Client
	prefix string
}

// NewEventDedupStore creates a new Redis-backed webhook event dedup store.
func NewEventDedupStore(client *goredis.Client) *EventDedupStore {
	return &EventDedupStore{
		client: client,
		prefix: "webhook_event:",
	}
}

func (s *EventDedupStore) key(source, eventID string) string {
	return s.prefix + source + ":" + eventID
}

// Claim atomically marks an event as seen.
// Returns true if this caller is the first to see it.
func (s *EventDedupStore) Claim(ctx context.Context, source string, eventID string, ttl time.Duration) (bool, error) {
	result, err := s.client.SetArgs(ctx, s.key(source, eventID), 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis event claim: %w", err)
	}
	return result == "OK", nil
}

// Release drops the mark after a failed handler so redelivery is processed.
func (s *EventDedupStore) Release(ctx context.Context, source string, eventID string) error {
	if err := s.client.Del(ctx, s.key(source, eventID)).Err(); err != nil {
		return fmt.Errorf("redis event release: %w", err)
	}
	return nil
}
