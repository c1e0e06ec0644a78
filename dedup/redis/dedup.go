package redis

import (
	"context"
	"reflect"
	"time"

	"github.com/outboxkit/customers/consumer"
	"github.com/redis/go-redis/v9"
)

const (
	seenKeyPrefix  = "outbox:seen:"
	defaultSeenTTL = 24 * time.Hour
)

// redisClient is a helper interface to work with redis.Client.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Deduplicator keeps a bounded recently-seen set of outbox record
// identifiers in Redis. The TTL bounds the set: an entry that expires
// degrades the guarantee back to at-least-once for that record, which is
// the accepted tradeoff.
type Deduplicator struct {
	client redisClient
	ttl    time.Duration
}

var _ consumer.Deduplicator = (*Deduplicator)(nil)

func New(client redisClient, ttl time.Duration) *Deduplicator {
	if client == nil || reflect.ValueOf(client).IsNil() {
		panic("client is mandatory")
	}
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &Deduplicator{
		client: client,
		ttl:    ttl,
	}
}

// FirstSeen atomically claims id for this consumer group; SETNX reports
// whether the key was newly set.
func (d *Deduplicator) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, seenKeyPrefix+id, 1, d.ttl).Result()
}
