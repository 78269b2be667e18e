// Package seq provides the monotonic sequence allocator backing FIFO
// dispatch order. Redis INCR keeps the sequence monotonic across orchestrator
// restarts and replicas.
package seq

import (
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/orchestrator/internal/domain"
)

const sequenceKey = "convert:job:seq"

// RedisSequencer allocates sequence numbers via Redis INCR.
type RedisSequencer struct {
	rdb *redis.Client
}

// NewRedisSequencer constructs a sequencer on the given client.
func NewRedisSequencer(rdb *redis.Client) *RedisSequencer {
	return &RedisSequencer{rdb: rdb}
}

// Next returns the next sequence number.
func (s *RedisSequencer) Next(ctx domain.Context) (int64, error) {
	n, err := s.rdb.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=seq.next: %w: %v", domain.ErrStorageUnavailable, err)
	}
	return n, nil
}

// Ping reports Redis reachability; used by the readiness probe.
func (s *RedisSequencer) Ping(ctx domain.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// LocalSequencer is an in-process fallback for single-instance deployments
// and tests. Numbers restart at 1 on process restart, which is acceptable
// only when the queue is empty at startup.
type LocalSequencer struct {
	n atomic.Int64
}

// NewLocalSequencer constructs a LocalSequencer.
func NewLocalSequencer() *LocalSequencer { return &LocalSequencer{} }

// Next returns the next sequence number.
func (s *LocalSequencer) Next(_ domain.Context) (int64, error) {
	return s.n.Add(1), nil
}
