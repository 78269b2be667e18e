package seq_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/orchestrator/internal/adapter/seq"
	"github.com/clipforge/orchestrator/internal/domain"
)

func TestRedisSequencer_Monotonic(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := seq.NewRedisSequencer(rdb)
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 10; i++ {
		n, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
	require.NoError(t, s.Ping(ctx))
}

func TestRedisSequencer_UniqueUnderConcurrency(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := seq.NewRedisSequencer(rdb)
	ctx := context.Background()

	const n = 50
	var mu sync.Mutex
	seen := make(map[int64]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestRedisSequencer_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := seq.NewRedisSequencer(rdb)
	mr.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestLocalSequencer(t *testing.T) {
	s := seq.NewLocalSequencer()
	ctx := context.Background()
	a, err := s.Next(ctx)
	require.NoError(t, err)
	b, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, a+1, b)
}
