package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtypes "github.com/syscall-sdk/relayer/types"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour), mr
}

func stores(t *testing.T) map[string]AuthorizationStore {
	rs, _ := newRedisStore(t)
	return map[string]AuthorizationStore{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "1", "jti-a", time.Minute))

			res, err := s.Claim(ctx, "1", "jti-a")
			require.NoError(t, err)
			assert.Equal(t, Claimed, res)

			res, err = s.Claim(ctx, "1", "jti-a")
			require.NoError(t, err)
			assert.Equal(t, AlreadyUsed, res)

			err = s.Put(ctx, "1", "jti-b", time.Minute)
			assert.ErrorIs(t, err, rtypes.ErrAlreadyConsumed)

			res, err = s.Claim(ctx, "2", "jti-x")
			require.NoError(t, err)
			assert.Equal(t, NotPending, res)
		})
	}
}

func TestReissueSupersedesOlderToken(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "7", "old", time.Minute))
			require.NoError(t, s.Put(ctx, "7", "new", time.Minute))

			res, err := s.Claim(ctx, "7", "old")
			require.NoError(t, err)
			assert.Equal(t, NotPending, res)

			res, err = s.Claim(ctx, "7", "new")
			require.NoError(t, err)
			assert.Equal(t, Claimed, res)
		})
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "3", "jti", time.Minute))
			require.NoError(t, s.Revoke(ctx, "3"))

			res, err := s.Claim(ctx, "3", "jti")
			require.NoError(t, err)
			assert.Equal(t, NotPending, res)

			// Revoking does not burn the payment; a fresh token can be issued.
			require.NoError(t, s.Put(ctx, "3", "jti-2", time.Minute))
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "42", "jti", time.Minute))

			var claimed, used atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Claim(ctx, "42", "jti")
					assert.NoError(t, err)
					switch res {
					case Claimed:
						claimed.Add(1)
					case AlreadyUsed:
						used.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), claimed.Load())
			assert.Equal(t, int32(15), used.Load())
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(
		WithClock(func() time.Time { return now }),
		WithUsedRetention(time.Hour),
	)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "1", "jti", time.Minute))
	assert.Equal(t, 1, s.Len())

	now = now.Add(time.Minute)
	res, err := s.Claim(ctx, "1", "jti")
	require.NoError(t, err)
	assert.Equal(t, NotPending, res, "token expired")
	assert.Zero(t, s.Len())

	require.NoError(t, s.Put(ctx, "2", "jti", time.Minute))
	_, err = s.Claim(ctx, "2", "jti")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	assert.NoError(t, s.Put(ctx, "2", "again", time.Minute), "used marker retention elapsed")
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "1", "jti", time.Minute))
	assert.True(t, mr.Exists(pendingPrefix+"1"))

	mr.FastForward(time.Minute + time.Second)
	res, err := s.Claim(ctx, "1", "jti")
	require.NoError(t, err)
	assert.Equal(t, NotPending, res)

	require.NoError(t, s.Put(ctx, "2", "jti", time.Minute))
	_, err = s.Claim(ctx, "2", "jti")
	require.NoError(t, err)
	assert.True(t, mr.Exists(usedPrefix+"2"))
	assert.InDelta(t, time.Hour.Seconds(), mr.TTL(usedPrefix+"2").Seconds(), 1)
}

func TestRedisQueueFIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, rtypes.ConsumptionJob{PaymentRef: "1", Attempt: 1}))
	require.NoError(t, q.Push(ctx, rtypes.ConsumptionJob{PaymentRef: "2", Attempt: 3}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", job.PaymentRef)

	job, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", job.PaymentRef)
	assert.Equal(t, 3, job.Attempt)
}

func TestRedisQueuePopHonoursContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
