package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	rtypes "github.com/syscall-sdk/relayer/types"
)

const (
	pendingPrefix = "syscall:auth:pending:"
	usedPrefix    = "syscall:auth:used:"
)

// KEYS[1] pending, KEYS[2] used; ARGV[1] token id, ARGV[2] ttl in ms.
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS[1] pending, KEYS[2] used; ARGV[1] token id, ARGV[2] used retention in ms.
var claimScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
  return 1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 2
end
return 3
`)

// RedisStore shares authorizations between relayer replicas. Put and Claim
// run as Lua scripts so each is a single atomic step on the server.
type RedisStore struct {
	client        redis.UniversalClient
	usedRetention time.Duration
}

var _ AuthorizationStore = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, usedRetention time.Duration) *RedisStore {
	if usedRetention <= 0 {
		usedRetention = DefaultUsedRetention
	}
	return &RedisStore{client: client, usedRetention: usedRetention}
}

// DialRedis connects to addr and checks the server answers.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, rtypes.NewError(rtypes.ErrCodeInternal, "redis unreachable at "+addr, err)
	}
	return client, nil
}

func (s *RedisStore) Put(ctx context.Context, paymentRef, tokenID string, ttl time.Duration) error {
	keys := []string{pendingPrefix + paymentRef, usedPrefix + paymentRef}
	ok, err := putScript.Run(ctx, s.client, keys, tokenID, ttl.Milliseconds()).Int()
	if err != nil {
		return rtypes.NewError(rtypes.ErrCodeInternal, "store authorization", err)
	}
	if ok == 0 {
		return rtypes.Errorf(rtypes.ErrCodeAlreadyConsumed, "payment %s was already dispatched", paymentRef)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, paymentRef, tokenID string) (ClaimResult, error) {
	keys := []string{pendingPrefix + paymentRef, usedPrefix + paymentRef}
	res, err := claimScript.Run(ctx, s.client, keys, tokenID, s.usedRetention.Milliseconds()).Int()
	if err != nil {
		return 0, rtypes.NewError(rtypes.ErrCodeInternal, "claim authorization", err)
	}
	return ClaimResult(res), nil
}

func (s *RedisStore) Revoke(ctx context.Context, paymentRef string) error {
	if err := s.client.Del(ctx, pendingPrefix+paymentRef).Err(); err != nil {
		return rtypes.NewError(rtypes.ErrCodeInternal, "revoke authorization", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// isNil reports whether err is redis' "no such key" reply.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
