package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	rtypes "github.com/syscall-sdk/relayer/types"
)

const consumptionQueueKey = "syscall:consumption:queue"

// RedisQueue is a durable FIFO of pending consumptions. Jobs survive a
// relayer restart, so a delivered payment is eventually marked consumed.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	// poll bounds each blocking pop so Pop notices ctx cancellation.
	poll time.Duration
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, key: consumptionQueueKey, poll: time.Second}
}

func (q *RedisQueue) Push(ctx context.Context, job rtypes.ConsumptionJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return rtypes.NewError(rtypes.ErrCodeInternal, "encode consumption job", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return rtypes.NewError(rtypes.ErrCodeInternal, "enqueue consumption job", err)
	}
	return nil
}

// Pop blocks until a job is available or ctx is done.
func (q *RedisQueue) Pop(ctx context.Context) (rtypes.ConsumptionJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return rtypes.ConsumptionJob{}, err
		}
		res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if isNil(err) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return rtypes.ConsumptionJob{}, ctx.Err()
			}
			return rtypes.ConsumptionJob{}, rtypes.NewError(rtypes.ErrCodeInternal, "dequeue consumption job", err)
		}

		// BRPOP replies with [key, value].
		var job rtypes.ConsumptionJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return rtypes.ConsumptionJob{}, rtypes.NewError(rtypes.ErrCodeInternal, "decode consumption job", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
