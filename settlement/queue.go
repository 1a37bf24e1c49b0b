package settlement

import (
	"context"

	"github.com/syscall-sdk/relayer/types"
)

// Queue holds consumptions that still have to reach the chain. The Redis
// implementation lives in the store package.
type Queue interface {
	Push(ctx context.Context, job types.ConsumptionJob) error
	// Pop blocks until a job is available or ctx is done.
	Pop(ctx context.Context) (types.ConsumptionJob, error)
}

// Drainer is implemented by queues that lose their jobs when the process
// exits. Run empties them before returning.
type Drainer interface {
	// Drain removes and returns every queued job without blocking.
	Drain() []types.ConsumptionJob
}

// MemoryQueue is a bounded in-process queue. Jobs are lost on restart.
type MemoryQueue struct {
	jobs chan types.ConsumptionJob
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{jobs: make(chan types.ConsumptionJob, capacity)}
}

func (q *MemoryQueue) Push(ctx context.Context, job types.ConsumptionJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return types.Errorf(types.ErrCodeInternal, "consumption queue full, payment %s not queued", job.PaymentRef)
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (types.ConsumptionJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return types.ConsumptionJob{}, ctx.Err()
	}
}

func (q *MemoryQueue) Drain() []types.ConsumptionJob {
	var jobs []types.ConsumptionJob
	for {
		select {
		case job := <-q.jobs:
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
