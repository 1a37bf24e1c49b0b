package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/types"
	"golang.org/x/sync/singleflight"
)

// Settler records that a delivered payment may not be used again. On
// failure the returned hash, when non-zero, is a consumption transaction
// that was broadcast but not yet seen mined.
type Settler interface {
	MarkConsumed(ctx context.Context, paymentRef string) (common.Hash, error)
}

// Consumer is the owner-side chain access the recorder needs.
type Consumer interface {
	IsConsumed(ctx context.Context, paymentID *big.Int) (bool, error)
	ConsumePayment(ctx context.Context, paymentID *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

const (
	DefaultAttempts        = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultRequeueDelay    = 30 * time.Second
	DefaultMaxJobAttempts  = 20
	DefaultResendAfter     = 10 * time.Minute
	DefaultDrainTimeout    = 30 * time.Second
)

// Recorder flips the on-chain consumed flag. Calls for the same payment are
// collapsed into one in-flight transaction, and a payment already consumed
// is reported without sending anything.
type Recorder struct {
	chain   Consumer
	queue   Queue
	timeout time.Duration

	attempts        int
	initialInterval time.Duration
	requeueDelay    time.Duration
	maxJobAttempts  int
	resendAfter     time.Duration
	drainTimeout    time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	txs      map[string]common.Hash
	inflight map[string]inflightTx

	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

// inflightTx is a consumePayment broadcast whose receipt was not seen.
type inflightTx struct {
	hash   common.Hash
	sentAt time.Time
}

var _ Settler = (*Recorder)(nil)

type Option func(*Recorder)

// WithAttempts bounds the synchronous tries of one MarkConsumed call.
func WithAttempts(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.attempts = n
		}
	}
}

func WithInitialInterval(d time.Duration) Option {
	return func(r *Recorder) { r.initialInterval = d }
}

// WithTimeout bounds each chain round trip, including the wait for the
// consumption receipt.
func WithTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.timeout = d }
}

func WithQueue(q Queue) Option {
	return func(r *Recorder) { r.queue = q }
}

func WithRequeueDelay(d time.Duration) Option {
	return func(r *Recorder) { r.requeueDelay = d }
}

func WithMaxJobAttempts(n int) Option {
	return func(r *Recorder) { r.maxJobAttempts = n }
}

// WithResendAfter sets how long a broadcast consumption may stay unmined
// before it is considered dropped and sent again.
func WithResendAfter(d time.Duration) Option {
	return func(r *Recorder) { r.resendAfter = d }
}

// WithDrainTimeout bounds the shutdown drain of a non-durable queue.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.drainTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Recorder) { r.metrics = m }
}

func NewRecorder(chain Consumer, opts ...Option) *Recorder {
	r := &Recorder{
		chain:           chain,
		timeout:         2 * time.Minute,
		attempts:        DefaultAttempts,
		initialInterval: DefaultInitialInterval,
		requeueDelay:    DefaultRequeueDelay,
		maxJobAttempts:  DefaultMaxJobAttempts,
		resendAfter:     DefaultResendAfter,
		drainTimeout:    DefaultDrainTimeout,
		txs:             make(map[string]common.Hash),
		inflight:        make(map[string]inflightTx),
		now:             time.Now,
		logger:          logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue == nil {
		r.queue = NewMemoryQueue(1024)
	}
	return r
}

// MarkConsumed sends consumePayment for paymentRef. When the flag is already
// set it returns the hash of the transaction that set it, or
// types.ErrAlreadyConsumed if that transaction came from elsewhere; callers
// treat both as success. Exhausted retries yield types.ErrConsumptionFailed
// together with the hash of a still unmined consumption, if one was sent.
// Later calls wait on that transaction instead of broadcasting another.
func (r *Recorder) MarkConsumed(ctx context.Context, paymentRef string) (common.Hash, error) {
	id, ok := new(big.Int).SetString(paymentRef, 10)
	if !ok || id.Sign() < 0 {
		return common.Hash{}, types.Errorf(types.ErrCodeInvalidRequest, "invalid payment reference %q", paymentRef)
	}

	v, err, _ := r.group.Do(paymentRef, func() (any, error) {
		return r.markConsumed(ctx, id, paymentRef)
	})
	h, _ := v.(common.Hash)
	return h, err
}

func (r *Recorder) markConsumed(ctx context.Context, id *big.Int, ref string) (common.Hash, error) {
	if h, ok := r.remembered(ref); ok {
		return h, nil
	}

	start := r.now()
	attempt := 0

	op := func() (common.Hash, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		consumed, err := r.chain.IsConsumed(callCtx, id)
		if err != nil {
			return common.Hash{}, classify(err)
		}
		pending, hasPending := r.pending(ref)
		if consumed {
			if hasPending {
				r.clearPending(ref)
				return pending.hash, nil
			}
			return common.Hash{}, backoff.Permanent(types.Errorf(types.ErrCodeAlreadyConsumed, "payment %s already consumed", ref))
		}

		if hasPending {
			if r.now().Sub(pending.sentAt) < r.resendAfter {
				return r.awaitPending(callCtx, id, ref, pending.hash)
			}
			r.logger.Warn("consumption transaction never mined, sending again", map[string]any{
				"paymentId": ref,
				"txHash":    pending.hash.Hex(),
				"sentAt":    pending.sentAt,
			})
			r.clearPending(ref)
		}

		txHash, err := r.chain.ConsumePayment(callCtx, id)
		if err != nil {
			err = classify(err)
			var perm *backoff.PermanentError
			if txHash != (common.Hash{}) && !errors.As(err, &perm) {
				// Broadcast but unconfirmed: wait on it rather than send again.
				r.setPending(ref, txHash)
			}
			return common.Hash{}, err
		}
		return txHash, nil
	}

	notify := func(err error, wait time.Duration) {
		r.metrics.IncCounter(metrics.ConsumptionRetried, nil)
		r.logger.Warn("consumption attempt failed, retrying", map[string]any{
			"paymentId": ref,
			"attempt":   attempt,
			"wait":      wait,
			"error":     err,
		})
	}

	txHash, err := backoff.RetryNotifyWithData(op, r.policy(ctx), notify)
	r.metrics.ObserveLatency(metrics.LatencyConsumption, r.now().Sub(start), nil)

	switch {
	case err == nil:
		r.clearPending(ref)
		r.remember(ref, txHash)
		r.metrics.IncCounter(metrics.ConsumptionRecorded, nil)
		r.logger.Info("payment marked consumed", map[string]any{
			"paymentId": ref,
			"txHash":    txHash.Hex(),
			"attempts":  attempt,
		})
		return txHash, nil
	case errors.Is(err, types.ErrAlreadyConsumed):
		return common.Hash{}, err
	}

	r.metrics.IncCounter(metrics.ConsumptionFailed, nil)
	pending, hasPending := r.pending(ref)
	if types.CodeOf(err) == types.ErrCodeConsumptionFailed {
		return pending.hash, err
	}
	msg := fmt.Sprintf("payment %s not marked consumed after %d attempts", ref, attempt)
	if hasPending {
		msg += fmt.Sprintf("; transaction %s still pending", pending.hash.Hex())
	}
	return pending.hash, types.NewError(types.ErrCodeConsumptionFailed, msg, err)
}

// awaitPending waits for an earlier broadcast instead of sending a new one.
func (r *Recorder) awaitPending(ctx context.Context, id *big.Int, ref string, txHash common.Hash) (common.Hash, error) {
	receipt, err := r.chain.WaitMined(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, types.ErrChainUnavailable) {
			return common.Hash{}, types.NewError(types.ErrCodeChainUnavailable,
				fmt.Sprintf("consumption %s not mined yet", txHash.Hex()), err)
		}
		return common.Hash{}, classify(err)
	}

	r.clearPending(ref)
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return txHash, nil
	}

	// Reverted; another transaction may have consumed it first.
	consumed, cerr := r.chain.IsConsumed(ctx, id)
	if cerr == nil && consumed {
		return common.Hash{}, backoff.Permanent(types.Errorf(types.ErrCodeAlreadyConsumed, "payment %s already consumed", ref))
	}
	return common.Hash{}, backoff.Permanent(types.Errorf(types.ErrCodeConsumptionFailed,
		"consumePayment(%s) reverted in tx %s", ref, txHash.Hex()))
}

func (r *Recorder) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initialInterval
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.attempts-1)), ctx)
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if errors.Is(err, types.ErrChainUnavailable) || errors.Is(err, types.ErrNonceConflict) {
		return err
	}
	return backoff.Permanent(err)
}

func (r *Recorder) remembered(ref string) (common.Hash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.txs[ref]
	return h, ok
}

func (r *Recorder) remember(ref string, h common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[ref] = h
}

func (r *Recorder) pending(ref string) (inflightTx, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.inflight[ref]
	return tx, ok
}

func (r *Recorder) setPending(ref string, h common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[ref] = inflightTx{hash: h, sentAt: r.now()}
}

func (r *Recorder) clearPending(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, ref)
}

// Enqueue hands a payment to the background loop after a failed
// synchronous MarkConsumed.
func (r *Recorder) Enqueue(ctx context.Context, paymentRef string) error {
	return r.push(ctx, types.ConsumptionJob{PaymentRef: paymentRef, Attempt: 1})
}

func (r *Recorder) push(ctx context.Context, job types.ConsumptionJob) error {
	now := r.now()
	job.NotBefore = now.Add(r.requeueDelay)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if err := r.queue.Push(ctx, job); err != nil {
		return err
	}
	r.logger.Info("consumption queued for retry", map[string]any{
		"paymentId": job.PaymentRef,
		"attempt":   job.Attempt,
		"notBefore": job.NotBefore,
	})
	return nil
}

// Run drains the retry queue until ctx is done. A job that keeps failing is
// requeued with a delay up to the job attempt limit, then dropped with an
// operator alert; the delivery it belongs to already happened.
//
// When ctx ends, jobs held by a non-durable queue are given one last
// attempt bounded by the drain timeout. Durable queues keep theirs for the
// next process.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		job, err := r.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.shutdown(ctx, nil)
				return nil
			}
			r.logger.Error("consumption queue read failed", map[string]any{"error": err})
			if !sleep(ctx, r.requeueDelay) {
				r.shutdown(ctx, nil)
				return nil
			}
			continue
		}

		if wait := job.NotBefore.Sub(r.now()); wait > 0 {
			if !sleep(ctx, wait) {
				r.shutdown(ctx, &job)
				return nil
			}
		}

		r.process(ctx, job)
	}
}

// shutdown settles what Run still holds once its context is done.
func (r *Recorder) shutdown(ctx context.Context, held *types.ConsumptionJob) {
	d, ok := r.queue.(Drainer)
	if !ok {
		if held != nil {
			// Put it back so a restart picks it up.
			_ = r.queue.Push(context.WithoutCancel(ctx), *held)
		}
		return
	}

	jobs := d.Drain()
	if held != nil {
		jobs = append([]types.ConsumptionJob{*held}, jobs...)
	}
	if len(jobs) == 0 {
		return
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drainTimeout)
	defer cancel()

	r.logger.Info("draining consumption queue", map[string]any{"jobs": len(jobs), "timeout": r.drainTimeout})

	var lost []string
	for _, job := range jobs {
		if drainCtx.Err() != nil {
			lost = append(lost, job.PaymentRef)
			continue
		}
		_, err := r.MarkConsumed(drainCtx, job.PaymentRef)
		if err != nil && !errors.Is(err, types.ErrAlreadyConsumed) && !errors.Is(err, types.ErrInvalidRequest) {
			lost = append(lost, job.PaymentRef)
		}
	}
	if len(lost) > 0 {
		r.logger.Error("ALERT: shutting down with delivered payments not marked consumed", map[string]any{
			"paymentIds": lost,
		})
	}
}

func (r *Recorder) process(ctx context.Context, job types.ConsumptionJob) {
	txHash, err := r.MarkConsumed(ctx, job.PaymentRef)
	switch {
	case err == nil:
		r.logger.Info("queued consumption recorded", map[string]any{
			"paymentId": job.PaymentRef,
			"txHash":    txHash.Hex(),
			"attempt":   job.Attempt,
		})
		return
	case errors.Is(err, types.ErrAlreadyConsumed):
		return
	case errors.Is(err, types.ErrInvalidRequest):
		r.logger.Error("dropping malformed consumption job", map[string]any{"paymentId": job.PaymentRef, "error": err})
		return
	}

	if job.Attempt >= r.maxJobAttempts {
		r.logger.Error("ALERT: payment delivered but never marked consumed", map[string]any{
			"paymentId": job.PaymentRef,
			"attempts":  job.Attempt,
			"since":     job.EnqueuedAt,
			"error":     err,
		})
		return
	}

	job.Attempt++
	if err := r.push(context.WithoutCancel(ctx), job); err != nil {
		r.logger.Error("ALERT: could not requeue consumption", map[string]any{
			"paymentId": job.PaymentRef,
			"since":     job.EnqueuedAt,
			"error":     err,
		})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
