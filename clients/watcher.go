package clients

import (
	"context"
	"iter"
	"time"

	"github.com/syscall-sdk/relayer/logger"
	rtypes "github.com/syscall-sdk/relayer/types"
)

// PaymentSource is what the watcher polls.
type PaymentSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterPayments(ctx context.Context, from, to uint64) ([]rtypes.Payment, error)
}

// Watcher polls the contract for confirmed ActionPaid events. The sequence
// it yields is lazy and can be restarted from any cursor; a payment seen
// twice (overlapping restarts, reorg replays) is yielded once.
type Watcher struct {
	source        PaymentSource
	cursor        uint64
	batchSize     uint64
	confirmations uint64
	interval      time.Duration
	seen          *seenSet
	logger        logger.Logger
}

type WatcherOption func(*Watcher)

// WithConfirmations only yields events that are n blocks deep.
func WithConfirmations(n uint64) WatcherOption {
	return func(w *Watcher) { w.confirmations = n }
}

func WithBatchSize(n uint64) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

func WithWatcherLogger(l logger.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

func NewWatcher(source PaymentSource, fromBlock uint64, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:    source,
		cursor:    fromBlock,
		batchSize: 1000,
		interval:  5 * time.Second,
		seen:      newSeenSet(4096),
		logger:    logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Cursor is the next block the watcher will scan.
func (w *Watcher) Cursor() uint64 {
	return w.cursor
}

// Payments yields confirmed payments until ctx is done or the consumer stops.
// Poll errors are yielded with a zero payment; the watcher keeps going if the
// consumer continues.
func (w *Watcher) Payments(ctx context.Context) iter.Seq2[rtypes.Payment, error] {
	return func(yield func(rtypes.Payment, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			more, err := w.poll(ctx, yield)
			if err != nil {
				if !yield(rtypes.Payment{}, err) {
					return
				}
			}
			if !more {
				return
			}
			if err != nil || !w.behind(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.interval):
				}
			}
		}
	}
}

// behind is true when confirmed blocks remain past the cursor, in which case
// the next batch is fetched without waiting.
func (w *Watcher) behind(ctx context.Context) bool {
	head, err := w.source.LatestBlock(ctx)
	if err != nil || head < w.confirmations {
		return false
	}
	return w.cursor <= head-w.confirmations
}

// poll scans one batch. more is false when the consumer stopped.
func (w *Watcher) poll(ctx context.Context, yield func(rtypes.Payment, error) bool) (more bool, err error) {
	head, err := w.source.LatestBlock(ctx)
	if err != nil {
		return true, err
	}
	if head < w.confirmations {
		return true, nil
	}
	safe := head - w.confirmations
	if w.cursor > safe {
		return true, nil
	}

	to := min(w.cursor+w.batchSize-1, safe)
	payments, err := w.source.FilterPayments(ctx, w.cursor, to)
	if err != nil {
		return true, err
	}

	w.logger.Debug("scanned blocks for payments", map[string]any{
		"from":     w.cursor,
		"to":       to,
		"payments": len(payments),
	})

	for _, p := range payments {
		if !w.seen.add(p.Ref()) {
			continue
		}
		if !yield(p, nil) {
			// Resume from this block next time; already yielded refs dedupe.
			w.cursor = p.Block
			return false, nil
		}
	}
	w.cursor = to + 1
	return true, nil
}

// seenSet is a bounded FIFO set of payment references.
type seenSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// add reports whether ref was not present.
func (s *seenSet) add(ref string) bool {
	if _, ok := s.members[ref]; ok {
		return false
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, ref)
	s.members[ref] = struct{}{}
	return true
}
