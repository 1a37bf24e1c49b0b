package relayer

import (
	"time"

	"github.com/syscall-sdk/relayer/gateway"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/settlement"
	"github.com/syscall-sdk/relayer/store"
)

type Option func(*Relayer)

func WithLogger(l logger.Logger) Option {
	return func(r *Relayer) {
		r.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Relayer) {
		r.metrics = m
	}
}

// WithTimeout overrides the per-call chain timeout from the config.
func WithTimeout(t time.Duration) Option {
	return func(r *Relayer) {
		r.timeout = t
	}
}

func WithStore(s store.AuthorizationStore) Option {
	return func(r *Relayer) {
		r.store = s
	}
}

func WithQueue(q settlement.Queue) Option {
	return func(r *Relayer) {
		r.queue = q
	}
}

func WithGateways(g *gateway.Registry) Option {
	return func(r *Relayer) {
		r.gateways = g
	}
}

// WithClock replaces time.Now across the relayer, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relayer) {
		r.now = now
	}
}

// WithVerifyRetries retries verification while the payment is not yet
// visible to the RPC node.
func WithVerifyRetries(n int, delay time.Duration) Option {
	return func(r *Relayer) {
		r.verifyRetries = n
		r.verifyRetryDelay = delay
	}
}
