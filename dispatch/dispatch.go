// Package dispatch spends an authorization token on exactly one delivery.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syscall-sdk/relayer/gateway"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

// TokenAuthority checks and spends authorization tokens.
type TokenAuthority interface {
	Parse(raw string) (*types.Token, error)
	Claim(ctx context.Context, tok *types.Token) error
}

// ConsumptionRecorder marks delivered payments consumed on-chain and takes
// over the ones it could not finish synchronously.
type ConsumptionRecorder interface {
	MarkConsumed(ctx context.Context, paymentRef string) (common.Hash, error)
	Enqueue(ctx context.Context, paymentRef string) error
}

type Dispatcher struct {
	tokens         TokenAuthority
	gateways       *gateway.Registry
	recorder       ConsumptionRecorder
	gatewayTimeout time.Duration
	now            func() time.Time
	logger         logger.Logger
	metrics        metrics.Recorder

	// inflight counts claimed dispatches still delivering or recording.
	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

// WithGatewayTimeout bounds each provider call. It is independent of how
// long consumption recording may take.
func WithGatewayTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.gatewayTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = r }
}

func NewDispatcher(tokens TokenAuthority, gateways *gateway.Registry, recorder ConsumptionRecorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tokens:         tokens,
		gateways:       gateways,
		recorder:       recorder,
		gatewayTimeout: 15 * time.Second,
		now:            time.Now,
		logger:         logger.NoopLogger{},
		metrics:        metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers req under the authorization carried by rawToken.
// Everything that can be checked without spending the token is checked
// first; once claimed, the token stays used whatever the gateway does.
func (d *Dispatcher) Dispatch(ctx context.Context, rawToken string, req *types.DeliveryRequest) (*types.Acknowledgment, error) {
	start := d.now()

	tok, gw, err := d.prepare(rawToken, req)
	if err != nil {
		return nil, d.reject(tok, err)
	}
	labels := map[string]string{"service": tok.Service}

	if err := d.tokens.Claim(ctx, tok); err != nil {
		return nil, d.reject(tok, err)
	}
	d.inflight.Add(1)
	defer d.inflight.Done()

	log := d.logger.With(map[string]any{"paymentId": tok.PaymentRef, "service": tok.Service})
	log.Info("dispatching", map[string]any{"gateway": gw.Name(), "destination": req.Destination})

	result, err := d.deliver(ctx, gw, req, labels)
	if err != nil {
		d.metrics.IncCounter(metrics.GatewayFailed, labels)
		log.Error("gateway delivery failed, authorization spent", map[string]any{"gateway": gw.Name(), "error": err})
		return nil, err
	}

	ack := &types.Acknowledgment{
		Status:      types.StatusDelivered,
		Service:     tok.Service,
		Destination: req.Destination,
		PaymentRef:  tok.PaymentRef,
		Gateway:     result,
	}

	// The delivery happened; recording it must outlive the caller.
	recCtx := context.WithoutCancel(ctx)
	txHash, err := d.recorder.MarkConsumed(recCtx, tok.PaymentRef)
	switch {
	case err == nil:
		ack.ConsumptionTx = txHash.Hex()
	case errors.Is(err, types.ErrAlreadyConsumed):
	default:
		log.Error("ALERT: delivered but not marked consumed, queueing", map[string]any{"error": err})
		ack.ConsumptionPending = true
		if txHash != (common.Hash{}) {
			ack.ConsumptionTx = txHash.Hex()
		}
		if qerr := d.recorder.Enqueue(recCtx, tok.PaymentRef); qerr != nil {
			log.Error("ALERT: consumption could not be queued", map[string]any{"error": qerr})
		}
	}

	ack.Timestamp = d.now()
	d.metrics.IncCounter(metrics.DispatchDelivered, labels)
	d.metrics.ObserveLatency(metrics.LatencyDispatch, d.now().Sub(start), labels)
	log.Info("delivered", map[string]any{
		"providerId":    result.ProviderID,
		"consumptionTx": ack.ConsumptionTx,
		"pending":       ack.ConsumptionPending,
	})
	return ack, nil
}

// Wait blocks until every claimed dispatch has finished recording its
// consumption, or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) prepare(rawToken string, req *types.DeliveryRequest) (*types.Token, gateway.Gateway, error) {
	if req == nil {
		return nil, nil, types.NewError(types.ErrCodeInvalidRequest, "empty delivery request", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, nil, types.NewError(types.ErrCodeInvalidRequest, "destination and content are required", err)
	}

	tok, err := d.tokens.Parse(rawToken)
	if err != nil {
		return nil, nil, err
	}

	gw, err := d.gateways.Lookup(tok.Service)
	if err != nil {
		return tok, nil, err
	}
	if v, ok := gw.(gateway.RequestValidator); ok {
		if err := v.Validate(req); err != nil {
			return tok, nil, err
		}
	}

	if units := utils.ContentUnits(req.Content); units > tok.Quantity {
		return tok, nil, types.Errorf(types.ErrCodeQuantityExceeded,
			"content is %d bytes, payment covers %d", units, tok.Quantity)
	}
	return tok, gw, nil
}

func (d *Dispatcher) deliver(ctx context.Context, gw gateway.Gateway, req *types.DeliveryRequest, labels map[string]string) (*types.GatewayResult, error) {
	gctx, cancel := context.WithTimeout(ctx, d.gatewayTimeout)
	defer cancel()

	start := d.now()
	result, err := gw.Deliver(gctx, req)
	d.metrics.ObserveLatency(metrics.LatencyGateway, d.now().Sub(start), labels)

	if err != nil {
		if types.CodeOf(err) != types.ErrCodeGatewayError {
			err = types.NewError(types.ErrCodeGatewayError, gw.Name()+" failed", err)
		}
		return nil, err
	}
	if result == nil {
		result = &types.GatewayResult{}
	}
	return result, nil
}

func (d *Dispatcher) reject(tok *types.Token, err error) error {
	labels := map[string]string{}
	fields := map[string]any{"code": string(types.CodeOf(err)), "error": err}
	if tok != nil {
		labels["service"] = tok.Service
		fields["paymentId"] = tok.PaymentRef
	}
	d.metrics.IncCounter(metrics.DispatchRejected, labels)
	d.logger.Warn("dispatch rejected", fields)
	return err
}
