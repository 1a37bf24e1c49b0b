// Package relayer turns on-chain payments into off-chain deliveries: it
// verifies a payment, issues a single-use authorization for it, forwards
// exactly one delivery to the paid service's gateway and marks the payment
// consumed on-chain.
package relayer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syscall-sdk/relayer/authorization"
	"github.com/syscall-sdk/relayer/clients"
	"github.com/syscall-sdk/relayer/dispatch"
	"github.com/syscall-sdk/relayer/gateway"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/settlement"
	"github.com/syscall-sdk/relayer/store"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/verification"
)

// Relayer is the main struct that wires verification, authorization,
// dispatch and consumption recording around one chain client.
type Relayer struct {
	cfg   types.RelayerConfig
	chain clients.ChainClient

	verifier   *verification.VerificationService
	issuer     *authorization.Issuer
	dispatcher *dispatch.Dispatcher
	recorder   *settlement.Recorder

	store    store.AuthorizationStore
	queue    settlement.Queue
	gateways *gateway.Registry

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time

	verifyRetries    int
	verifyRetryDelay time.Duration
}

// New creates a Relayer. Without WithStore the authorization store is kept
// in memory, and without WithGateways the stock gateways are built from cfg.
func New(cfg *types.RelayerConfig, chain clients.ChainClient, opts ...Option) (*Relayer, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInternal, "relayer config is nil", nil)
	}

	r := &Relayer{
		cfg:     *cfg,
		chain:   chain,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: cfg.ChainTimeout,
		now:     time.Now,
	}
	if r.timeout <= 0 {
		r.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.store == nil {
		r.store = store.NewMemoryStore(store.WithClock(r.now))
	}
	if r.queue == nil {
		r.queue = settlement.NewMemoryQueue(1024)
	}
	if r.gateways == nil {
		r.gateways = gateway.FromConfig(&r.cfg, r.logger)
	}
	policy := r.cfg.PricingPolicy
	if policy == "" {
		policy = types.PricingTrustPaid
	}

	issuer, err := authorization.NewIssuer(r.cfg.JWTSecret, r.store,
		authorization.WithTTL(r.cfg.TokenTTL),
		authorization.WithClock(r.now),
		authorization.WithLogger(r.logger.With(map[string]any{"component": "authorization"})),
		authorization.WithMetrics(r.metrics),
	)
	if err != nil {
		return nil, err
	}
	r.issuer = issuer

	r.verifier = verification.NewVerificationService(chain,
		verification.WithPricingPolicy(policy),
		verification.WithTimeout(r.timeout),
		verification.WithClock(r.now),
		verification.WithLogger(r.logger.With(map[string]any{"component": "verification"})),
		verification.WithMetrics(r.metrics),
	)

	r.recorder = settlement.NewRecorder(chain,
		settlement.WithAttempts(r.cfg.ConsumeAttempts),
		settlement.WithTimeout(r.timeout),
		settlement.WithQueue(r.queue),
		settlement.WithLogger(r.logger.With(map[string]any{"component": "settlement"})),
		settlement.WithMetrics(r.metrics),
	)

	r.dispatcher = dispatch.NewDispatcher(r.issuer, r.gateways, r.recorder,
		dispatch.WithGatewayTimeout(r.cfg.GatewayTimeout),
		dispatch.WithClock(r.now),
		dispatch.WithLogger(r.logger.With(map[string]any{"component": "dispatch"})),
		dispatch.WithMetrics(r.metrics),
	)

	return r, nil
}

// Verify checks a payment without issuing anything.
func (r *Relayer) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifiedPayment, error) {
	if r.verifyRetries > 0 {
		return r.verifier.VerifyWithRetry(ctx, req, r.verifyRetries, r.verifyRetryDelay)
	}
	return r.verifier.Verify(ctx, req)
}

// Authorize verifies the payment behind req and issues its token.
func (r *Relayer) Authorize(ctx context.Context, req *types.VerifyRequest) (*types.Token, error) {
	vp, err := r.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.issuer.Issue(ctx, vp)
}

// BatchVerify verifies multiple payments concurrently
func (r *Relayer) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerifiedPayment, []error, error) {
	return r.verifier.BatchVerify(ctx, reqs)
}

// Dispatch spends rawToken on req.
func (r *Relayer) Dispatch(ctx context.Context, rawToken string, req *types.DeliveryRequest) (*types.Acknowledgment, error) {
	return r.dispatcher.Dispatch(ctx, rawToken, req)
}

// MarkConsumed records consumption of paymentRef directly, for operators
// reconciling payments delivered elsewhere.
func (r *Relayer) MarkConsumed(ctx context.Context, paymentRef string) (common.Hash, error) {
	return r.recorder.MarkConsumed(ctx, paymentRef)
}

// Revoke withdraws the live token of paymentRef.
func (r *Relayer) Revoke(ctx context.Context, paymentRef string) error {
	return r.issuer.Revoke(ctx, paymentRef)
}

// RunConsumptionQueue drains the background consumption queue until ctx is
// done.
func (r *Relayer) RunConsumptionQueue(ctx context.Context) error {
	return r.recorder.Run(ctx)
}

// WaitDispatches blocks until dispatches already past their token claim have
// finished delivering and recording consumption, or ctx is done.
func (r *Relayer) WaitDispatches(ctx context.Context) error {
	return r.dispatcher.Wait(ctx)
}

func (r *Relayer) ChainConfig() types.ChainConfig {
	return types.ChainConfig{
		RPCUrl:          r.cfg.RPCUrl,
		ContractAddress: r.cfg.ContractAddress,
	}
}

func (r *Relayer) ChainID() *big.Int {
	return r.chain.ChainID()
}

// Services lists the service names this relayer can deliver.
func (r *Relayer) Services() []string {
	return r.gateways.Services()
}

func (r *Relayer) Logger() logger.Logger {
	return r.logger
}

// Close closes the authorization store and the chain client.
func (r *Relayer) Close() error {
	err := r.store.Close()
	r.chain.Close()
	return err
}

// Version information
const (
	Version = "1.0.0"
)

// GetVersion returns version information
func GetVersion() map[string]any {
	return map[string]any{
		"relayer_version":   Version,
		"pricing_policies":  []string{string(types.PricingTrustPaid), string(types.PricingRecompute)},
		"default_services":  []string{types.ServiceSMS, types.ServiceEmail},
		"signature_schemes": []string{"personal_sign"},
	}
}
