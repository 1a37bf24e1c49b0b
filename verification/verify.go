package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifiedPayment, error)
}

// PaymentReader is the part of the chain client verification needs. It is
// read-only; verification never changes ledger state.
type PaymentReader interface {
	PaymentByTx(ctx context.Context, txHash common.Hash) (*types.Payment, error)
	ServicePrice(ctx context.Context, service string) (*big.Int, error)
}

// VerificationService checks that a payment exists, belongs to the caller
// and has not been spent.
type VerificationService struct {
	chain   PaymentReader
	policy  types.PricingPolicy
	timeout time.Duration
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*VerificationService)

func WithPricingPolicy(p types.PricingPolicy) Option {
	return func(s *VerificationService) { s.policy = p }
}

func WithTimeout(d time.Duration) Option {
	return func(s *VerificationService) { s.timeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) { s.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) { s.metrics = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) { s.now = now }
}

// NewVerificationService creates a new verification service
func NewVerificationService(chain PaymentReader, opts ...Option) *VerificationService {
	s := &VerificationService{
		chain:   chain,
		policy:  types.PricingTrustPaid,
		timeout: 30 * time.Second,
		now:     time.Now,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify confirms req.TxHash emitted an ActionPaid event for the account that
// signed the hash, and that the payment is still unconsumed.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifiedPayment, error) {
	if req == nil {
		req = &types.VerifyRequest{}
	}
	start := s.now()

	vp, err := s.verify(ctx, req)

	labels := map[string]string{}
	if vp != nil {
		labels["service"] = vp.Service
	}
	s.metrics.ObserveLatency(metrics.LatencyVerify, s.now().Sub(start), labels)

	if err != nil {
		s.metrics.IncCounter(metrics.VerifyRejected, labels)
		s.logger.Warn("payment verification rejected", map[string]any{
			"txHash": req.TxHash,
			"sender": req.Sender,
			"code":   string(types.CodeOf(err)),
			"error":  err,
		})
		return nil, err
	}

	s.metrics.IncCounter(metrics.VerifySucceeded, labels)
	s.logger.Info("payment verified", map[string]any{
		"txHash":    req.TxHash,
		"paymentId": vp.Ref(),
		"service":   vp.Service,
		"payer":     vp.Payer.Hex(),
		"amount":    utils.FormatWei(vp.Amount),
	})
	return vp, nil
}

func (s *VerificationService) verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifiedPayment, error) {
	sender, err := s.QuickVerify(req)
	if err != nil {
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payment, err := s.chain.PaymentByTx(verifyCtx, common.HexToHash(req.TxHash))
	if err != nil {
		return nil, err
	}

	// The signature proves who holds the hash, not who paid.
	if payment.Payer != sender {
		return nil, types.Errorf(types.ErrCodeAuthMismatch,
			"payment %s was made by %s, not %s", payment.Ref(), payment.Payer.Hex(), sender.Hex())
	}

	if payment.Consumed {
		return nil, types.Errorf(types.ErrCodeAlreadyConsumed, "payment %s already consumed", payment.Ref())
	}

	if s.policy == types.PricingRecompute {
		if err := s.checkPrice(verifyCtx, payment); err != nil {
			return nil, err
		}
	}

	return &types.VerifiedPayment{Payment: *payment, VerifiedAt: s.now()}, nil
}

func (s *VerificationService) checkPrice(ctx context.Context, payment *types.Payment) error {
	price, err := s.chain.ServicePrice(ctx, payment.Service)
	if err != nil {
		return err
	}
	quantity := payment.Quantity
	if quantity == nil {
		quantity = new(big.Int)
	}
	due := new(big.Int).Mul(price, quantity)
	if payment.Amount == nil || payment.Amount.Cmp(due) < 0 {
		return types.Errorf(types.ErrCodeUnderPaid,
			"payment %s paid %s ETH, %s ETH due", payment.Ref(), utils.FormatWei(payment.Amount), utils.FormatWei(due))
	}
	return nil
}

// QuickVerify performs the checks that need no chain access: request shape
// and signature recovery. It returns the authenticated sender.
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) (common.Address, error) {
	if req == nil {
		return common.Address{}, types.NewError(types.ErrCodeInvalidRequest, "empty verification request", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return common.Address{}, types.NewError(types.ErrCodeInvalidRequest, "txHash, signature and sender are required", err)
	}
	if err := utils.ValidateTransactionHash(req.TxHash); err != nil {
		return common.Address{}, types.NewError(types.ErrCodeInvalidRequest, err.Error(), err)
	}
	if err := utils.ValidateAddress(req.Sender); err != nil {
		return common.Address{}, types.NewError(types.ErrCodeInvalidRequest, err.Error(), err)
	}

	// Wallets sign the hash as text: the 0x-prefixed hex string itself.
	signer, err := utils.RecoverPersonalSigner(req.TxHash, req.Signature)
	if err != nil {
		return common.Address{}, types.NewError(types.ErrCodeAuthMismatch, "signature could not be recovered", err)
	}
	sender := common.HexToAddress(req.Sender)
	if signer != sender {
		return common.Address{}, types.Errorf(types.ErrCodeAuthMismatch,
			"signature recovers to %s, not %s", signer.Hex(), sender.Hex())
	}
	return sender, nil
}

// BatchVerify verifies multiple payments concurrently. Results line up with
// reqs; a failed entry has a nil result and its error in the errors slice.
func (s *VerificationService) BatchVerify(
	ctx context.Context,
	reqs []*types.VerifyRequest,
) ([]*types.VerifiedPayment, []error, error) {
	if len(reqs) == 0 {
		return nil, nil, types.NewError(types.ErrCodeInvalidRequest, "no verification requests", nil)
	}

	results := make([]*types.VerifiedPayment, len(reqs))
	errs := make([]error, len(reqs))

	type verificationResult struct {
		index  int
		result *types.VerifiedPayment
		err    error
	}

	resultChan := make(chan verificationResult, len(reqs))

	for i, req := range reqs {
		go func(index int, r *types.VerifyRequest) {
			result, err := s.Verify(ctx, r)
			resultChan <- verificationResult{index: index, result: result, err: err}
		}(i, req)
	}

	for i := 0; i < len(reqs); i++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
			errs[res.index] = res.err
		}
	}

	return results, errs, nil
}

// VerifyWithRetry retries verification while the chain is unreachable or the
// payment transaction is not indexed yet.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	req *types.VerifyRequest,
	maxRetries int,
	retryDelay time.Duration,
) (*types.VerifiedPayment, error) {
	attempts := 0
	op := func() (*types.VerifiedPayment, error) {
		attempts++
		vp, err := s.Verify(ctx, req)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return vp, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(max(maxRetries, 0))), ctx)
	vp, err := backoff.RetryWithData(op, policy)
	switch {
	case err == nil:
		return vp, nil
	case !retryable(err):
		return nil, err
	}
	return nil, fmt.Errorf("verification failed after %d attempts: %w", attempts, err)
}

func retryable(err error) bool {
	return errors.Is(err, types.ErrChainUnavailable) || errors.Is(err, types.ErrPaymentNotFound)
}
