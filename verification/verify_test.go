package verification

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

// Foundry/Anvil default accounts. Well-known test keys.
const (
	payerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	payerAddr   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	otherKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type fakeReader struct {
	mu       sync.Mutex
	payments map[common.Hash]*types.Payment
	prices   map[string]*big.Int
	failures int
	calls    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		payments: make(map[common.Hash]*types.Payment),
		prices:   make(map[string]*big.Int),
	}
}

func (f *fakeReader) PaymentByTx(_ context.Context, txHash common.Hash) (*types.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, types.NewError(types.ErrCodeChainUnavailable, "rpc down", errors.New("connection refused"))
	}
	p, ok := f.payments[txHash]
	if !ok {
		return nil, types.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeReader) ServicePrice(_ context.Context, service string) (*big.Int, error) {
	if p, ok := f.prices[service]; ok {
		return p, nil
	}
	return new(big.Int), nil
}

func (f *fakeReader) add(id int64, payer string, amount, quantity int64) common.Hash {
	txHash := common.BigToHash(big.NewInt(0xbeef00 + id))
	f.payments[txHash] = &types.Payment{
		ID:       big.NewInt(id),
		TxHash:   txHash,
		Payer:    common.HexToAddress(payer),
		Service:  "sms",
		Quantity: big.NewInt(quantity),
		Amount:   big.NewInt(amount),
	}
	return txHash
}

func signedRequest(t *testing.T, keyHex, sender string, txHash common.Hash) *types.VerifyRequest {
	t.Helper()
	key, err := utils.PrivateKeyFromHex(keyHex)
	require.NoError(t, err)
	sig, err := utils.SignPersonalMessage(txHash.Hex(), key)
	require.NoError(t, err)
	return &types.VerifyRequest{TxHash: txHash.Hex(), Signature: sig, Sender: sender}
}

func TestVerifyAcceptsOwnPayment(t *testing.T) {
	reader := newFakeReader()
	reader.prices["sms"] = big.NewInt(100)
	// 10 bytes at 100 wei would be 1000; the contract accepted 500.
	txHash := reader.add(1, payerAddr, 500, 10)

	svc := NewVerificationService(reader)
	vp, err := svc.Verify(context.Background(), signedRequest(t, payerKeyHex, payerAddr, txHash))
	require.NoError(t, err)

	assert.Equal(t, "1", vp.Ref())
	assert.Equal(t, common.HexToAddress(payerAddr), vp.Payer)
	assert.Equal(t, big.NewInt(500), vp.Amount)
	assert.False(t, vp.VerifiedAt.IsZero())
}

func TestVerifyRejections(t *testing.T) {
	reader := newFakeReader()
	reader.prices["sms"] = big.NewInt(100)
	paid := reader.add(1, payerAddr, 1000, 10)
	underpaid := reader.add(2, payerAddr, 500, 10)
	consumed := reader.add(3, payerAddr, 1000, 10)
	reader.payments[consumed].Consumed = true
	foreign := reader.add(4, otherAddr, 1000, 10)

	trusting := NewVerificationService(reader)
	strict := NewVerificationService(reader, WithPricingPolicy(types.PricingRecompute))

	wrongSigner := signedRequest(t, otherKeyHex, payerAddr, paid)
	badSig := signedRequest(t, payerKeyHex, payerAddr, paid)
	badSig.Signature = "0x1234"

	tests := []struct {
		name   string
		svc    *VerificationService
		req    *types.VerifyRequest
		target error
	}{
		{"missing fields", trusting, &types.VerifyRequest{TxHash: paid.Hex()}, types.ErrInvalidRequest},
		{"malformed hash", trusting, &types.VerifyRequest{TxHash: "0x12", Signature: "0x00", Sender: payerAddr}, types.ErrInvalidRequest},
		{"malformed sender", trusting, &types.VerifyRequest{TxHash: paid.Hex(), Signature: "0x00", Sender: "bob"}, types.ErrInvalidRequest},
		{"signature by someone else", trusting, wrongSigner, types.ErrAuthMismatch},
		{"unrecoverable signature", trusting, badSig, types.ErrAuthMismatch},
		{"unknown tx", trusting, signedRequest(t, payerKeyHex, payerAddr, common.HexToHash("0x99")), types.ErrPaymentNotFound},
		{"already consumed", trusting, signedRequest(t, payerKeyHex, payerAddr, consumed), types.ErrAlreadyConsumed},
		{"paid by another account", trusting, signedRequest(t, payerKeyHex, payerAddr, foreign), types.ErrAuthMismatch},
		{"underpaid under recompute", strict, signedRequest(t, payerKeyHex, payerAddr, underpaid), types.ErrUnderPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vp, err := tt.svc.Verify(context.Background(), tt.req)
			assert.Nil(t, vp)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	// Exact price passes the recompute policy.
	_, err := strict.Verify(context.Background(), signedRequest(t, payerKeyHex, payerAddr, paid))
	assert.NoError(t, err)
}

func TestVerifyRejectsBeforeChainAccess(t *testing.T) {
	reader := newFakeReader()
	txHash := reader.add(1, payerAddr, 1000, 10)
	svc := NewVerificationService(reader)

	_, err := svc.Verify(context.Background(), signedRequest(t, otherKeyHex, payerAddr, txHash))
	require.ErrorIs(t, err, types.ErrAuthMismatch)
	assert.Zero(t, reader.calls)
}

func TestVerifyWithRetry(t *testing.T) {
	reader := newFakeReader()
	reader.failures = 2
	txHash := reader.add(1, payerAddr, 1000, 10)
	svc := NewVerificationService(reader)
	req := signedRequest(t, payerKeyHex, payerAddr, txHash)

	vp, err := svc.VerifyWithRetry(context.Background(), req, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "1", vp.Ref())
	assert.Equal(t, 3, reader.calls)

	// Auth failures are final.
	reader.calls = 0
	_, err = svc.VerifyWithRetry(context.Background(), signedRequest(t, otherKeyHex, payerAddr, txHash), 3, time.Millisecond)
	assert.ErrorIs(t, err, types.ErrAuthMismatch)
	assert.Zero(t, reader.calls)
}

func TestVerifyWithRetryExhaustion(t *testing.T) {
	reader := newFakeReader()
	reader.failures = 10
	txHash := reader.add(1, payerAddr, 1000, 10)
	svc := NewVerificationService(reader)
	req := signedRequest(t, payerKeyHex, payerAddr, txHash)

	_, err := svc.VerifyWithRetry(context.Background(), req, 2, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, reader.calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestVerifyWithRetryStopsOnCancel(t *testing.T) {
	reader := newFakeReader()
	reader.failures = 10
	txHash := reader.add(1, payerAddr, 1000, 10)
	svc := NewVerificationService(reader)
	req := signedRequest(t, payerKeyHex, payerAddr, txHash)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.VerifyWithRetry(ctx, req, 100, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, reader.calls, 100)
}

func TestBatchVerify(t *testing.T) {
	reader := newFakeReader()
	good := reader.add(1, payerAddr, 1000, 10)
	svc := NewVerificationService(reader)

	reqs := []*types.VerifyRequest{
		signedRequest(t, payerKeyHex, payerAddr, good),
		signedRequest(t, payerKeyHex, payerAddr, common.HexToHash("0x42")),
	}
	results, errs, err := svc.BatchVerify(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NoError(t, errs[0])
	assert.Equal(t, "1", results[0].Ref())
	assert.Nil(t, results[1])
	assert.ErrorIs(t, errs[1], types.ErrPaymentNotFound)

	_, _, err = svc.BatchVerify(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}
