package sdk

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syscall-sdk/relayer"
	"github.com/syscall-sdk/relayer/clients"
	"github.com/syscall-sdk/relayer/gateway"
	"github.com/syscall-sdk/relayer/server"
	rtypes "github.com/syscall-sdk/relayer/types"
)

// Foundry/Anvil default payer key. Well-known test key - NEVER use in production.
const payerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const contractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeChain plays both the payer's and the relayer's view of the contract.
type fakeChain struct {
	mu       sync.Mutex
	payer    common.Address
	prices   map[string]*big.Int
	payments map[common.Hash]*rtypes.Payment
	consumed map[string]bool
	nextID   int64
	revert   bool
}

var (
	_ clients.ChainClient = (*fakeChain)(nil)
	_ Payer               = (*fakeChain)(nil)
)

func newFakeChain(payer common.Address) *fakeChain {
	return &fakeChain{
		payer:    payer,
		prices:   map[string]*big.Int{"sms": big.NewInt(50)},
		payments: make(map[common.Hash]*rtypes.Payment),
		consumed: make(map[string]bool),
	}
}

func (f *fakeChain) ServicePrice(_ context.Context, service string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.prices[service]; ok {
		return new(big.Int).Set(p), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) Pay(_ context.Context, service string, quantity, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := big.NewInt(f.nextID)
	hash := crypto.Keccak256Hash(id.Bytes())
	f.payments[hash] = &rtypes.Payment{
		ID:        id,
		TxHash:    hash,
		Payer:     f.payer,
		Service:   service,
		Quantity:  new(big.Int).Set(quantity),
		Amount:    new(big.Int).Set(value),
		Timestamp: time.Unix(1_700_000_000, 0),
	}
	return hash, nil
}

func (f *fakeChain) WaitMined(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{TxHash: txHash, Status: status}, nil
}

func (f *fakeChain) PaymentByTx(_ context.Context, txHash common.Hash) (*rtypes.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[txHash]
	if !ok {
		return nil, rtypes.NewError(rtypes.ErrCodePaymentNotFound, "transaction not found on chain", nil)
	}
	cp := *p
	cp.Consumed = f.consumed[p.ID.String()]
	return &cp, nil
}

func (f *fakeChain) IsConsumed(_ context.Context, id *big.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed[id.String()], nil
}

func (f *fakeChain) ConsumePayment(_ context.Context, id *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed[id.String()] = true
	return common.HexToHash("0xc0ffee"), nil
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) { return 1, nil }

func (f *fakeChain) FilterPayments(context.Context, uint64, uint64) ([]rtypes.Payment, error) {
	return nil, nil
}

func (f *fakeChain) ChainID() *big.Int { return big.NewInt(31337) }
func (f *fakeChain) Close()            {}

type recordingGateway struct {
	calls atomic.Int32
	last  atomic.Pointer[rtypes.DeliveryRequest]
}

func (g *recordingGateway) Name() string { return "recording" }

func (g *recordingGateway) Deliver(_ context.Context, req *rtypes.DeliveryRequest) (*rtypes.GatewayResult, error) {
	g.calls.Add(1)
	cp := *req
	g.last.Store(&cp)
	return &rtypes.GatewayResult{ProviderID: "SM77", Fields: map[string]any{"providerStatus": "queued"}}, nil
}

type env struct {
	chain  *fakeChain
	gw     *recordingGateway
	signer *clients.KeyedSigner
	srv    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	signer, err := clients.NewKeyedSigner(payerKeyHex)
	require.NoError(t, err)

	e := &env{
		chain:  newFakeChain(signer.Address()),
		gw:     &recordingGateway{},
		signer: signer,
	}

	registry := gateway.NewRegistry()
	registry.Register("sms", e.gw)

	r, err := relayer.New(&rtypes.RelayerConfig{
		RPCUrl:          "http://127.0.0.1:8545",
		ContractAddress: contractAddr,
		JWTSecret:       "0123456789abcdef0123456789abcdef",
		ConsumeAttempts: 1,
	}, e.chain, relayer.WithGateways(registry))
	require.NoError(t, err)

	e.srv = httptest.NewServer(server.New(r).Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) client(opts ...Option) *Client {
	opts = append([]Option{WithDialer(func(_ context.Context, cfg rtypes.ChainConfig, _ clients.Signer) (Payer, error) {
		if cfg.ContractAddress != contractAddr {
			return nil, errors.New("unexpected contract")
		}
		return e.chain, nil
	})}, opts...)
	return New(e.srv.URL, e.signer, opts...)
}

func TestSendEndToEnd(t *testing.T) {
	e := newEnv(t)

	rcpt, err := e.client().Send(context.Background(), "sms", "+15551234567", "Hello SMS!", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), rcpt.Quantity)
	assert.Equal(t, big.NewInt(50), rcpt.Price)
	assert.Equal(t, big.NewInt(500), rcpt.Paid)
	assert.Equal(t, "delivered", rcpt.Dispatch.Status)
	assert.Equal(t, "1", rcpt.Dispatch.Meta.PaymentID)
	assert.Equal(t, "SM77", rcpt.Dispatch.Meta.ProviderID)
	assert.Equal(t, common.HexToHash("0xc0ffee").Hex(), rcpt.Dispatch.Meta.ConsumptionTx)
	assert.Equal(t, "queued", rcpt.Dispatch.Gateway["providerStatus"])

	assert.Equal(t, int32(1), e.gw.calls.Load())
	assert.Equal(t, "Hello SMS!", e.gw.last.Load().Content)

	consumed, err := e.chain.IsConsumed(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	assert.True(t, consumed)
}

func TestTokenIsSingleUse(t *testing.T) {
	e := newEnv(t)
	c := e.client()
	ctx := context.Background()

	txHash, err := e.chain.Pay(ctx, "sms", big.NewInt(10), big.NewInt(500))
	require.NoError(t, err)

	jwt, err := c.Authorize(ctx, txHash)
	require.NoError(t, err)

	req := &rtypes.DeliveryRequest{Destination: "+1", Content: "hi"}
	_, err = c.Dispatch(ctx, jwt, req)
	require.NoError(t, err)

	_, err = c.Dispatch(ctx, jwt, req)
	assert.ErrorIs(t, err, rtypes.ErrTokenAlreadyUsed)

	// The payment is consumed now, so it cannot be authorized again.
	_, err = c.Authorize(ctx, txHash)
	assert.ErrorIs(t, err, rtypes.ErrAlreadyConsumed)
	assert.Equal(t, int32(1), e.gw.calls.Load())
}

func TestAuthorizeRejectsOtherSigner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	txHash, err := e.chain.Pay(ctx, "sms", big.NewInt(10), big.NewInt(500))
	require.NoError(t, err)

	// Anvil account #0, not the payer.
	other, err := clients.NewKeyedSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	_, err = New(e.srv.URL, other, WithPayer(e.chain)).Authorize(ctx, txHash)
	assert.ErrorIs(t, err, rtypes.ErrAuthMismatch)
}

func TestSendRejectsUnpricedService(t *testing.T) {
	e := newEnv(t)

	_, err := e.client().Send(context.Background(), "fax", "+1", "hi", nil)
	assert.ErrorIs(t, err, rtypes.ErrUnknownService)
	assert.Zero(t, e.gw.calls.Load())
}

func TestSendRevertedPayment(t *testing.T) {
	e := newEnv(t)
	e.chain.revert = true

	_, err := e.client().Send(context.Background(), "sms", "+1", "hi", nil)
	assert.ErrorIs(t, err, rtypes.ErrPaymentNotFound)
	assert.Zero(t, e.gw.calls.Load())
}

func TestQuote(t *testing.T) {
	e := newEnv(t)
	e.chain.prices["email"] = big.NewInt(70)

	prices, err := e.client(WithPayer(e.chain)).Quote(context.Background(), "sms", "email", "fax")
	require.NoError(t, err)
	assert.Equal(t, map[string]*big.Int{
		"sms":   big.NewInt(50),
		"email": big.NewInt(70),
		"fax":   new(big.Int),
	}, prices)
}

func TestConfigErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"INTERNAL_ERROR","detail":"contract address not configured"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Config(context.Background())
	require.ErrorIs(t, err, rtypes.ErrInternal)
	assert.Contains(t, err.Error(), "contract address not configured")
}
