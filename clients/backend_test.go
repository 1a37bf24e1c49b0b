package clients

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Foundry/Anvil default accounts. Well-known test keys - NEVER use in production.
const (
	ownerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	ownerAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	payerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	payerAddr   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testChainID  = big.NewInt(31337)
)

// fakeBackend is an in-memory stand-in for ethclient.Client.
type fakeBackend struct {
	mu sync.Mutex

	head         uint64
	pendingNonce uint64
	nonceCalls   int
	gasPrice     *big.Int
	estimateErr  error
	sendErrs     []error

	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	consumed  map[string]bool
	prices    map[string]*big.Int
	logs      []types.Log
	revertAll bool
	// holdReceipts leaves sent transactions unmined.
	holdReceipts bool
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gasPrice: big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
		consumed: make(map[string]bool),
		prices:   make(map[string]*big.Int),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parsed := SyscallABI()
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case methodIsConsumed:
		return method.Outputs.Pack(f.consumed[args[0].(*big.Int).String()])
	case methodServices:
		price, ok := f.prices[args[0].(string)]
		if !ok {
			price = new(big.Int)
		}
		return method.Outputs.Pack(price)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}

	f.sent = append(f.sent, tx)
	f.pendingNonce = tx.Nonce() + 1
	if f.holdReceipts {
		return nil
	}
	status := types.ReceiptStatusSuccessful
	if f.revertAll {
		status = types.ReceiptStatusFailed
	}

	parsed := SyscallABI()
	if method, err := parsed.MethodById(tx.Data()[:4]); err == nil && method.Name == methodConsumePayment && status == types.ReceiptStatusSuccessful {
		args, _ := method.Inputs.Unpack(tx.Data()[4:])
		f.consumed[args[0].(*big.Int).String()] = true
	}

	f.head++
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     42_000,
		BlockNumber: new(big.Int).SetUint64(f.head),
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) Close() {}

// addPayment mines a pay() transaction that emitted ActionPaid.
func (f *fakeBackend) addPayment(t *testing.T, id int64, payer common.Address, service string, amount, quantity int64) common.Hash {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.head++
	txHash := common.BigToHash(big.NewInt(0xbeef0000 + id))
	l := actionPaidLog(t, id, payer, service, amount, quantity, time.Unix(1_700_000_000, 0))
	l.TxHash = txHash
	l.BlockNumber = f.head

	f.logs = append(f.logs, l)
	f.receipts[txHash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(f.head),
		Logs:        []*types.Log{&l},
	}
	return txHash
}

func actionPaidLog(t *testing.T, id int64, payer common.Address, service string, amount, quantity int64, ts time.Time) types.Log {
	t.Helper()
	event := SyscallABI().Events[eventActionPaid]

	var nonIndexed abi.Arguments
	for _, arg := range event.Inputs {
		if !arg.Indexed {
			nonIndexed = append(nonIndexed, arg)
		}
	}
	data, err := nonIndexed.Pack(service, big.NewInt(amount), big.NewInt(quantity), big.NewInt(ts.Unix()))
	require.NoError(t, err)

	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(id)),
			common.BytesToHash(payer.Bytes()),
		},
		Data: data,
	}
}
