package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/syscall-sdk/relayer/logger"
	rtypes "github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

const (
	// fallbackGasLimit is used when eth_estimateGas fails.
	fallbackGasLimit = 300_000
	// gasMarginPercent pads the gas estimate.
	gasMarginPercent = 120
)

// Backend is the subset of ethclient.Client the EVM client needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// EVMClient talks to the Syscall payment contract over JSON-RPC.
type EVMClient struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	chainID  *big.Int
	signer   Signer
	nonces   *NonceManager
	logger   logger.Logger

	pollInterval time.Duration
}

var _ ChainClient = (*EVMClient)(nil)

type ClientOption func(*EVMClient)

// WithSigner sets the key used for Pay and ConsumePayment.
func WithSigner(s Signer) ClientOption {
	return func(c *EVMClient) {
		c.signer = s
	}
}

func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *EVMClient) {
		c.logger = l
	}
}

// WithPollInterval sets how often WaitMined polls for a receipt.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *EVMClient) {
		c.pollInterval = d
	}
}

// NewEVMClient dials rpcURL and binds to the contract at contractAddr.
func NewEVMClient(ctx context.Context, rpcURL, contractAddr string, opts ...ClientOption) (*EVMClient, error) {
	if err := utils.ValidateAddress(contractAddr); err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, chainUnavailable("chain id", err)
	}

	return NewEVMClientWithBackend(eth, chainID, common.HexToAddress(contractAddr), opts...), nil
}

// NewEVMClientWithBackend wires an already connected backend.
func NewEVMClientWithBackend(backend Backend, chainID *big.Int, contract common.Address, opts ...ClientOption) *EVMClient {
	c := &EVMClient{
		backend:      backend,
		contract:     contract,
		abi:          SyscallABI(),
		chainID:      new(big.Int).Set(chainID),
		nonces:       NewNonceManager(backend),
		logger:       logger.NoopLogger{},
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EVMClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *EVMClient) Contract() common.Address {
	return c.contract
}

func (c *EVMClient) Close() {
	c.backend.Close()
}

func (c *EVMClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, chainUnavailable("call "+method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

func (c *EVMClient) ServicePrice(ctx context.Context, service string) (*big.Int, error) {
	values, err := c.call(ctx, methodServices, service)
	if err != nil {
		return nil, err
	}
	price, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("services(%q) returned %T", service, values[0])
	}
	return price, nil
}

func (c *EVMClient) IsConsumed(ctx context.Context, paymentID *big.Int) (bool, error) {
	values, err := c.call(ctx, methodIsConsumed, paymentID)
	if err != nil {
		return false, err
	}
	consumed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isConsumed(%s) returned %T", paymentID, values[0])
	}
	return consumed, nil
}

func (c *EVMClient) Pay(ctx context.Context, service string, quantity, value *big.Int) (common.Hash, error) {
	data, err := c.abi.Pack(methodPay, service, quantity)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack pay: %w", err)
	}

	tx, err := c.transact(ctx, data, value)
	if err != nil {
		return common.Hash{}, err
	}

	c.logger.Info("payment submitted", map[string]any{
		"txHash":   tx.Hash().Hex(),
		"service":  service,
		"quantity": quantity.String(),
		"value":    utils.FormatWei(value),
	})
	return tx.Hash(), nil
}

func (c *EVMClient) ConsumePayment(ctx context.Context, paymentID *big.Int) (common.Hash, error) {
	data, err := c.abi.Pack(methodConsumePayment, paymentID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack consumePayment: %w", err)
	}

	tx, err := c.transact(ctx, data, nil)
	if err != nil {
		return common.Hash{}, err
	}

	receipt, err := c.WaitMined(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), rtypes.Errorf(rtypes.ErrCodeConsumptionFailed,
			"consumePayment(%s) reverted in tx %s", paymentID, tx.Hash().Hex())
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), tx.GasPrice())
	c.logger.Info("payment consumed on-chain", map[string]any{
		"paymentId": paymentID.String(),
		"txHash":    tx.Hash().Hex(),
		"block":     receipt.BlockNumber.String(),
		"costEth":   utils.FormatWei(cost),
	})
	return tx.Hash(), nil
}

// transact signs and broadcasts a call to the contract from the configured
// signer, serialized through the nonce manager.
func (c *EVMClient) transact(ctx context.Context, data []byte, value *big.Int) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, rtypes.Errorf(rtypes.ErrCodeInternal, "no signer configured")
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	return c.nonces.Submit(ctx, from, func(nonce uint64) (*types.Transaction, error) {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errNotSent, chainUnavailable("gas price", err))
		}

		gasLimit := uint64(fallbackGasLimit)
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &c.contract,
			Value: value,
			Data:  data,
		})
		if err != nil {
			c.logger.Warn("gas estimation failed, using fallback", map[string]any{
				"error":    err,
				"gasLimit": gasLimit,
			})
		} else {
			gasLimit = estimated * gasMarginPercent / 100
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.contract,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})

		signed, err := c.signer.SignTx(ctx, tx, c.chainID)
		if err != nil {
			return nil, fmt.Errorf("%w: sign: %w", errNotSent, err)
		}

		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			return nil, classifySendError(err)
		}
		return signed, nil
	})
}

func (c *EVMClient) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt lookup failed", map[string]any{"txHash": txHash.Hex(), "error": err})
		}

		select {
		case <-ctx.Done():
			return nil, chainUnavailable("wait mined", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) PaymentByTx(ctx context.Context, txHash common.Hash) (*rtypes.Payment, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, rtypes.NewError(rtypes.ErrCodePaymentNotFound, "transaction not found on chain", err)
	}
	if err != nil {
		return nil, chainUnavailable("transaction receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, rtypes.Errorf(rtypes.ErrCodePaymentNotFound, "transaction %s reverted", txHash.Hex())
	}

	var payment *rtypes.Payment
	for _, l := range receipt.Logs {
		if l.Address != c.contract || l.Removed {
			continue
		}
		p, err := c.parseActionPaid(*l)
		if errors.Is(err, errNotActionPaid) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payment = p
		break
	}
	if payment == nil {
		return nil, rtypes.Errorf(rtypes.ErrCodePaymentNotFound, "no ActionPaid event in transaction %s", txHash.Hex())
	}

	consumed, err := c.IsConsumed(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	payment.Consumed = consumed
	return payment, nil
}

func (c *EVMClient) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, chainUnavailable("block number", err)
	}
	return n, nil
}

// FilterPayments returns the ActionPaid events mined in [from, to].
func (c *EVMClient) FilterPayments(ctx context.Context, from, to uint64) ([]rtypes.Payment, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.abi.Events[eventActionPaid].ID}},
	})
	if err != nil {
		return nil, chainUnavailable("filter logs", err)
	}

	payments := make([]rtypes.Payment, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		p, err := c.parseActionPaid(l)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, nil
}

var errNotActionPaid = errors.New("log is not an ActionPaid event")

func (c *EVMClient) parseActionPaid(l types.Log) (*rtypes.Payment, error) {
	event := c.abi.Events[eventActionPaid]
	if len(l.Topics) == 0 || l.Topics[0] != event.ID {
		return nil, errNotActionPaid
	}

	values := make(map[string]any)
	if err := c.abi.UnpackIntoMap(values, eventActionPaid, l.Data); err != nil {
		return nil, fmt.Errorf("decode ActionPaid data: %w", err)
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode ActionPaid topics: %w", err)
	}

	id, ok1 := values["paymentId"].(*big.Int)
	user, ok2 := values["user"].(common.Address)
	name, ok3 := values["name"].(string)
	amount, ok4 := values["amount"].(*big.Int)
	quantity, ok5 := values["quantity"].(*big.Int)
	ts, ok6 := values["timestamp"].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, fmt.Errorf("ActionPaid event in tx %s has unexpected field types", l.TxHash.Hex())
	}

	return &rtypes.Payment{
		ID:        id,
		TxHash:    l.TxHash,
		Block:     l.BlockNumber,
		Payer:     user,
		Service:   name,
		Quantity:  quantity,
		Amount:    amount,
		Timestamp: time.Unix(ts.Int64(), 0).UTC(),
	}, nil
}
