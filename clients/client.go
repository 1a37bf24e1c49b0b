package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	rtypes "github.com/syscall-sdk/relayer/types"
)

// ChainClient is the relayer's view of the ledger.
type ChainClient interface {
	// ServicePrice returns the catalog unit price of service, in wei.
	ServicePrice(ctx context.Context, service string) (*big.Int, error)
	// Pay submits pay(service, quantity) carrying value.
	Pay(ctx context.Context, service string, quantity, value *big.Int) (common.Hash, error)
	// WaitMined blocks until the transaction has a receipt.
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	// PaymentByTx returns the ActionPaid payment emitted by txHash, including
	// its current consumed flag.
	PaymentByTx(ctx context.Context, txHash common.Hash) (*rtypes.Payment, error)
	IsConsumed(ctx context.Context, paymentID *big.Int) (bool, error)
	// ConsumePayment submits the owner-only consumePayment(id) and waits for it
	// to be mined. An error with a non-zero hash means the transaction was
	// broadcast but its receipt was not seen.
	ConsumePayment(ctx context.Context, paymentID *big.Int) (common.Hash, error)
	LatestBlock(ctx context.Context) (uint64, error)
	FilterPayments(ctx context.Context, from, to uint64) ([]rtypes.Payment, error)
	ChainID() *big.Int
	Close()
}
