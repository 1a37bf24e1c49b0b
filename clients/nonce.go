package clients

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type nonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager serializes "read nonce, sign, send, increment" per sending
// key. The cached nonce is dropped whenever a submission fails in a way that
// leaves the node's view uncertain, and re-read from the pending pool on the
// next submission.
type NonceManager struct {
	source nonceSource

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
	next  map[common.Address]uint64
}

func NewNonceManager(source nonceSource) *NonceManager {
	return &NonceManager{
		source: source,
		locks:  make(map[common.Address]*sync.Mutex),
		next:   make(map[common.Address]uint64),
	}
}

func (m *NonceManager) lockFor(from common.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[from]
	if !ok {
		l = &sync.Mutex{}
		m.locks[from] = l
	}
	return l
}

// Submit runs send with the next nonce for from. send must sign and
// broadcast; it is never called concurrently for the same address.
func (m *NonceManager) Submit(
	ctx context.Context,
	from common.Address,
	send func(nonce uint64) (*types.Transaction, error),
) (*types.Transaction, error) {
	l := m.lockFor(from)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	nonce, cached := m.next[from]
	m.mu.Unlock()

	if !cached {
		n, err := m.source.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, chainUnavailable("pending nonce", err)
		}
		nonce = n
	}

	tx, err := send(nonce)
	if err != nil {
		// Only a request that never left the process keeps the cache valid.
		if !errors.Is(err, errNotSent) {
			m.Reset(from)
		}
		return nil, err
	}

	m.mu.Lock()
	m.next[from] = nonce + 1
	m.mu.Unlock()
	return tx, nil
}

// Reset forgets the cached nonce for from.
func (m *NonceManager) Reset(from common.Address) {
	m.mu.Lock()
	delete(m.next, from)
	m.mu.Unlock()
}

// errNotSent marks failures that happened before broadcasting.
var errNotSent = errors.New("transaction not sent")
