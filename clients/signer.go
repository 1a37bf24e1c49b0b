package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/syscall-sdk/relayer/utils"
)

// SignerKind tags which signer variant was constructed.
type SignerKind int

const (
	// SignerKeyed holds a raw private key in process.
	SignerKeyed SignerKind = iota + 1
	// SignerInjected delegates to an external wallet (clef, a browser
	// provider bridge, a KMS).
	SignerInjected
)

func (k SignerKind) String() string {
	switch k {
	case SignerKeyed:
		return "keyed"
	case SignerInjected:
		return "injected"
	default:
		return "unknown"
	}
}

// Signer signs transactions and personal messages for one address.
type Signer interface {
	Kind() SignerKind
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// SignText produces an EIP-191 personal_sign signature (v = 27/28).
	SignText(ctx context.Context, message []byte) ([]byte, error)
}

var ErrInvalidKey = errors.New("clients: invalid private key")

// KeyedSigner signs with an in-process private key.
type KeyedSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeyedSigner)(nil)

func NewKeyedSigner(privateKeyHex string) (*KeyedSigner, error) {
	key, err := utils.PrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKeyedSignerFromKey(key), nil
}

func NewKeyedSignerFromKey(key *ecdsa.PrivateKey) *KeyedSigner {
	return &KeyedSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeyedSigner) Kind() SignerKind        { return SignerKeyed }
func (s *KeyedSigner) Address() common.Address { return s.address }

func (s *KeyedSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (s *KeyedSigner) SignText(_ context.Context, message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// TxSignFunc signs tx on behalf of from.
type TxSignFunc func(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

// TextSignFunc personal-signs message on behalf of from.
type TextSignFunc func(ctx context.Context, from common.Address, message []byte) ([]byte, error)

// InjectedSigner forwards signing to callbacks supplied by the host wallet.
type InjectedSigner struct {
	address  common.Address
	signTx   TxSignFunc
	signText TextSignFunc
}

var _ Signer = (*InjectedSigner)(nil)

func NewInjectedSigner(address common.Address, signTx TxSignFunc, signText TextSignFunc) (*InjectedSigner, error) {
	if address == (common.Address{}) {
		return nil, errors.New("clients: injected signer needs an address")
	}
	if signTx == nil || signText == nil {
		return nil, errors.New("clients: injected signer needs both sign callbacks")
	}
	return &InjectedSigner{address: address, signTx: signTx, signText: signText}, nil
}

func (s *InjectedSigner) Kind() SignerKind        { return SignerInjected }
func (s *InjectedSigner) Address() common.Address { return s.address }

func (s *InjectedSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := s.signTx(ctx, s.address, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("injected signer: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("injected signer: %w", err)
	}
	if sender != s.address {
		return nil, fmt.Errorf("injected signer returned tx from %s, expected %s", sender.Hex(), s.address.Hex())
	}
	return signed, nil
}

func (s *InjectedSigner) SignText(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := s.signText(ctx, s.address, message)
	if err != nil {
		return nil, fmt.Errorf("injected signer: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("injected signer: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}
