package utils

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddressFromSignature recovers the Ethereum address from a signature
// over hash. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	sigBytes, err := hexutil.Decode(ensure0x(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[crypto.RecoveryIDOffset] >= 27 {
		sigBytes[crypto.RecoveryIDOffset] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// RecoverPersonalSigner recovers the signer of an EIP-191 personal_sign
// message, which is how wallets sign the payment transaction hash.
func RecoverPersonalSigner(message, signature string) (common.Address, error) {
	return RecoverAddressFromSignature(accounts.TextHash([]byte(message)), signature)
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a hash with the given private key. The recovery id is
// shifted to 27/28 the way wallets return it.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(signature), nil
}

// SignPersonalMessage signs message the way personal_sign does.
func SignPersonalMessage(message string, privateKey *ecdsa.PrivateKey) (string, error) {
	return SignHash(accounts.TextHash([]byte(message)), privateKey)
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
