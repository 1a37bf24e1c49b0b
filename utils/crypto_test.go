package utils

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Foundry/Anvil first default account. Well-known test key.
const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestPersonalSignRoundTrip(t *testing.T) {
	key, err := PrivateKeyFromHex("0x" + testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, AddressFromPrivateKey(key).Hex())

	txHash := "0x" + strings.Repeat("ab", 32)
	sig, err := SignPersonalMessage(txHash, key)
	require.NoError(t, err)

	signer, err := RecoverPersonalSigner(txHash, sig)
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Hex())

	// Signature without 0x prefix recovers the same address.
	signer, err = RecoverPersonalSigner(txHash, strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	assert.Equal(t, testAddress, signer.Hex())

	// A different message recovers somebody else.
	other, err := RecoverPersonalSigner("0x"+strings.Repeat("cd", 32), sig)
	require.NoError(t, err)
	assert.NotEqual(t, testAddress, other.Hex())
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	_, err := RecoverPersonalSigner("hello", "0x1234")
	assert.Error(t, err)

	_, err = RecoverPersonalSigner("hello", "not-hex")
	assert.Error(t, err)
}

func TestValidateTransactionHash(t *testing.T) {
	assert.NoError(t, ValidateTransactionHash("0x"+strings.Repeat("0a", 32)))
	assert.Error(t, ValidateTransactionHash(""))
	assert.Error(t, ValidateTransactionHash(strings.Repeat("0a", 32)))
	assert.Error(t, ValidateTransactionHash("0x1234"))
}

func TestAmounts(t *testing.T) {
	wei, err := ParseEther("0.015")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(15_000_000_000_000_000), wei)
	assert.Equal(t, "0.015", FormatWei(wei))

	_, err = ParseEther("-1")
	assert.Error(t, err)
	assert.Equal(t, "0", FormatWei(nil))
	assert.Equal(t, uint64(5), ContentUnits("héll"))
}
