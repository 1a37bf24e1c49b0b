package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs the `validate` tags of v.
func ValidateStruct(v any) error {
	return Validator().Struct(v)
}

// ValidateTransactionHash checks for a 0x-prefixed 32 byte hex hash.
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashPattern.MatchString(hash) {
		return fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

// FormatWei renders a wei amount in ether.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ParseEther converts an ether amount ("0.01") to wei.
func ParseEther(amount string) (*big.Int, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	return dec.Shift(18).BigInt(), nil
}

// ContentUnits is the billed quantity of a message: its UTF-8 byte length.
func ContentUnits(content string) uint64 {
	return uint64(len(content))
}
