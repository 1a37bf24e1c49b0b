package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a relayer failure for programmatic handling.
type ErrorCode string

const (
	ErrCodeAuthMismatch      ErrorCode = "AUTH_MISMATCH"
	ErrCodePaymentNotFound   ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeAlreadyConsumed   ErrorCode = "ALREADY_CONSUMED"
	ErrCodeUnderPaid         ErrorCode = "UNDER_PAID"
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	ErrCodeTokenAlreadyUsed  ErrorCode = "TOKEN_ALREADY_USED"
	ErrCodeTokenRevoked      ErrorCode = "TOKEN_REVOKED"
	ErrCodeQuantityExceeded  ErrorCode = "QUANTITY_EXCEEDED"
	ErrCodeUnknownService    ErrorCode = "UNKNOWN_SERVICE"
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeGatewayError      ErrorCode = "GATEWAY_ERROR"
	ErrCodeChainUnavailable  ErrorCode = "CHAIN_UNAVAILABLE"
	ErrCodeNonceConflict     ErrorCode = "NONCE_CONFLICT"
	ErrCodeConsumptionFailed ErrorCode = "CONSUMPTION_FAILED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// RelayerError carries a code, a human readable message and the cause.
type RelayerError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *RelayerError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *RelayerError) Unwrap() error {
	return e.Err
}

// Is matches any RelayerError with the same code, so the sentinels below
// work with errors.Is regardless of message or cause.
func (e *RelayerError) Is(target error) bool {
	t, ok := target.(*RelayerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a RelayerError.
func NewError(code ErrorCode, message string, err error) *RelayerError {
	return &RelayerError{Code: code, Message: message, Err: err}
}

// Errorf builds a RelayerError with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *RelayerError {
	return &RelayerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrAuthMismatch      = &RelayerError{Code: ErrCodeAuthMismatch, Message: "signer does not match claimed payer"}
	ErrPaymentNotFound   = &RelayerError{Code: ErrCodePaymentNotFound, Message: "payment not found"}
	ErrAlreadyConsumed   = &RelayerError{Code: ErrCodeAlreadyConsumed, Message: "payment already consumed"}
	ErrUnderPaid         = &RelayerError{Code: ErrCodeUnderPaid, Message: "payment below catalog price"}
	ErrInvalidToken      = &RelayerError{Code: ErrCodeInvalidToken, Message: "invalid authorization token"}
	ErrTokenExpired      = &RelayerError{Code: ErrCodeTokenExpired, Message: "authorization token expired"}
	ErrTokenAlreadyUsed  = &RelayerError{Code: ErrCodeTokenAlreadyUsed, Message: "authorization token already used"}
	ErrTokenRevoked      = &RelayerError{Code: ErrCodeTokenRevoked, Message: "authorization token revoked"}
	ErrQuantityExceeded  = &RelayerError{Code: ErrCodeQuantityExceeded, Message: "content exceeds paid quantity"}
	ErrUnknownService    = &RelayerError{Code: ErrCodeUnknownService, Message: "unknown service"}
	ErrInvalidRequest    = &RelayerError{Code: ErrCodeInvalidRequest, Message: "invalid request"}
	ErrGateway           = &RelayerError{Code: ErrCodeGatewayError, Message: "gateway error"}
	ErrChainUnavailable  = &RelayerError{Code: ErrCodeChainUnavailable, Message: "chain unavailable"}
	ErrNonceConflict     = &RelayerError{Code: ErrCodeNonceConflict, Message: "nonce conflict"}
	ErrConsumptionFailed = &RelayerError{Code: ErrCodeConsumptionFailed, Message: "consumption failed"}
	ErrInternal          = &RelayerError{Code: ErrCodeInternal, Message: "internal error"}
)

// CodeOf extracts the code of a RelayerError anywhere in the chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *RelayerError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}
