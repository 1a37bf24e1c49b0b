package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/syscall-sdk/relayer/types"
)

// StatusFor maps a relayer error to its HTTP status.
func StatusFor(err error) int {
	switch types.CodeOf(err) {
	case types.ErrCodeAuthMismatch, types.ErrCodeInvalidToken, types.ErrCodeTokenExpired, types.ErrCodeTokenRevoked:
		return http.StatusUnauthorized
	case types.ErrCodeTokenAlreadyUsed, types.ErrCodeAlreadyConsumed:
		return http.StatusConflict
	case types.ErrCodeQuantityExceeded, types.ErrCodeUnderPaid:
		return http.StatusPaymentRequired
	case types.ErrCodePaymentNotFound:
		return http.StatusNotFound
	case types.ErrCodeInvalidRequest, types.ErrCodeUnknownService:
		return http.StatusBadRequest
	case types.ErrCodeGatewayError:
		return http.StatusBadGateway
	case types.ErrCodeChainUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	detail := err.Error()
	// Causes of internal failures may carry RPC URLs; only the message goes out.
	if status == http.StatusInternalServerError {
		detail = types.ErrInternal.Message
		var re *types.RelayerError
		if errors.As(err, &re) {
			detail = re.Message
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, types.ErrorResponse{
		Code:   string(types.CodeOf(err)),
		Detail: detail,
	})
}
