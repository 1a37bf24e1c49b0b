package clients

import (
	"context"
	"errors"
	"strings"

	rtypes "github.com/syscall-sdk/relayer/types"
)

// Node error fragments that mean our nonce view is stale.
var nonceConflictMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
	"known transaction",
}

// Node error fragments that retrying will not fix.
var permanentMarkers = []string{
	"insufficient funds",
	"execution reverted",
	"intrinsic gas too low",
	"invalid sender",
}

// classifySendError maps a node error on transaction submission to the
// relayer taxonomy.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range nonceConflictMarkers {
		if strings.Contains(msg, m) {
			return rtypes.NewError(rtypes.ErrCodeNonceConflict, "transaction nonce conflict", err)
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return rtypes.NewError(rtypes.ErrCodeConsumptionFailed, "transaction rejected by node", err)
		}
	}
	return chainUnavailable("send transaction", err)
}

func chainUnavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return rtypes.NewError(rtypes.ErrCodeChainUnavailable, op+" failed", err)
}
