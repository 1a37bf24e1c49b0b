package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchResponseFlattensGatewayFields(t *testing.T) {
	resp := DispatchResponse{
		Status:      StatusDelivered,
		Service:     ServiceSMS,
		Destination: "+15551234567",
		Gateway: map[string]any{
			"providerStatus": "queued",
			"status":         "failed",
		},
		Meta: DispatchMeta{PaymentID: "7", ProviderID: "SM1", Timestamp: 1_700_000_000},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "queued", raw["providerStatus"])
	assert.Equal(t, StatusDelivered, raw["status"], "gateway fields do not replace reserved keys")
	assert.Equal(t, "7", raw["meta"].(map[string]any)["paymentId"])

	var back DispatchResponse
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StatusDelivered, back.Status)
	assert.Equal(t, resp.Meta, back.Meta)
	assert.Equal(t, map[string]any{"providerStatus": "queued"}, back.Gateway)
}

func TestDispatchResponseWithoutGatewayFields(t *testing.T) {
	data, err := json.Marshal(DispatchResponse{Status: StatusDelivered, Meta: DispatchMeta{PaymentID: "1"}})
	require.NoError(t, err)

	var back DispatchResponse
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Nil(t, back.Gateway)
	assert.Equal(t, "1", back.Meta.PaymentID)
}
