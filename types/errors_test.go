package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayerErrorIs(t *testing.T) {
	err := NewError(ErrCodeTokenExpired, "token expired at 12:00", errors.New("exp claim"))
	wrapped := fmt.Errorf("dispatch: %w", err)

	assert.ErrorIs(t, wrapped, ErrTokenExpired)
	assert.NotErrorIs(t, wrapped, ErrTokenAlreadyUsed)
	assert.Equal(t, "token expired at 12:00: exp claim", err.Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ErrCodeInternal},
		{"sentinel", ErrAuthMismatch, ErrCodeAuthMismatch},
		{"wrapped", fmt.Errorf("x: %w", Errorf(ErrCodeGatewayError, "sms down")), ErrCodeGatewayError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestPricingPolicyValid(t *testing.T) {
	assert.True(t, PricingTrustPaid.Valid())
	assert.True(t, PricingRecompute.Valid())
	assert.False(t, PricingPolicy("free").Valid())
}
