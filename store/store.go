// Package store holds the relayer's pending-authorization state: which token
// currently authorizes each payment, and which payments already had their
// single delivery claimed.
package store

import (
	"context"
	"time"
)

// ClaimResult is the outcome of an atomic claim.
type ClaimResult int

const (
	// Claimed means the token was live and is now spent.
	Claimed ClaimResult = iota + 1
	// AlreadyUsed means the payment's delivery was claimed before.
	AlreadyUsed
	// NotPending means no live authorization matches: it expired, was
	// revoked, or was superseded by a newer token.
	NotPending
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyUsed:
		return "already-used"
	case NotPending:
		return "not-pending"
	default:
		return "unknown"
	}
}

// DefaultUsedRetention is how long a claimed payment stays blocked from
// re-authorization. It must outlive the time consumption recording can take
// to land on-chain.
const DefaultUsedRetention = 24 * time.Hour

// AuthorizationStore is shared by every request of a relayer process.
// Implementations make Put and Claim atomic with respect to each other.
type AuthorizationStore interface {
	// Put records tokenID as the live authorization for paymentRef, replacing
	// any previous one. It fails with types.ErrAlreadyConsumed when the
	// payment was already claimed.
	Put(ctx context.Context, paymentRef, tokenID string, ttl time.Duration) error
	// Claim spends tokenID if it is the live authorization for paymentRef.
	Claim(ctx context.Context, paymentRef, tokenID string) (ClaimResult, error)
	// Revoke drops the live authorization for paymentRef, if any.
	Revoke(ctx context.Context, paymentRef string) error
	Close() error
}
