// Package authorization mints and checks the short-lived tokens that let a
// payer spend one verified payment on one delivery.
package authorization

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/metrics"
	"github.com/syscall-sdk/relayer/store"
	rtypes "github.com/syscall-sdk/relayer/types"
)

const (
	// DefaultTTL bounds how long a verified payment can wait for its dispatch.
	DefaultTTL = 5 * time.Minute

	issuerName = "syscall-relayer"
)

// Claims is the JWT payload. The token is only half of the authorization:
// the store must also hold its jti as the live token for the payment.
type Claims struct {
	PaymentID string `json:"pid"`
	Service   string `json:"svc"`
	Quantity  uint64 `json:"qty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret  []byte
	ttl     time.Duration
	store   store.AuthorizationStore
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Issuer)

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(i *Issuer) { i.metrics = r }
}

func NewIssuer(secret string, st store.AuthorizationStore, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, rtypes.NewError(rtypes.ErrCodeInternal, "jwt secret is empty", nil)
	}
	i := &Issuer{
		secret:  []byte(secret),
		ttl:     DefaultTTL,
		store:   st,
		now:     time.Now,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for vp and records it as the payment's live
// authorization, superseding any earlier token for the same payment.
func (i *Issuer) Issue(ctx context.Context, vp *rtypes.VerifiedPayment) (*rtypes.Token, error) {
	ref := vp.Ref()
	if ref == "" {
		return nil, rtypes.NewError(rtypes.ErrCodeInternal, "verified payment has no id", nil)
	}

	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.ttl)
	claims := Claims{
		PaymentID: ref,
		Service:   vp.Service,
		Quantity:  quantityOf(vp),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   vp.Payer.Hex(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, rtypes.NewError(rtypes.ErrCodeInternal, "sign authorization token", err)
	}

	if err := i.store.Put(ctx, ref, claims.ID, i.ttl); err != nil {
		return nil, err
	}

	i.metrics.IncCounter(metrics.TokenIssued, map[string]string{"service": vp.Service})
	i.logger.Info("authorization issued", map[string]any{
		"paymentId": ref,
		"service":   vp.Service,
		"payer":     claims.Subject,
		"expiresAt": expiresAt,
	})

	return tokenFromClaims(raw, &claims), nil
}

// Parse checks integrity and expiry. It does not consult the store.
func (i *Issuer) Parse(raw string) (*rtypes.Token, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, rtypes.NewError(rtypes.ErrCodeTokenExpired, "authorization token expired", err)
	case err != nil:
		return nil, rtypes.NewError(rtypes.ErrCodeInvalidToken, "authorization token rejected", err)
	}
	if claims.PaymentID == "" || claims.ID == "" {
		return nil, rtypes.NewError(rtypes.ErrCodeInvalidToken, "authorization token missing payment binding", nil)
	}
	return tokenFromClaims(raw, &claims), nil
}

// Claim spends tok. Exactly one concurrent caller per token succeeds.
func (i *Issuer) Claim(ctx context.Context, tok *rtypes.Token) error {
	res, err := i.store.Claim(ctx, tok.PaymentRef, tok.ID)
	if err != nil {
		return err
	}
	switch res {
	case store.Claimed:
		return nil
	case store.AlreadyUsed:
		return rtypes.Errorf(rtypes.ErrCodeTokenAlreadyUsed, "payment %s already dispatched", tok.PaymentRef)
	default:
		if !i.now().Before(tok.ExpiresAt) {
			return rtypes.Errorf(rtypes.ErrCodeTokenExpired, "authorization for payment %s expired", tok.PaymentRef)
		}
		return rtypes.Errorf(rtypes.ErrCodeTokenRevoked, "authorization for payment %s is no longer live", tok.PaymentRef)
	}
}

// Revoke withdraws the live token of a payment without burning the payment.
func (i *Issuer) Revoke(ctx context.Context, paymentRef string) error {
	if err := i.store.Revoke(ctx, paymentRef); err != nil {
		return err
	}
	i.logger.Info("authorization revoked", map[string]any{"paymentId": paymentRef})
	return nil
}

func quantityOf(vp *rtypes.VerifiedPayment) uint64 {
	if vp.Quantity == nil || vp.Quantity.Sign() <= 0 {
		return 0
	}
	if !vp.Quantity.IsUint64() {
		return math.MaxUint64
	}
	return vp.Quantity.Uint64()
}

func tokenFromClaims(raw string, c *Claims) *rtypes.Token {
	tok := &rtypes.Token{
		Raw:        raw,
		ID:         c.ID,
		PaymentRef: c.PaymentID,
		Payer:      c.Subject,
		Service:    c.Service,
		Quantity:   c.Quantity,
	}
	if c.IssuedAt != nil {
		tok.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		tok.ExpiresAt = c.ExpiresAt.Time
	}
	return tok
}
