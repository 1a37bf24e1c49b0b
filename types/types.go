package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known service names served by the stock gateways.
const (
	ServiceSMS   = "sms"
	ServiceEmail = "email"
)

// Delivery statuses reported in acknowledgments.
const (
	StatusDelivered  = "delivered"
	StatusAuthorized = "authorized"
)

const (
	DefaultSubject    = "Syscall Notification"
	DefaultSenderName = "Syscall Oracle"
)

// PricingPolicy selects how the verifier treats the amount paid.
type PricingPolicy string

const (
	// PricingTrustPaid accepts the amount transferred; the contract already
	// enforced the price floor when the payment was mined.
	PricingTrustPaid PricingPolicy = "trust-paid"

	// PricingRecompute re-reads the catalog price at verification time and
	// rejects payments below price × quantity.
	PricingRecompute PricingPolicy = "recompute"
)

func (p PricingPolicy) Valid() bool {
	return p == PricingTrustPaid || p == PricingRecompute
}

// Payment is an ActionPaid event as recorded on-chain.
type Payment struct {
	ID        *big.Int       `json:"id"`
	TxHash    common.Hash    `json:"txHash"`
	Block     uint64         `json:"block"`
	Payer     common.Address `json:"payer"`
	Service   string         `json:"service"`
	Quantity  *big.Int       `json:"quantity"`
	Amount    *big.Int       `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
	Consumed  bool           `json:"consumed"`
}

// Ref returns the payment reference used to key authorizations.
func (p *Payment) Ref() string {
	if p == nil || p.ID == nil {
		return ""
	}
	return p.ID.String()
}

// VerifiedPayment is a payment whose ownership and freshness were checked.
type VerifiedPayment struct {
	Payment
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Token is a signed authorization handed to the payer after verification.
type Token struct {
	Raw        string    `json:"jwt"`
	ID         string    `json:"jti"`
	PaymentRef string    `json:"paymentId"`
	Payer      string    `json:"payer"`
	Service    string    `json:"service"`
	Quantity   uint64    `json:"quantity"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// DeliveryRequest is the caller supplied payload of a dispatch.
type DeliveryRequest struct {
	Destination string `json:"destination" validate:"required"`
	Content     string `json:"content" validate:"required"`
	Subject     string `json:"subject,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
}

// GatewayResult is what a delivery gateway reports back.
type GatewayResult struct {
	ProviderID string         `json:"providerId"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Acknowledgment is returned once per successful dispatch.
type Acknowledgment struct {
	Status        string         `json:"status"`
	Service       string         `json:"service"`
	Destination   string         `json:"destination"`
	PaymentRef    string         `json:"paymentId"`
	Gateway       *GatewayResult `json:"gateway"`
	ConsumptionTx string         `json:"consumptionTx,omitempty"`
	// ConsumptionPending is set when on-chain recording was handed to the
	// background queue.
	ConsumptionPending bool      `json:"consumptionPending,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// ConsumptionJob is a pending on-chain consumption handed to the background
// retry queue.
type ConsumptionJob struct {
	PaymentRef string    `json:"paymentRef"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"notBefore"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	TxHash    string `json:"txHash" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Sender    string `json:"sender" validate:"required"`
}

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	Status    string    `json:"status"`
	JWT       string    `json:"jwt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DispatchMeta is nested under "meta" in dispatch responses.
type DispatchMeta struct {
	PaymentID          string `json:"paymentId"`
	ConsumptionTx      string `json:"consumptionTx"`
	ConsumptionPending bool   `json:"consumptionPending,omitempty"`
	ProviderID         string `json:"providerSid"`
	Timestamp          int64  `json:"timestamp"`
}

// DispatchResponse is returned by POST /dispatch. Gateway fields are
// written at the top level next to status and meta; they never replace
// those keys.
type DispatchResponse struct {
	Status      string         `json:"status"`
	Service     string         `json:"service"`
	Destination string         `json:"destination"`
	Gateway     map[string]any `json:"-"`
	Meta        DispatchMeta   `json:"meta"`
}

// dispatchEnvelope is DispatchResponse without its custom codec.
type dispatchEnvelope struct {
	Status      string       `json:"status"`
	Service     string       `json:"service"`
	Destination string       `json:"destination"`
	Meta        DispatchMeta `json:"meta"`
}

var dispatchKeys = map[string]bool{"status": true, "service": true, "destination": true, "meta": true}

func (r DispatchResponse) MarshalJSON() ([]byte, error) {
	fixed, err := json.Marshal(dispatchEnvelope{
		Status:      r.Status,
		Service:     r.Service,
		Destination: r.Destination,
		Meta:        r.Meta,
	})
	if err != nil {
		return nil, err
	}
	if len(r.Gateway) == 0 {
		return fixed, nil
	}

	out := make(map[string]json.RawMessage, len(r.Gateway)+len(dispatchKeys))
	for k, v := range r.Gateway {
		if dispatchKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(fixed, &envelope); err != nil {
		return nil, err
	}
	for k, v := range envelope {
		out[k] = v
	}
	return json.Marshal(out)
}

func (r *DispatchResponse) UnmarshalJSON(data []byte) error {
	var envelope dispatchEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*r = DispatchResponse{
		Status:      envelope.Status,
		Service:     envelope.Service,
		Destination: envelope.Destination,
		Meta:        envelope.Meta,
	}
	for k, v := range all {
		if dispatchKeys[k] {
			continue
		}
		if r.Gateway == nil {
			r.Gateway = make(map[string]any)
		}
		r.Gateway[k] = v
	}
	return nil
}

// ChainConfig is returned by GET /config.
type ChainConfig struct {
	RPCUrl          string `json:"rpcUrl"`
	ContractAddress string `json:"contractAddress"`
}

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// RelayerConfig contains the relayer process configuration.
type RelayerConfig struct {
	Port            int           `json:"port" validate:"min=1,max=65535"`
	RPCUrl          string        `json:"rpcUrl" validate:"required,url"`
	ContractAddress string        `json:"contractAddress" validate:"required,eth_addr"`
	OwnerPrivateKey string        `json:"-" validate:"required"`
	JWTSecret       string        `json:"-" validate:"required,min=16"`
	TokenTTL        time.Duration `json:"tokenTtl" validate:"gt=0"`
	GatewayTimeout  time.Duration `json:"gatewayTimeout" validate:"gt=0"`
	ChainTimeout    time.Duration `json:"chainTimeout" validate:"gt=0"`
	ConsumeAttempts int           `json:"consumeAttempts" validate:"min=1"`
	PricingPolicy   PricingPolicy `json:"pricingPolicy" validate:"required,oneof=trust-paid recompute"`
	RedisAddr       string        `json:"redisAddr,omitempty"`
	LogLevel        string        `json:"logLevel" validate:"oneof=debug info warn error"`
	EnableMetrics   bool          `json:"enableMetrics"`

	// CORSOrigins lists browser origins allowed to call the API. Empty
	// allows any http or https origin.
	CORSOrigins []string `json:"corsOrigins,omitempty"`

	Twilio   TwilioConfig      `json:"twilio"`
	SMTP     SMTPConfig        `json:"smtp"`
	Webhooks map[string]string `json:"webhooks,omitempty" validate:"dive,url"`
}

// TwilioConfig holds SMS gateway credentials.
type TwilioConfig struct {
	AccountSID string `json:"-"`
	AuthToken  string `json:"-"`
	FromNumber string `json:"fromNumber"`
	BaseURL    string `json:"baseUrl" validate:"omitempty,url"`
}

// SMTPConfig holds email gateway credentials.
type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port" validate:"omitempty,min=1,max=65535"`
	User      string `json:"-"`
	Password  string `json:"-"`
	FromEmail string `json:"fromEmail" validate:"omitempty,email"`
}
