// Package sdk is the payer-side client: it pays for a service on-chain and
// spends the resulting authorization on one delivery through a relayer.
package sdk

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-resty/resty/v2"
	"github.com/syscall-sdk/relayer/clients"
	"github.com/syscall-sdk/relayer/logger"
	rtypes "github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
	"golang.org/x/sync/errgroup"
)

// Payer is the chain access Send needs.
type Payer interface {
	ServicePrice(ctx context.Context, service string) (*big.Int, error)
	Pay(ctx context.Context, service string, quantity, value *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DialFunc connects a Payer to the chain advertised by the relayer.
type DialFunc func(ctx context.Context, cfg rtypes.ChainConfig, signer clients.Signer) (Payer, error)

// DialEVM is the default DialFunc.
func DialEVM(ctx context.Context, cfg rtypes.ChainConfig, signer clients.Signer) (Payer, error) {
	return clients.NewEVMClient(ctx, cfg.RPCUrl, cfg.ContractAddress, clients.WithSigner(signer))
}

type Client struct {
	http   *resty.Client
	signer clients.Signer
	dial   DialFunc
	logger logger.Logger

	mu    sync.Mutex
	payer Payer
}

type Option func(*Client)

// WithPayer skips dialing and pays through p.
func WithPayer(p Payer) Option {
	return func(c *Client) {
		c.payer = p
	}
}

func WithDialer(d DialFunc) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// New creates a client for the relayer at baseURL paying with signer.
func New(baseURL string, signer clients.Signer, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
		signer: signer,
		dial:   DialEVM,
		logger: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendOptions carries the optional email fields.
type SendOptions struct {
	Subject    string
	SenderName string
}

// Receipt is the outcome of a Send.
type Receipt struct {
	PaymentTx common.Hash
	Price     *big.Int
	Paid      *big.Int
	Quantity  uint64
	Dispatch  *rtypes.DispatchResponse
}

// Send pays for len(content) units of service, has the relayer verify the
// payment and dispatches content to destination.
func (c *Client) Send(ctx context.Context, service, destination, content string, opts *SendOptions) (*Receipt, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	quantity := utils.ContentUnits(content)
	if quantity == 0 {
		return nil, rtypes.NewError(rtypes.ErrCodeInvalidRequest, "content is empty", nil)
	}

	payer, err := c.chain(ctx)
	if err != nil {
		return nil, err
	}

	price, err := payer.ServicePrice(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", service, err)
	}
	if price.Sign() == 0 {
		return nil, rtypes.Errorf(rtypes.ErrCodeUnknownService, "service %q is not priced on-chain", service)
	}
	q := new(big.Int).SetUint64(quantity)
	value := new(big.Int).Mul(price, q)

	c.logger.Info("paying for service", map[string]any{
		"service":  service,
		"quantity": quantity,
		"eth":      utils.FormatWei(value),
	})

	txHash, err := payer.Pay(ctx, service, q, value)
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	receipt, err := payer.WaitMined(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("wait for payment %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, rtypes.Errorf(rtypes.ErrCodePaymentNotFound, "payment %s reverted", txHash.Hex())
	}

	jwt, err := c.Authorize(ctx, txHash)
	if err != nil {
		return nil, err
	}

	resp, err := c.Dispatch(ctx, jwt, &rtypes.DeliveryRequest{
		Destination: destination,
		Content:     content,
		Subject:     opts.Subject,
		SenderName:  opts.SenderName,
	})
	if err != nil {
		return nil, err
	}

	return &Receipt{
		PaymentTx: txHash,
		Price:     price,
		Paid:      value,
		Quantity:  quantity,
		Dispatch:  resp,
	}, nil
}

// Authorize proves ownership of the payment in txHash and returns the
// relayer's token for it.
func (c *Client) Authorize(ctx context.Context, txHash common.Hash) (string, error) {
	msg := txHash.Hex()
	sig, err := c.signer.SignText(ctx, []byte(msg))
	if err != nil {
		return "", fmt.Errorf("sign payment proof: %w", err)
	}

	var out rtypes.VerifyResponse
	if err := c.post(ctx, "/verify", "", &rtypes.VerifyRequest{
		TxHash:    msg,
		Signature: hexutil.Encode(sig),
		Sender:    c.signer.Address().Hex(),
	}, &out); err != nil {
		return "", err
	}
	return out.JWT, nil
}

// Dispatch spends jwt on req.
func (c *Client) Dispatch(ctx context.Context, jwt string, req *rtypes.DeliveryRequest) (*rtypes.DispatchResponse, error) {
	var out rtypes.DispatchResponse
	if err := c.post(ctx, "/dispatch", jwt, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config fetches the chain the relayer settles on.
func (c *Client) Config(ctx context.Context) (rtypes.ChainConfig, error) {
	var out rtypes.ChainConfig
	var apiErr rtypes.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/config")
	if err != nil {
		return out, fmt.Errorf("relayer unreachable: %w", err)
	}
	if resp.IsError() {
		return out, remoteError(resp, &apiErr)
	}
	return out, nil
}

// Quote returns the on-chain unit price of each service.
func (c *Client) Quote(ctx context.Context, services ...string) (map[string]*big.Int, error) {
	payer, err := c.chain(ctx)
	if err != nil {
		return nil, err
	}

	prices := make([]*big.Int, len(services))
	g, gctx := errgroup.WithContext(ctx)
	for i, service := range services {
		g.Go(func() error {
			p, err := payer.ServicePrice(gctx, service)
			if err != nil {
				return fmt.Errorf("quote %s: %w", service, err)
			}
			prices[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*big.Int, len(services))
	for i, service := range services {
		out[service] = prices[i]
	}
	return out, nil
}

func (c *Client) chain(ctx context.Context) (Payer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payer != nil {
		return c.payer, nil
	}

	cfg, err := c.Config(ctx)
	if err != nil {
		return nil, err
	}
	p, err := c.dial(ctx, cfg, c.signer)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	c.payer = p
	return p, nil
}

func (c *Client) post(ctx context.Context, path, bearer string, body, out any) error {
	var apiErr rtypes.ErrorResponse
	req := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&apiErr)
	if bearer != "" {
		req.SetAuthToken(bearer)
	}

	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("relayer unreachable: %w", err)
	}
	if resp.IsError() {
		return remoteError(resp, &apiErr)
	}
	return nil
}

// remoteError rebuilds the relayer's error so callers can match it with
// errors.Is.
func remoteError(resp *resty.Response, apiErr *rtypes.ErrorResponse) error {
	code := rtypes.ErrorCode(apiErr.Code)
	if code == "" {
		code = rtypes.ErrCodeInternal
	}
	detail := apiErr.Detail
	if detail == "" {
		detail = resp.Status()
	}
	return rtypes.NewError(code, detail, nil)
}
