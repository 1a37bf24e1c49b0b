package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/types"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

// TwilioGateway sends SMS through the Twilio Messages API.
type TwilioGateway struct {
	client *resty.Client
	cfg    types.TwilioConfig
	logger logger.Logger
}

var _ Gateway = (*TwilioGateway)(nil)

func NewTwilioGateway(cfg types.TwilioConfig, timeout time.Duration, l logger.Logger) *TwilioGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if l == nil {
		l = logger.NoopLogger{}
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &TwilioGateway{client: client, cfg: cfg, logger: l}
}

func (g *TwilioGateway) Name() string { return "twilio" }

func (g *TwilioGateway) Deliver(ctx context.Context, req *types.DeliveryRequest) (*types.GatewayResult, error) {
	if g.cfg.AccountSID == "" || g.cfg.AuthToken == "" || g.cfg.FromNumber == "" {
		return nil, gatewayError(g.Name(), "credentials not configured", nil)
	}

	g.logger.Info("sending sms", map[string]any{"to": req.Destination, "bytes": len(req.Content)})

	var msg twilioMessage
	var apiErr twilioError
	resp, err := g.client.R().
		SetContext(ctx).
		SetBasicAuth(g.cfg.AccountSID, g.cfg.AuthToken).
		SetFormData(map[string]string{
			"To":   req.Destination,
			"From": g.cfg.FromNumber,
			"Body": req.Content,
		}).
		SetResult(&msg).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", g.cfg.AccountSID))
	if err != nil {
		return nil, gatewayError(g.Name(), "request failed", err)
	}
	if resp.IsError() {
		detail := apiErr.Message
		if detail == "" {
			detail = resp.Status()
		}
		return nil, gatewayError(g.Name(), fmt.Sprintf("rejected (%d): %s", apiErr.Code, detail), nil)
	}
	if msg.SID == "" {
		return nil, gatewayError(g.Name(), "response carried no message sid", nil)
	}

	g.logger.Info("sms accepted", map[string]any{"sid": msg.SID, "status": msg.Status})
	return &types.GatewayResult{
		ProviderID: msg.SID,
		Fields: map[string]any{
			"providerStatus": msg.Status,
		},
	}, nil
}
