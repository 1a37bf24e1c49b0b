package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/types"
)

const webhookResultID = "webhook-delivered"

// WebhookGateway forwards deliveries as JSON to an operator-run endpoint.
// It backs any service beyond sms and email.
type WebhookGateway struct {
	service string
	url     string
	client  *resty.Client
	logger  logger.Logger
}

var _ Gateway = (*WebhookGateway)(nil)

func NewWebhookGateway(service, url string, timeout time.Duration, l logger.Logger) *WebhookGateway {
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &WebhookGateway{
		service: service,
		url:     url,
		client:  resty.New().SetTimeout(timeout),
		logger:  l,
	}
}

func (g *WebhookGateway) Name() string { return "webhook:" + g.service }

func (g *WebhookGateway) Deliver(ctx context.Context, req *types.DeliveryRequest) (*types.GatewayResult, error) {
	var body map[string]any
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Syscall-Service", g.service).
		SetBody(req).
		SetResult(&body).
		Post(g.url)
	if err != nil {
		return nil, gatewayError(g.Name(), "request failed", err)
	}
	if resp.IsError() {
		return nil, gatewayError(g.Name(), fmt.Sprintf("endpoint returned %s", resp.Status()), nil)
	}

	id := webhookResultID
	if v, ok := body["id"].(string); ok && v != "" {
		id = v
	}
	g.logger.Info("webhook delivered", map[string]any{"service": g.service, "id": id})
	return &types.GatewayResult{ProviderID: id, Fields: body}, nil
}
