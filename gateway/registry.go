package gateway

import (
	"time"

	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/types"
)

// FromConfig builds the stock registry: Twilio for sms, SMTP for email and
// one webhook per configured extra service. Gateways with missing
// credentials are still registered and fail at delivery time.
func FromConfig(cfg *types.RelayerConfig, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NoopLogger{}
	}
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	r := NewRegistry()
	r.Register(types.ServiceSMS, NewTwilioGateway(cfg.Twilio, timeout, l.With(map[string]any{"gateway": "twilio"})))
	r.Register(types.ServiceEmail, NewSMTPGateway(cfg.SMTP, timeout, l.With(map[string]any{"gateway": "smtp"})))
	for service, url := range cfg.Webhooks {
		r.Register(service, NewWebhookGateway(service, url, timeout, l.With(map[string]any{"gateway": "webhook"})))
	}
	return r
}
