package gateway

import (
	"context"
	"crypto/tls"
	netmail "net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/syscall-sdk/relayer/logger"
	"github.com/syscall-sdk/relayer/types"
	"github.com/wneessen/go-mail"
)

const (
	emailResultID   = "email-delivered"
	messageIDDomain = "syscall-sdk.com"
	defaultSMTPPort = 587
	smtpHelloName   = "localhost"
)

// SMTPGateway sends plain-text email through go-mail. STARTTLS is used
// whenever the server offers it.
type SMTPGateway struct {
	cfg       types.SMTPConfig
	timeout   time.Duration
	tlsConfig *tls.Config
	now       func() time.Time
	logger    logger.Logger
}

var (
	_ Gateway          = (*SMTPGateway)(nil)
	_ RequestValidator = (*SMTPGateway)(nil)
)

func NewSMTPGateway(cfg types.SMTPConfig, timeout time.Duration, l logger.Logger) *SMTPGateway {
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
	}
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &SMTPGateway{
		cfg:       cfg,
		timeout:   timeout,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		now:       time.Now,
		logger:    l,
	}
}

func (g *SMTPGateway) Name() string { return "smtp" }

// Validate rejects destinations that are not email addresses.
func (g *SMTPGateway) Validate(req *types.DeliveryRequest) error {
	if _, err := netmail.ParseAddress(req.Destination); err != nil {
		return types.NewError(types.ErrCodeInvalidRequest, "destination is not an email address", err)
	}
	return nil
}

func (g *SMTPGateway) Deliver(ctx context.Context, req *types.DeliveryRequest) (*types.GatewayResult, error) {
	if g.cfg.Host == "" || g.cfg.User == "" || g.cfg.Password == "" || g.cfg.FromEmail == "" {
		return nil, gatewayError(g.Name(), "credentials not configured", nil)
	}
	to, err := netmail.ParseAddress(req.Destination)
	if err != nil {
		return nil, gatewayError(g.Name(), "destination is not an email address", err)
	}

	subject := req.Subject
	if subject == "" {
		subject = types.DefaultSubject
	}
	senderName := req.SenderName
	if senderName == "" {
		senderName = types.DefaultSenderName
	}
	from := netmail.Address{Name: senderName, Address: g.cfg.FromEmail}

	g.logger.Info("sending email", map[string]any{"to": to.Address, "from": senderName})

	msg, err := g.compose(from, *to, subject, req.Content)
	if err != nil {
		return nil, gatewayError(g.Name(), "invalid message", err)
	}
	if err := g.send(ctx, msg); err != nil {
		return nil, gatewayError(g.Name(), "delivery failed", err)
	}

	g.logger.Info("email accepted", map[string]any{"to": to.Address})
	return &types.GatewayResult{
		ProviderID: emailResultID,
		Fields: map[string]any{
			"subject": subject,
		},
	}, nil
}

func (g *SMTPGateway) compose(from, to netmail.Address, subject, body string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(from.Name, from.Address); err != nil {
		return nil, err
	}
	if err := m.To(to.String()); err != nil {
		return nil, err
	}
	m.Subject(subject)
	m.SetDateWithValue(g.now())
	m.SetMessageIDWithValue(uuid.NewString() + "@" + messageIDDomain)
	m.SetBodyString(mail.TypeTextPlain, body)
	return m, nil
}

func (g *SMTPGateway) send(ctx context.Context, m *mail.Msg) error {
	client, err := mail.NewClient(g.cfg.Host,
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithPort(g.cfg.Port),
		mail.WithTLSConfig(g.tlsConfig.Clone()),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(g.cfg.User),
		mail.WithPassword(g.cfg.Password),
		mail.WithHELO(smtpHelloName),
		mail.WithTimeout(g.timeout),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return client.DialAndSendWithContext(ctx, m)
}
