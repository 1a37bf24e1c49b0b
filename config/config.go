// Package config loads the relayer configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/syscall-sdk/relayer/types"
	"github.com/syscall-sdk/relayer/utils"
)

// Defaults applied when the matching variable is unset.
const (
	DefaultPort            = 8080
	DefaultTokenTTL        = 5 * time.Minute
	DefaultGatewayTimeout  = 15 * time.Second
	DefaultChainTimeout    = 2 * time.Minute
	DefaultConsumeAttempts = 3
	DefaultLogLevel        = "info"
	DefaultSMTPPort        = 587
)

// LookupFunc reads one variable; os.LookupEnv is the usual source.
type LookupFunc func(key string) (string, bool)

// Load reads an optional .env file (or the given files) into the process
// environment without overriding variables that are already set, then
// builds and validates the config.
func Load(files ...string) (*types.RelayerConfig, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates the config from lookup.
func FromLookup(lookup LookupFunc) (*types.RelayerConfig, error) {
	e := &env{lookup: lookup}

	cfg := &types.RelayerConfig{
		Port:            e.integer("PORT", DefaultPort),
		RPCUrl:          e.str("RPC_URL", ""),
		ContractAddress: e.str("SYSCALL_CONTRACT_ADDRESS", ""),
		OwnerPrivateKey: e.str("OWNER_PRIVATE_KEY", ""),
		JWTSecret:       e.str("JWT_SECRET", ""),
		TokenTTL:        e.duration("TOKEN_TTL", DefaultTokenTTL),
		GatewayTimeout:  e.duration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		ChainTimeout:    e.duration("CHAIN_TIMEOUT", DefaultChainTimeout),
		ConsumeAttempts: e.integer("CONSUME_MAX_ATTEMPTS", DefaultConsumeAttempts),
		PricingPolicy:   types.PricingPolicy(e.str("PRICING_POLICY", string(types.PricingTrustPaid))),
		RedisAddr:       e.str("REDIS_ADDR", ""),
		LogLevel:        strings.ToLower(e.str("LOG_LEVEL", DefaultLogLevel)),
		EnableMetrics:   e.boolean("ENABLE_METRICS", false),
		CORSOrigins:     e.origins("CORS_ALLOWED_ORIGINS"),
		Twilio: types.TwilioConfig{
			AccountSID: e.str("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  e.str("TWILIO_AUTH_TOKEN", ""),
			FromNumber: e.str("TWILIO_FROM_NUMBER", ""),
			BaseURL:    e.str("TWILIO_BASE_URL", ""),
		},
		SMTP: types.SMTPConfig{
			Host:      e.str("SMTP_HOST", ""),
			Port:      e.integer("SMTP_PORT", DefaultSMTPPort),
			User:      e.str("SMTP_USER", ""),
			Password:  e.str("SMTP_PASSWORD", ""),
			FromEmail: e.str("SMTP_FROM_EMAIL", ""),
		},
		Webhooks: e.webhooks("WEBHOOK_GATEWAYS"),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, types.NewError(types.ErrCodeInvalidRequest, "invalid environment", err)
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, types.NewError(types.ErrCodeInvalidRequest, "invalid configuration", err)
	}
	return cfg, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	lookup LookupFunc
	errs   []error
}

func (e *env) str(key, def string) string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// origins parses a comma separated list of browser origins. "*" allows
// every http and https origin.
func (e *env) origins(key string) []string {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(v, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
			continue
		case o == "*":
			return nil
		case strings.HasPrefix(o, "http://"), strings.HasPrefix(o, "https://"):
			out = append(out, o)
		default:
			e.errs = append(e.errs, fmt.Errorf("%s: origin %q must start with http:// or https://", key, o))
		}
	}
	return out
}

// webhooks parses "name=url,name=url".
func (e *env) webhooks(key string) map[string]string {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			e.errs = append(e.errs, fmt.Errorf("%s: malformed entry %q", key, pair))
			continue
		}
		if name == types.ServiceSMS || name == types.ServiceEmail {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is served by a built-in gateway", key, name))
			continue
		}
		out[name] = url
	}
	return out
}
