package mpesa

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-stkpush/core"
)

const (
	ProviderID = "mpesa"

	PushPath  = "/mpesa/stkpush/v1/processrequest"
	QueryPath = "/mpesa/stkpushquery/v1/query"

	OperationPush  = "stk_push"
	OperationQuery = "stk_query"

	// Daraja limits for the fields shown on the customer's prompt.
	maxAccountReferenceLength = 12
	maxTransactionDescLength  = 13
)

type Config struct {
	BaseURL         string
	ShortCode       string
	PassKey         string
	CallbackURL     string
	TransactionType string
	PartyB          string
	Timeout         time.Duration
	Location        *time.Location
}

func DefaultConfig() Config {
	return Config{
		BaseURL:         core.SandboxBaseURL,
		TransactionType: core.TransactionTypePayBill,
		Timeout:         core.DefaultHTTPTimeout,
		Location:        time.UTC,
	}
}

// ConfigFrom maps the provider section of the service config.
func ConfigFrom(cfg core.MpesaConfig) (Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:         cfg.ResolvedBaseURL(),
		ShortCode:       strings.TrimSpace(cfg.ShortCode),
		PassKey:         strings.TrimSpace(cfg.PassKey),
		CallbackURL:     strings.TrimSpace(cfg.CallbackURL),
		TransactionType: strings.TrimSpace(cfg.TransactionType),
		PartyB:          cfg.ResolvedPartyB(),
		Timeout:         cfg.HTTPTimeout,
		Location:        loc,
	}, nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if strings.TrimSpace(c.TransactionType) == "" {
		c.TransactionType = defaults.TransactionType
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	if strings.TrimSpace(c.PartyB) == "" {
		c.PartyB = strings.TrimSpace(c.ShortCode)
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

func WithRateLimitPolicy(policy core.RateLimitPolicy) Option {
	return func(c *Client) {
		if policy != nil {
			c.limiter = policy
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds the Daraja client. The transport and token source are required.
func New(cfg Config, adapter core.TransportAdapter, tokens core.TokenSource, opts ...Option) (*Client, error) {
	if adapter == nil {
		return nil, fmt.Errorf("providers/mpesa: transport adapter is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("providers/mpesa: token source is required")
	}
	client := &Client{
		config:    cfg.withDefaults(),
		transport: adapter,
		tokens:    tokens,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) > limit {
		return value[:limit]
	}
	return value
}
