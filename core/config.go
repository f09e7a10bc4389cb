package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	TransactionTypePayBill     = "CustomerPayBillOnline"
	TransactionTypeBuyGoods    = "CustomerBuyGoodsOnline"
	DefaultMaxAmount           = 250000
	DefaultTokenTTL            = 50 * time.Minute
	DefaultHTTPTimeout         = 30 * time.Second
	DefaultSweepInterval       = time.Minute
	DefaultSweepStaleAfter     = 2 * time.Minute
	DefaultSweepBatchSize      = 50
	DefaultOutboxInterval      = 5 * time.Second
	DefaultCallbackClaimLease  = 30 * time.Second
	DefaultCallbackMaxAttempts = 8
	DefaultJobsPollInterval    = time.Second
	DefaultJobsQueueName       = "payments"
	defaultServiceName         = "payments"
	defaultTransactionDesc     = "Payment"
	defaultRedisEventChannel   = "payments.events"
)

// Environment variable names reported when a credential is missing.
const (
	EnvConsumerKey    = "MPESA_CONSUMER_KEY"
	EnvConsumerSecret = "MPESA_CONSUMER_SECRET"
	EnvShortCode      = "MPESA_SHORTCODE"
	EnvPassKey        = "MPESA_PASSKEY"
	EnvCallbackURL    = "MPESA_CALLBACK_URL"
)

type MpesaConfig struct {
	Environment       string        `koanf:"environment" mapstructure:"environment"`
	BaseURL           string        `koanf:"base_url" mapstructure:"base_url"`
	ConsumerKey       string        `koanf:"consumer_key" mapstructure:"consumer_key"`
	ConsumerSecret    string        `koanf:"consumer_secret" mapstructure:"consumer_secret"`
	ShortCode         string        `koanf:"shortcode" mapstructure:"shortcode"`
	PassKey           string        `koanf:"passkey" mapstructure:"passkey"`
	CallbackURL       string        `koanf:"callback_url" mapstructure:"callback_url"`
	TransactionType   string        `koanf:"transaction_type" mapstructure:"transaction_type"`
	PartyB            string        `koanf:"party_b" mapstructure:"party_b"`
	AccountReference  string        `koanf:"account_reference" mapstructure:"account_reference"`
	TransactionDesc   string        `koanf:"transaction_desc" mapstructure:"transaction_desc"`
	TimestampLocation string        `koanf:"timestamp_location" mapstructure:"timestamp_location"`
	TokenTTL          time.Duration `koanf:"token_ttl" mapstructure:"token_ttl"`
	HTTPTimeout       time.Duration `koanf:"http_timeout" mapstructure:"http_timeout"`
	CallbackSecret    string        `koanf:"callback_secret" mapstructure:"callback_secret"`
	MaxAmount         int64         `koanf:"max_amount" mapstructure:"max_amount"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" mapstructure:"addr"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
	Channel  string `koanf:"channel" mapstructure:"channel"`
}

type SweeperConfig struct {
	Enabled     bool          `koanf:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `koanf:"interval" mapstructure:"interval"`
	StaleAfter  time.Duration `koanf:"stale_after" mapstructure:"stale_after"`
	ExpireAfter time.Duration `koanf:"expire_after" mapstructure:"expire_after"`
	BatchSize   int           `koanf:"batch_size" mapstructure:"batch_size"`
}

type OutboxConfig struct {
	Enabled        bool          `koanf:"enabled" mapstructure:"enabled"`
	Interval       time.Duration `koanf:"interval" mapstructure:"interval"`
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

// CallbackConfig tunes the callback delivery ledger.
type CallbackConfig struct {
	ClaimLease  time.Duration `koanf:"claim_lease" mapstructure:"claim_lease"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

// JobsConfig moves the sweep and outbox loops onto a go-job queue in Redis
// so several replicas share one schedule.
type JobsConfig struct {
	Enabled      bool          `koanf:"enabled" mapstructure:"enabled"`
	QueueName    string        `koanf:"queue_name" mapstructure:"queue_name"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Mpesa       MpesaConfig    `koanf:"mpesa" mapstructure:"mpesa"`
	HTTP        HTTPConfig     `koanf:"http" mapstructure:"http"`
	Database    DatabaseConfig `koanf:"database" mapstructure:"database"`
	Redis       RedisConfig    `koanf:"redis" mapstructure:"redis"`
	Sweeper     SweeperConfig  `koanf:"sweeper" mapstructure:"sweeper"`
	Outbox      OutboxConfig   `koanf:"outbox" mapstructure:"outbox"`
	Callback    CallbackConfig `koanf:"callback" mapstructure:"callback"`
	Jobs        JobsConfig     `koanf:"jobs" mapstructure:"jobs"`
}

func DefaultConfig() Config {
	dispatch := DefaultOutboxDispatcherConfig()
	return Config{
		ServiceName: defaultServiceName,
		Mpesa: MpesaConfig{
			Environment:       EnvironmentSandbox,
			TransactionType:   TransactionTypePayBill,
			TransactionDesc:   defaultTransactionDesc,
			TimestampLocation: "UTC",
			TokenTTL:          DefaultTokenTTL,
			HTTPTimeout:       DefaultHTTPTimeout,
			MaxAmount:         DefaultMaxAmount,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:stkpush.db?cache=shared&_foreign_keys=on",
		},
		Redis: RedisConfig{Channel: defaultRedisEventChannel},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   DefaultSweepInterval,
			StaleAfter: DefaultSweepStaleAfter,
			BatchSize:  DefaultSweepBatchSize,
		},
		Outbox: OutboxConfig{
			Enabled:        true,
			Interval:       DefaultOutboxInterval,
			BatchSize:      dispatch.BatchSize,
			MaxAttempts:    dispatch.MaxAttempts,
			InitialBackoff: dispatch.InitialBackoff,
			MaxBackoff:     dispatch.MaxBackoff,
		},
		Callback: CallbackConfig{
			ClaimLease:  DefaultCallbackClaimLease,
			MaxAttempts: DefaultCallbackMaxAttempts,
		},
		Jobs: JobsConfig{
			QueueName:    DefaultJobsQueueName,
			PollInterval: DefaultJobsPollInterval,
		},
	}
}

// Validate checks structural settings. Credentials are checked per call so a
// service without them can still start and report what is missing.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Mpesa.Environment)) {
	case "", EnvironmentSandbox, EnvironmentProduction:
	default:
		return fmt.Errorf("core: mpesa environment %q is invalid", c.Mpesa.Environment)
	}
	if c.Mpesa.TokenTTL < 0 || c.Mpesa.HTTPTimeout < 0 {
		return fmt.Errorf("core: mpesa durations must be non-negative")
	}
	if c.Mpesa.MaxAmount < 0 {
		return fmt.Errorf("core: mpesa max_amount must be non-negative")
	}
	if _, err := c.Mpesa.Location(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return fmt.Errorf("core: database driver %q is invalid", c.Database.Driver)
	}
	if c.Sweeper.Enabled && c.Sweeper.StaleAfter <= 0 {
		return fmt.Errorf("core: sweeper stale_after must be positive when enabled")
	}
	if c.Sweeper.ExpireAfter < 0 {
		return fmt.Errorf("core: sweeper expire_after must be non-negative")
	}
	if c.Sweeper.ExpireAfter > 0 && c.Sweeper.ExpireAfter <= c.Sweeper.StaleAfter {
		return fmt.Errorf("core: sweeper expire_after must be greater than stale_after")
	}
	if c.Outbox.MaxAttempts < 0 || c.Outbox.BatchSize < 0 {
		return fmt.Errorf("core: outbox limits must be non-negative")
	}
	if c.Callback.ClaimLease < 0 || c.Callback.MaxAttempts < 0 {
		return fmt.Errorf("core: callback claim_lease and max_attempts must be non-negative")
	}
	if c.Jobs.PollInterval < 0 {
		return fmt.Errorf("core: jobs poll_interval must be non-negative")
	}
	if c.Jobs.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("core: jobs require redis addr")
	}
	return nil
}

// ResolvedBaseURL returns the explicit base url or the environment default.
func (c MpesaConfig) ResolvedBaseURL() string {
	if base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); base != "" {
		return base
	}
	if strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction) {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

func (c MpesaConfig) ResolvedEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	if env == "" {
		return EnvironmentSandbox
	}
	return env
}

// MissingCredentials lists the environment variable names whose values are
// unset or still hold a placeholder.
func (c MpesaConfig) MissingCredentials() []string {
	checks := []struct {
		name  string
		value string
	}{
		{EnvConsumerKey, c.ConsumerKey},
		{EnvConsumerSecret, c.ConsumerSecret},
		{EnvShortCode, c.ShortCode},
		{EnvPassKey, c.PassKey},
		{EnvCallbackURL, c.CallbackURL},
	}
	missing := make([]string, 0, len(checks))
	for _, check := range checks {
		if IsPlaceholderValue(check.value) {
			missing = append(missing, check.name)
		}
	}
	return missing
}

func (c MpesaConfig) HasTokenCredentials() bool {
	return !IsPlaceholderValue(c.ConsumerKey) && !IsPlaceholderValue(c.ConsumerSecret)
}

func (c MpesaConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.TimestampLocation)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("core: mpesa timestamp_location %q is invalid: %w", name, err)
	}
	return loc, nil
}

func (c MpesaConfig) ResolvedPartyB() string {
	if partyB := strings.TrimSpace(c.PartyB); partyB != "" {
		return partyB
	}
	return strings.TrimSpace(c.ShortCode)
}

func (c MpesaConfig) ResolvedMaxAmount() int64 {
	if c.MaxAmount <= 0 {
		return DefaultMaxAmount
	}
	return c.MaxAmount
}

// IsPlaceholderValue reports empty values and template leftovers such as
// "your_consumer_key" or "<passkey>".
func IsPlaceholderValue(value string) bool {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return true
	}
	switch normalized {
	case "changeme", "change_me", "placeholder", "todo", "none", "null":
		return true
	}
	if strings.HasPrefix(normalized, "your_") || strings.HasPrefix(normalized, "your-") {
		return true
	}
	if strings.HasPrefix(normalized, "<") && strings.HasSuffix(normalized, ">") {
		return true
	}
	return strings.HasPrefix(normalized, "xxx")
}
