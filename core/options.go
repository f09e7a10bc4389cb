package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	provider        PaymentProvider
	tokenSource     TokenSource
	callbackParser  CallbackParser
	store           TransactionStore
	reader          TransactionReader
	publisher       EventPublisher
	now             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithPaymentProvider(provider PaymentProvider) Option {
	return func(b *serviceBuilder) {
		b.provider = provider
	}
}

func WithTokenSource(source TokenSource) Option {
	return func(b *serviceBuilder) {
		b.tokenSource = source
	}
}

func WithCallbackParser(parser CallbackParser) Option {
	return func(b *serviceBuilder) {
		b.callbackParser = parser
	}
}

func WithTransactionStore(store TransactionStore) Option {
	return func(b *serviceBuilder) {
		b.store = store
	}
}

// WithTransactionReader overrides the read path used by GetTransaction, for
// example with a cache in front of the store.
func WithTransactionReader(reader TransactionReader) Option {
	return func(b *serviceBuilder) {
		b.reader = reader
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(b *serviceBuilder) {
		b.publisher = publisher
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve(defaultServiceName, nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		publisher:       nopEventPublisher{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig builds a Config from the process environment on top of the
// defaults.
func LoadConfig(ctx context.Context, loader RawConfigLoader) (Config, error) {
	if loader == nil {
		loader = NewEnvConfigLoader()
	}
	defaults := DefaultConfig()
	loaded, err := NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return GoOptionsResolver{}.Resolve(defaults, loaded, Config{})
}

// GoOptionsResolver layers defaults < loaded config < runtime overrides.
// Loaded config already carries the defaults so it is layered whole; zero
// runtime values never mask a lower layer.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, true)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)

	mpesa := map[string]any{}
	putString(mpesa, "environment", cfg.Mpesa.Environment, includeZero)
	putString(mpesa, "base_url", cfg.Mpesa.BaseURL, includeZero)
	putString(mpesa, "consumer_key", cfg.Mpesa.ConsumerKey, includeZero)
	putString(mpesa, "consumer_secret", cfg.Mpesa.ConsumerSecret, includeZero)
	putString(mpesa, "shortcode", cfg.Mpesa.ShortCode, includeZero)
	putString(mpesa, "passkey", cfg.Mpesa.PassKey, includeZero)
	putString(mpesa, "callback_url", cfg.Mpesa.CallbackURL, includeZero)
	putString(mpesa, "transaction_type", cfg.Mpesa.TransactionType, includeZero)
	putString(mpesa, "party_b", cfg.Mpesa.PartyB, includeZero)
	putString(mpesa, "account_reference", cfg.Mpesa.AccountReference, includeZero)
	putString(mpesa, "transaction_desc", cfg.Mpesa.TransactionDesc, includeZero)
	putString(mpesa, "timestamp_location", cfg.Mpesa.TimestampLocation, includeZero)
	putString(mpesa, "callback_secret", cfg.Mpesa.CallbackSecret, includeZero)
	putDuration(mpesa, "token_ttl", cfg.Mpesa.TokenTTL, includeZero)
	putDuration(mpesa, "http_timeout", cfg.Mpesa.HTTPTimeout, includeZero)
	if includeZero || cfg.Mpesa.MaxAmount > 0 {
		mpesa["max_amount"] = cfg.Mpesa.MaxAmount
	}
	putSection(layer, "mpesa", mpesa)

	httpSection := map[string]any{}
	putString(httpSection, "addr", cfg.HTTP.Addr, includeZero)
	putSection(layer, "http", httpSection)

	database := map[string]any{}
	putString(database, "driver", cfg.Database.Driver, includeZero)
	putString(database, "dsn", cfg.Database.DSN, includeZero)
	putBool(database, "debug", cfg.Database.Debug, includeZero)
	putSection(layer, "database", database)

	redis := map[string]any{}
	putString(redis, "addr", cfg.Redis.Addr, includeZero)
	putString(redis, "password", cfg.Redis.Password, includeZero)
	putString(redis, "channel", cfg.Redis.Channel, includeZero)
	if includeZero || cfg.Redis.DB > 0 {
		redis["db"] = cfg.Redis.DB
	}
	putSection(layer, "redis", redis)

	sweeper := map[string]any{}
	putBool(sweeper, "enabled", cfg.Sweeper.Enabled, includeZero)
	putDuration(sweeper, "interval", cfg.Sweeper.Interval, includeZero)
	putDuration(sweeper, "stale_after", cfg.Sweeper.StaleAfter, includeZero)
	putDuration(sweeper, "expire_after", cfg.Sweeper.ExpireAfter, includeZero)
	putInt(sweeper, "batch_size", cfg.Sweeper.BatchSize, includeZero)
	putSection(layer, "sweeper", sweeper)

	outbox := map[string]any{}
	putBool(outbox, "enabled", cfg.Outbox.Enabled, includeZero)
	putDuration(outbox, "interval", cfg.Outbox.Interval, includeZero)
	putInt(outbox, "batch_size", cfg.Outbox.BatchSize, includeZero)
	putInt(outbox, "max_attempts", cfg.Outbox.MaxAttempts, includeZero)
	putDuration(outbox, "initial_backoff", cfg.Outbox.InitialBackoff, includeZero)
	putDuration(outbox, "max_backoff", cfg.Outbox.MaxBackoff, includeZero)
	putSection(layer, "outbox", outbox)

	callback := map[string]any{}
	putDuration(callback, "claim_lease", cfg.Callback.ClaimLease, includeZero)
	putInt(callback, "max_attempts", cfg.Callback.MaxAttempts, includeZero)
	putSection(layer, "callback", callback)

	jobs := map[string]any{}
	putBool(jobs, "enabled", cfg.Jobs.Enabled, includeZero)
	putString(jobs, "queue_name", cfg.Jobs.QueueName, includeZero)
	putDuration(jobs, "poll_interval", cfg.Jobs.PollInterval, includeZero)
	putSection(layer, "jobs", jobs)
	return layer
}

func putString(target map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func putDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

func putInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		target[key] = value
	}
}

// Booleans only override when true; a false runtime value cannot switch off
// an enabled default.
func putBool(target map[string]any, key string, value bool, includeZero bool) {
	if includeZero || value {
		target[key] = value
	}
}

func putSection(target map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		target[key] = section
	}
}
