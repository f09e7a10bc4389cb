package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config          Config
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

type ServiceDependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorFactory    ErrorFactory
	ErrorMapper     ErrorMapper
	ConfigProvider  ConfigProvider
	OptionsResolver OptionsResolver
	Provider        PaymentProvider
	TokenSource     TokenSource
	CallbackParser  CallbackParser
	Store           TransactionStore
	Reader          TransactionReader
	Publisher       EventPublisher
}

type InitiateRequest struct {
	Phone            string `json:"phone"`
	Amount           int64  `json:"amount"`
	Branch           string `json:"branch"`
	Product          string `json:"product"`
	AccountReference string `json:"account_reference,omitempty"`
	Description      string `json:"description,omitempty"`
}

type InitiateResult struct {
	MerchantRequestID string      `json:"merchant_request_id"`
	CheckoutRequestID string      `json:"checkout_request_id"`
	CustomerMessage   string      `json:"customer_message"`
	Transaction       Transaction `json:"transaction"`
}

type QueryStatusRequest struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
}

type QueryStatusResult struct {
	CheckoutRequestID string            `json:"checkout_request_id"`
	ResultCode        *int              `json:"result_code,omitempty"`
	ResultDesc        string            `json:"result_desc,omitempty"`
	Status            TransactionStatus `json:"status"`
	Transitioned      bool              `json:"transitioned"`
	Transaction       *Transaction      `json:"transaction,omitempty"`
}

type ConnectionReport struct {
	Configured  bool     `json:"configured"`
	Missing     []string `json:"missing,omitempty"`
	Environment string   `json:"environment"`
	BaseURL     string   `json:"base_url"`
	TokenOK     bool     `json:"token_ok"`
	Error       string   `json:"error,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(defaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(defaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.publisher == nil {
		builder.publisher = nopEventPublisher{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.store == nil {
		builder.store = NewMemoryTransactionStore()
	}
	if builder.reader == nil {
		builder.reader = builder.store
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		provider:        builder.provider,
		tokenSource:     builder.tokenSource,
		callbackParser:  builder.callbackParser,
		store:           builder.store,
		reader:          builder.reader,
		publisher:       builder.publisher,
		now:             builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:          s.logger,
		LoggerProvider:  s.loggerProvider,
		MetricsRecorder: s.metricsRecorder,
		ErrorFactory:    s.errorFactory,
		ErrorMapper:     s.errorMapper,
		ConfigProvider:  s.configProvider,
		OptionsResolver: s.optionsResolver,
		Provider:        s.provider,
		TokenSource:     s.tokenSource,
		CallbackParser:  s.callbackParser,
		Store:           s.store,
		Reader:          s.reader,
		Publisher:       s.publisher,
	}
}

// Initiate validates the sale, asks the provider to prompt the customer and
// records the pending transaction once the provider accepts the push.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (result InitiateResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"branch":  strings.TrimSpace(req.Branch),
		"product": strings.TrimSpace(req.Product),
		"amount":  req.Amount,
		"phone":   MaskPhone(req.Phone),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "initiate", err, fields)
	}()

	normalized, err := s.normalizeInitiateRequest(req)
	if err != nil {
		return InitiateResult{}, err
	}
	fields["phone"] = MaskPhone(normalized.Phone)
	if err = s.ensureConfigured(); err != nil {
		return InitiateResult{}, err
	}

	provider, err := s.requireProvider()
	if err != nil {
		return InitiateResult{}, err
	}
	response, err := provider.PushPayment(ctx, PushRequest{
		Phone:            normalized.Phone,
		Amount:           normalized.Amount,
		AccountReference: normalized.AccountReference,
		Description:      normalized.Description,
	})
	if err != nil {
		err = s.mapError(err)
		return InitiateResult{}, err
	}
	if code := strings.TrimSpace(response.ResponseCode); code != "0" {
		err = s.mapError(NewProviderError(ProviderFailureRejected, "payment provider declined the push request", nil, map[string]any{
			MetadataKeyProviderResponseCode:   code,
			MetadataKeyProviderResponseDetail: response.ResponseDescription,
		}))
		return InitiateResult{}, err
	}
	fields["merchant_request_id"] = response.MerchantRequestID
	fields["checkout_request_id"] = response.CheckoutRequestID

	txn, err := s.store.Create(ctx, CreateTransactionInput{
		MerchantRequestID: response.MerchantRequestID,
		CheckoutRequestID: response.CheckoutRequestID,
		Phone:             normalized.Phone,
		Amount:            normalized.Amount,
		Branch:            normalized.Branch,
		Product:           normalized.Product,
		AccountReference:  normalized.AccountReference,
		Description:       normalized.Description,
	})
	if err != nil {
		err = s.mapError(err)
		return InitiateResult{}, err
	}
	fields["transaction_id"] = txn.ID

	s.publishEvents(ctx, NewPaymentEvent(EventPaymentInitiated, txn, "", s.clock()))

	return InitiateResult{
		MerchantRequestID: response.MerchantRequestID,
		CheckoutRequestID: response.CheckoutRequestID,
		CustomerMessage:   response.CustomerMessage,
		Transaction:       txn,
	}, nil
}

func (s *Service) normalizeInitiateRequest(req InitiateRequest) (InitiateRequest, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return InitiateRequest{}, err
	}
	maxAmount := s.config.Mpesa.ResolvedMaxAmount()
	if req.Amount < 1 || req.Amount > maxAmount {
		return InitiateRequest{}, NewValidationError("amount", fmt.Sprintf("amount must be between 1 and %d", maxAmount))
	}
	out := InitiateRequest{
		Phone:            phone,
		Amount:           req.Amount,
		Branch:           strings.TrimSpace(req.Branch),
		Product:          strings.TrimSpace(req.Product),
		AccountReference: strings.TrimSpace(req.AccountReference),
		Description:      strings.TrimSpace(req.Description),
	}
	if out.Branch == "" {
		return InitiateRequest{}, NewValidationError("branch", "branch is required")
	}
	if out.Product == "" {
		return InitiateRequest{}, NewValidationError("product", "product is required")
	}
	if out.AccountReference == "" {
		out.AccountReference = strings.TrimSpace(s.config.Mpesa.AccountReference)
	}
	if out.AccountReference == "" {
		out.AccountReference = accountReferenceFor(out.Branch, out.Product)
	}
	if out.Description == "" {
		out.Description = strings.TrimSpace(s.config.Mpesa.TransactionDesc)
	}
	if out.Description == "" {
		out.Description = defaultTransactionDesc
	}
	return out, nil
}

// accountReferenceFor builds the 12 character reference shown on the
// customer's prompt.
func accountReferenceFor(branch string, product string) string {
	ref := strings.ToUpper(strings.Join(strings.Fields(branch+" "+product), ""))
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return ref
}

// QueryStatus asks the provider for the outcome of one push and applies a
// reported result through the same path callbacks use.
func (s *Service) QueryStatus(ctx context.Context, req QueryStatusRequest) (result QueryStatusResult, err error) {
	startedAt := time.Now().UTC()
	checkoutID := strings.TrimSpace(req.CheckoutRequestID)
	fields := map[string]any{
		"checkout_request_id": checkoutID,
		"merchant_request_id": strings.TrimSpace(req.MerchantRequestID),
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "query_status", err, fields)
	}()

	if err = s.ensureConfigured(); err != nil {
		return QueryStatusResult{}, err
	}
	if checkoutID == "" {
		err = NewValidationError("checkout_request_id", "checkout request id is required")
		return QueryStatusResult{}, err
	}
	provider, err := s.requireProvider()
	if err != nil {
		return QueryStatusResult{}, err
	}
	response, err := provider.QueryPayment(ctx, QueryRequest{CheckoutRequestID: checkoutID})
	if err != nil {
		err = s.mapError(err)
		return QueryStatusResult{}, err
	}

	result = QueryStatusResult{
		CheckoutRequestID: checkoutID,
		ResultDesc:        response.ResultDesc,
		Status:            TransactionStatusPending,
	}
	if response.Processing || response.ResultCode == nil {
		fields["status"] = string(TransactionStatusPending)
		if txn, lookupErr := s.store.GetByCheckoutRequestID(ctx, checkoutID); lookupErr == nil {
			result.Transaction = &txn
			result.Status = txn.Status
		}
		return result, nil
	}

	code := *response.ResultCode
	result.ResultCode = &code
	result.Status = OutcomeForResultCode(code)
	fields["status"] = string(result.Status)
	fields["result_code"] = code

	merchantID := strings.TrimSpace(req.MerchantRequestID)
	if merchantID == "" {
		merchantID = strings.TrimSpace(response.MerchantRequestID)
	}
	reconciled, applyErr := s.applyResult(ctx, PaymentResult{
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
		ResultCode:        code,
		ResultDesc:        response.ResultDesc,
		Source:            ResolutionSourceQuery,
		ResolvedAt:        s.clock(),
	})
	if applyErr != nil {
		if isNotFound(applyErr) {
			s.logWarn(ctx, "query result for unknown transaction", map[string]any{
				"checkout_request_id": checkoutID,
				"merchant_request_id": merchantID,
				"result_code":         code,
			})
			return result, nil
		}
		err = s.mapError(applyErr)
		return QueryStatusResult{}, err
	}
	txn := reconciled.Transaction
	result.Transaction = &txn
	result.Transitioned = reconciled.Transitioned
	if txn.Status.Terminal() {
		result.Status = txn.Status
	}
	return result, nil
}

// TestConnection reports whether credentials are present and, if so, whether
// the provider issues a token with them.
func (s *Service) TestConnection(ctx context.Context) (report ConnectionReport) {
	startedAt := time.Now().UTC()
	var err error
	defer func() {
		s.observeOperation(ctx, startedAt, "test_connection", err, map[string]any{
			"configured": report.Configured,
			"token_ok":   report.TokenOK,
			"missing":    strings.Join(report.Missing, ","),
		})
	}()

	mpesa := s.Config().Mpesa
	report = ConnectionReport{
		Environment: mpesa.ResolvedEnvironment(),
		BaseURL:     mpesa.ResolvedBaseURL(),
		Missing:     mpesa.MissingCredentials(),
	}
	report.Configured = len(report.Missing) == 0
	if !report.Configured {
		cfgErr := NewConfigurationError(report.Missing)
		report.Error = cfgErr.Message
		report.ErrorCode = cfgErr.TextCode
		return report
	}
	if s.tokenSource == nil {
		err = s.mapError(fmt.Errorf("core: token source is required"))
		report.Error = err.Error()
		return report
	}
	if _, err = s.tokenSource.Token(ctx); err != nil {
		err = s.mapError(err)
		report.Error = err.Error()
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			report.Error = richErr.Message
			report.ErrorCode = richErr.TextCode
		}
		return report
	}
	report.TokenOK = true
	return report
}

func (s *Service) GetTransaction(ctx context.Context, checkoutRequestID string) (Transaction, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return Transaction{}, NewValidationError("checkout_request_id", "checkout request id is required")
	}
	reader := s.reader
	if reader == nil {
		reader = s.store
	}
	txn, err := reader.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		if isNotFound(err) {
			return Transaction{}, NewNotFoundError(checkoutRequestID)
		}
		return Transaction{}, s.mapError(err)
	}
	return txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) (TransactionPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return TransactionPage{}, NewValidationError("status", "status must be pending, completed or failed")
	}
	if filter.Phone != "" {
		phone, err := NormalizePhone(filter.Phone)
		if err != nil {
			return TransactionPage{}, err
		}
		filter.Phone = phone
	}
	page, err := s.store.List(ctx, filter.Normalize())
	if err != nil {
		return TransactionPage{}, s.mapError(err)
	}
	return page, nil
}

func (s *Service) ensureConfigured() error {
	if s == nil {
		return NewConfigurationError(DefaultConfig().Mpesa.MissingCredentials())
	}
	if missing := s.config.Mpesa.MissingCredentials(); len(missing) > 0 {
		return NewConfigurationError(missing)
	}
	return nil
}

func (s *Service) requireProvider() (PaymentProvider, error) {
	if s == nil || s.provider == nil {
		return nil, s.mapError(goerrors.New("payment provider is not wired", goerrors.CategoryInternal).
			WithTextCode(PaymentErrorInternal))
	}
	return s.provider, nil
}

func (s *Service) clock() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransactionNotFound) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr != nil && richErr.Category == goerrors.CategoryNotFound
}

var _ PaymentService = (*Service)(nil)
