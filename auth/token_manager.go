package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/transport"
)

const (
	TokenPath = "/oauth/v1/generate"

	DefaultCacheTTL = core.DefaultTokenTTL
	// providerExpirySkew is subtracted from a short provider expires_in.
	providerExpirySkew = 10 * time.Minute
	minimumCacheTTL    = time.Minute
)

type TokenManagerConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	CacheTTL       time.Duration
	Timeout        time.Duration
	Transport      core.TransportAdapter
	Now            func() time.Time
}

// TokenManagerConfigFrom maps the provider section of the service config.
func TokenManagerConfigFrom(cfg core.MpesaConfig, adapter core.TransportAdapter) TokenManagerConfig {
	return TokenManagerConfig{
		BaseURL:        cfg.ResolvedBaseURL(),
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		CacheTTL:       cfg.TokenTTL,
		Timeout:        cfg.HTTPTimeout,
		Transport:      adapter,
	}
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenManager fetches and caches the provider access token. The cache is
// swapped atomically; concurrent refreshes are allowed and the last one wins.
type TokenManager struct {
	config  TokenManagerConfig
	current atomic.Pointer[cachedToken]
	fetches atomic.Int64
}

func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewRESTAdapterWithTimeout(nil, cfg.Timeout)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = core.SandboxBaseURL
	}
	cfg.ConsumerKey = strings.TrimSpace(cfg.ConsumerKey)
	cfg.ConsumerSecret = strings.TrimSpace(cfg.ConsumerSecret)
	return &TokenManager{config: cfg}
}

// Token returns the cached token while it is fresh and fetches a new one
// otherwise.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if m == nil {
		return "", core.NewConfigurationError([]string{core.EnvConsumerKey, core.EnvConsumerSecret})
	}
	now := m.config.Now()
	if cached := m.current.Load(); cached != nil && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	missing := make([]string, 0, 2)
	if core.IsPlaceholderValue(m.config.ConsumerKey) {
		missing = append(missing, core.EnvConsumerKey)
	}
	if core.IsPlaceholderValue(m.config.ConsumerSecret) {
		missing = append(missing, core.EnvConsumerSecret)
	}
	if len(missing) > 0 {
		return "", core.NewConfigurationError(missing)
	}

	value, ttl, err := m.fetch(ctx)
	if err != nil {
		return "", err
	}
	m.current.Store(&cachedToken{value: value, expiresAt: now.Add(ttl)})
	return value, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (m *TokenManager) Invalidate() {
	if m == nil {
		return
	}
	m.current.Store(nil)
}

// Fetches reports how many token requests reached the provider.
func (m *TokenManager) Fetches() int64 {
	if m == nil {
		return 0
	}
	return m.fetches.Load()
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

func (m *TokenManager) fetch(ctx context.Context) (string, time.Duration, error) {
	m.fetches.Add(1)
	credentials := base64.StdEncoding.EncodeToString([]byte(m.config.ConsumerKey + ":" + m.config.ConsumerSecret))
	res, err := m.config.Transport.Do(ctx, core.TransportRequest{
		Method:  http.MethodGet,
		URL:     m.config.BaseURL + TokenPath,
		Query:   map[string]string{"grant_type": "client_credentials"},
		Headers: map[string]string{"Authorization": "Basic " + credentials},
		Timeout: m.config.Timeout,
	})
	if err != nil {
		kind, ok := core.FailureKindOf(err)
		if !ok {
			kind = core.ProviderFailureConnection
		}
		return "", 0, core.NewAuthError("access token request failed", kind, err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden, res.StatusCode == http.StatusBadRequest:
		return "", 0, statusAuthError(res.StatusCode, core.ProviderFailureAuth, "payment provider rejected the credentials")
	case res.StatusCode >= http.StatusInternalServerError:
		return "", 0, statusAuthError(res.StatusCode, core.ProviderFailureServer, "payment provider token endpoint failed")
	case res.StatusCode < 200 || res.StatusCode > 299:
		return "", 0, statusAuthError(res.StatusCode, core.ProviderFailureRejected, "payment provider token endpoint refused the request")
	}

	var payload tokenResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return "", 0, core.NewAuthError("access token response is not valid json", core.ProviderFailureRejected, err)
	}
	value := strings.TrimSpace(payload.AccessToken)
	if value == "" {
		message := "access token response carried no token"
		if payload.ErrorMessage != "" {
			message += ": " + payload.ErrorMessage
		}
		return "", 0, core.NewAuthError(message, core.ProviderFailureAuth, nil)
	}
	return value, m.cacheTTL(parseExpiresIn(payload.ExpiresIn)), nil
}

func statusAuthError(status int, kind core.ProviderFailureKind, message string) error {
	err := core.NewAuthError(fmt.Sprintf("%s (status %d)", message, status), kind, nil)
	if err.Metadata == nil {
		err.Metadata = map[string]any{}
	}
	err.Metadata[core.MetadataKeyProviderStatusCode] = status
	return err
}

// cacheTTL keeps the configured window unless the provider reports a shorter
// validity, in which case the token is dropped ten minutes early.
func (m *TokenManager) cacheTTL(expiresIn time.Duration) time.Duration {
	ttl := m.config.CacheTTL
	if expiresIn > 0 && expiresIn < ttl+providerExpirySkew {
		ttl = expiresIn - providerExpirySkew
	}
	if ttl < minimumCacheTTL {
		ttl = minimumCacheTTL
	}
	return ttl
}

// expires_in arrives as a quoted string from the sandbox and as a number from
// some gateways.
func parseExpiresIn(raw json.RawMessage) time.Duration {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(text, 10, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

var _ core.TokenSource = (*TokenManager)(nil)
