package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfigLoader reads process environment variables into the raw map shape
// consumed by CfgxConfigProvider. Unset variables are omitted so defaults
// survive the merge.
type EnvConfigLoader struct {
	Lookup func(key string) (string, bool)
}

func NewEnvConfigLoader() EnvConfigLoader {
	return EnvConfigLoader{Lookup: os.LookupEnv}
}

type envBinding struct {
	env  string
	path []string
	kind string
}

var envBindings = []envBinding{
	{env: "SERVICE_NAME", path: []string{"service_name"}},
	{env: "MPESA_ENVIRONMENT", path: []string{"mpesa", "environment"}},
	{env: "MPESA_ENV", path: []string{"mpesa", "environment"}},
	{env: "MPESA_BASE_URL", path: []string{"mpesa", "base_url"}},
	{env: EnvConsumerKey, path: []string{"mpesa", "consumer_key"}},
	{env: EnvConsumerSecret, path: []string{"mpesa", "consumer_secret"}},
	{env: EnvShortCode, path: []string{"mpesa", "shortcode"}},
	{env: EnvPassKey, path: []string{"mpesa", "passkey"}},
	{env: EnvCallbackURL, path: []string{"mpesa", "callback_url"}},
	{env: "MPESA_TRANSACTION_TYPE", path: []string{"mpesa", "transaction_type"}},
	{env: "MPESA_PARTY_B", path: []string{"mpesa", "party_b"}},
	{env: "MPESA_ACCOUNT_REFERENCE", path: []string{"mpesa", "account_reference"}},
	{env: "MPESA_TRANSACTION_DESC", path: []string{"mpesa", "transaction_desc"}},
	{env: "MPESA_TIMESTAMP_LOCATION", path: []string{"mpesa", "timestamp_location"}},
	{env: "MPESA_TOKEN_TTL", path: []string{"mpesa", "token_ttl"}, kind: "duration"},
	{env: "MPESA_HTTP_TIMEOUT", path: []string{"mpesa", "http_timeout"}, kind: "duration"},
	{env: "MPESA_CALLBACK_SECRET", path: []string{"mpesa", "callback_secret"}},
	{env: "MPESA_MAX_AMOUNT", path: []string{"mpesa", "max_amount"}, kind: "int64"},
	{env: "HTTP_ADDR", path: []string{"http", "addr"}},
	{env: "DATABASE_DRIVER", path: []string{"database", "driver"}},
	{env: "DATABASE_DSN", path: []string{"database", "dsn"}},
	{env: "DATABASE_URL", path: []string{"database", "dsn"}},
	{env: "DATABASE_DEBUG", path: []string{"database", "debug"}, kind: "bool"},
	{env: "REDIS_ADDR", path: []string{"redis", "addr"}},
	{env: "REDIS_PASSWORD", path: []string{"redis", "password"}},
	{env: "REDIS_DB", path: []string{"redis", "db"}, kind: "int"},
	{env: "REDIS_CHANNEL", path: []string{"redis", "channel"}},
	{env: "SWEEPER_ENABLED", path: []string{"sweeper", "enabled"}, kind: "bool"},
	{env: "SWEEPER_INTERVAL", path: []string{"sweeper", "interval"}, kind: "duration"},
	{env: "SWEEPER_STALE_AFTER", path: []string{"sweeper", "stale_after"}, kind: "duration"},
	{env: "SWEEPER_EXPIRE_AFTER", path: []string{"sweeper", "expire_after"}, kind: "duration"},
	{env: "SWEEPER_BATCH_SIZE", path: []string{"sweeper", "batch_size"}, kind: "int"},
	{env: "OUTBOX_ENABLED", path: []string{"outbox", "enabled"}, kind: "bool"},
	{env: "OUTBOX_INTERVAL", path: []string{"outbox", "interval"}, kind: "duration"},
	{env: "OUTBOX_BATCH_SIZE", path: []string{"outbox", "batch_size"}, kind: "int"},
	{env: "OUTBOX_MAX_ATTEMPTS", path: []string{"outbox", "max_attempts"}, kind: "int"},
	{env: "CALLBACK_CLAIM_LEASE", path: []string{"callback", "claim_lease"}, kind: "duration"},
	{env: "CALLBACK_MAX_ATTEMPTS", path: []string{"callback", "max_attempts"}, kind: "int"},
	{env: "JOBS_ENABLED", path: []string{"jobs", "enabled"}, kind: "bool"},
	{env: "JOBS_QUEUE_NAME", path: []string{"jobs", "queue_name"}},
	{env: "JOBS_POLL_INTERVAL", path: []string{"jobs", "poll_interval"}, kind: "duration"},
}

func (l EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	for _, binding := range envBindings {
		value, ok := lookup(binding.env)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" && binding.kind != "" {
			continue
		}
		parsed, err := parseEnvValue(binding, value)
		if err != nil {
			return nil, err
		}
		setNested(raw, binding.path, parsed)
	}
	if _, ok := lookup("HTTP_ADDR"); !ok {
		if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
			setNested(raw, []string{"http", "addr"}, ":"+strings.TrimSpace(port))
		}
	}
	return raw, nil
}

func parseEnvValue(binding envBinding, value string) (any, error) {
	switch binding.kind {
	case "duration":
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("core: %s must be a duration: %w", binding.env, err)
		}
		return parsed, nil
	case "int":
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("core: %s must be an integer: %w", binding.env, err)
		}
		return parsed, nil
	case "int64":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("core: %s must be an integer: %w", binding.env, err)
		}
		return parsed, nil
	case "bool":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("core: %s must be a boolean: %w", binding.env, err)
		}
		return parsed, nil
	default:
		return value, nil
	}
}

func setNested(target map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	current := target
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}
