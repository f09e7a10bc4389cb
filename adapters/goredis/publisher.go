package goredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-stkpush/core"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "payments.events"

// Client is the subset of redis.UniversalClient used for publishing.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher forwards payment events as JSON on a Redis channel so dashboards
// subscribed to it receive updates without polling.
type Publisher struct {
	client  Client
	channel string
}

func NewPublisher(client Client, channel string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("goredis: client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}, nil
}

// Dial connects to Redis with cfg and pings it. The caller closes the client.
func Dial(ctx context.Context, cfg core.RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("goredis: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("goredis: ping %s: %w", addr, err)
	}
	return client, nil
}

func (p *Publisher) Channel() string {
	if p == nil {
		return ""
	}
	return p.channel
}

func (p *Publisher) Handle(ctx context.Context, event core.PaymentEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("goredis: publisher is not configured")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(publicEvent(event))
	if err != nil {
		return fmt.Errorf("goredis: encode event %s: %w", event.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("goredis: publish %s to %s: %w", event.Name, p.channel, err)
	}
	return nil
}

// publicEvent drops dispatcher bookkeeping from the metadata.
func publicEvent(event core.PaymentEvent) core.PaymentEvent {
	if _, ok := event.Metadata[core.MetadataKeyOutboxAttempts]; !ok {
		return event
	}
	metadata := make(map[string]any, len(event.Metadata))
	for key, value := range event.Metadata {
		if key == core.MetadataKeyOutboxAttempts {
			continue
		}
		metadata[key] = value
	}
	event.Metadata = metadata
	return event
}

// Publish lets the publisher stand in directly as a core.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event core.PaymentEvent) error {
	return p.Handle(ctx, event)
}

var (
	_ core.EventHandler   = (*Publisher)(nil)
	_ core.EventPublisher = (*Publisher)(nil)
	_ Client              = (*redis.Client)(nil)
)
