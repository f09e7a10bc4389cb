package stkpush

import (
	"fmt"

	"github.com/goliatone/go-stkpush/auth"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/providers/mpesa"
	"github.com/goliatone/go-stkpush/transport"
)

// MpesaStack is the provider client together with the pieces it was built on.
type MpesaStack struct {
	Transport core.TransportAdapter
	Tokens    *auth.TokenManager
	Client    *mpesa.Client
	Parser    mpesa.CallbackParser
}

// MpesaProvider builds the Daraja client. A nil adapter is replaced by the
// rest adapter from the default transport registry.
func MpesaProvider(cfg core.MpesaConfig, adapter core.TransportAdapter, opts ...mpesa.Option) (*MpesaStack, error) {
	if adapter == nil {
		built, err := transport.NewDefaultRegistry().Build("rest", map[string]any{
			"timeout": cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("stkpush: build rest transport: %w", err)
		}
		adapter = built
	}
	providerConfig, err := mpesa.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewTokenManager(auth.TokenManagerConfigFrom(cfg, adapter))
	client, err := mpesa.New(providerConfig, adapter, tokens, opts...)
	if err != nil {
		return nil, err
	}
	return &MpesaStack{
		Transport: adapter,
		Tokens:    tokens,
		Client:    client,
		Parser:    mpesa.NewCallbackParser(),
	}, nil
}
