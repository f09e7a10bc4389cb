package stkpush

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-stkpush/core"
)

// EventSinkPack groups downstream payment event handlers under one name,
// e.g. "inventory" or "notifications".
type EventSinkPack struct {
	Name     string
	Handlers []core.EventHandler
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	sinkPacks map[string]EventSinkPack
	bundles   map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		sinkPacks: map[string]EventSinkPack{},
		bundles:   map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterEventSinkPack(pack EventSinkPack) error {
	if h == nil {
		return fmt.Errorf("stkpush: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("stkpush: event sink pack name is required")
	}
	if len(pack.Handlers) == 0 {
		return fmt.Errorf("stkpush: event sink pack %q has no handlers", name)
	}
	for _, handler := range pack.Handlers {
		if handler == nil {
			return fmt.Errorf("stkpush: event sink pack %q contains nil handler", name)
		}
	}

	normalized := EventSinkPack{
		Name:     name,
		Handlers: append([]core.EventHandler(nil), pack.Handlers...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sinkPacks[name]; exists {
		return fmt.Errorf("stkpush: event sink pack %q already registered", name)
	}
	h.sinkPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("stkpush: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("stkpush: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("stkpush: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("stkpush: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyEventSinks subscribes every registered handler to the bus in pack
// name order.
func (h *ExtensionHooks) ApplyEventSinks(bus *core.EventBus) error {
	if h == nil {
		return nil
	}
	if bus == nil {
		return fmt.Errorf("stkpush: event bus is required")
	}
	for _, handler := range h.EventHandlers() {
		bus.Subscribe(handler)
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("stkpush: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) EventSinkPacks() []EventSinkPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.sinkPacks))
	for name := range h.sinkPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]EventSinkPack, 0, len(names))
	for _, name := range names {
		pack := h.sinkPacks[name]
		out = append(out, EventSinkPack{
			Name:     pack.Name,
			Handlers: append([]core.EventHandler(nil), pack.Handlers...),
		})
	}
	return out
}

func (h *ExtensionHooks) EventHandlers() []core.EventHandler {
	out := []core.EventHandler{}
	for _, pack := range h.EventSinkPacks() {
		out = append(out, pack.Handlers...)
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
