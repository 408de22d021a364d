package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown auth provider")

// ProviderConfig selects a registered provider and carries its raw settings.
type ProviderConfig struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// ValidatorFactory builds a Validator from the provider's raw settings.
type ValidatorFactory func(config json.RawMessage) (Validator, error)

type providerSet struct {
	mu        sync.RWMutex
	factories map[string]ValidatorFactory
}

var providers = &providerSet{factories: make(map[string]ValidatorFactory)}

func providerKey(t string) string { return strings.ToLower(strings.TrimSpace(t)) }

// RegisterProvider is called from provider packages' init. A later
// registration under the same type replaces the earlier one.
func RegisterProvider(providerType string, factory ValidatorFactory) {
	providers.mu.Lock()
	providers.factories[providerKey(providerType)] = factory
	providers.mu.Unlock()
}

func NewValidator(pc ProviderConfig) (Validator, error) {
	providers.mu.RLock()
	factory, ok := providers.factories[providerKey(pc.Type)]
	providers.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownProvider, pc.Type, strings.Join(Providers(), ", "))
	}
	v, err := factory(pc.Config)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", providerKey(pc.Type), err)
	}
	return v, nil
}

// Providers lists the registered provider types in order.
func Providers() []string {
	providers.mu.RLock()
	defer providers.mu.RUnlock()
	out := make([]string, 0, len(providers.factories))
	for name := range providers.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
