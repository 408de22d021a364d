package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config describes one configured backend.
type Config struct {
	Name    string            `yaml:"name" json:"name"`
	Type    string            `yaml:"type" json:"type"`
	Options map[string]string `yaml:"options" json:"options,omitempty"`
}

func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (c Config) IntOption(key string, def int) int {
	v := c.Option(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c Config) DurationOption(key string, def time.Duration) time.Duration {
	v := c.Option(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Factory creates a backend from its configuration
type Factory func(cfg Config) (Backend, error)

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// RegisterProvider registers a backend factory for a provider type
func RegisterProvider(providerType string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[providerType] = factory
}

// NewBackend creates a backend from configuration
func NewBackend(cfg Config) (Backend, error) {
	mu.RLock()
	factory, ok := registry[cfg.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Type)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.Type
	}
	return factory(cfg)
}

// NewBackends builds the configured backends in order, rejecting duplicate names.
func NewBackends(cfgs []Config) ([]Backend, error) {
	seen := make(map[string]bool, len(cfgs))
	out := make([]Backend, 0, len(cfgs))
	for _, c := range cfgs {
		b, err := NewBackend(c)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", c.Name, err)
		}
		if seen[b.Name()] {
			return nil, fmt.Errorf("duplicate backend name: %s", b.Name())
		}
		seen[b.Name()] = true
		out = append(out, b)
	}
	return out, nil
}

// Names returns backend names in configured order.
func Names(backends []Backend) []string {
	out := make([]string, len(backends))
	for i, b := range backends {
		out[i] = b.Name()
	}
	return out
}

// ListProviders returns registered provider types
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}
