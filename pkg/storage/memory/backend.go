package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
)

// ErrInjected is returned by Store while failure injection is active.
var ErrInjected = errors.New("memory storage: injected failure")

// Backend keeps artifacts in a map.
// This is primarily for testing and local runs and should not be used in production.
type Backend struct {
	name string

	mu       sync.RWMutex
	objects  map[string][]byte
	records  map[string]storage.Record
	calls    map[string]int
	failing  bool
	failNext int
}

func New(name string) *Backend {
	if name == "" {
		name = "memory"
	}
	return &Backend{
		name:    name,
		objects: make(map[string][]byte),
		records: make(map[string]storage.Record),
		calls:   make(map[string]int),
	}
}

func init() {
	storage.RegisterProvider("memory", func(cfg storage.Config) (storage.Backend, error) {
		b := New(cfg.Name)
		b.FailNext(cfg.IntOption("failFirst", 0))
		return b, nil
	})
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	key := storage.ObjectPath(a)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[a.ID]++
	if b.failing {
		return "", ErrInjected
	}
	if b.failNext > 0 {
		b.failNext--
		return "", ErrInjected
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	b.objects[key] = data
	b.records[key] = storage.NewRecord(a, m)
	return "memory://" + b.name + "/" + key, nil
}

func (b *Backend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[storage.ObjectPath(a)]
	return ok, nil
}

// SetFailing makes every Store call fail until it is switched off again.
func (b *Backend) SetFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

// FailNext makes the next n Store calls fail.
func (b *Backend) FailNext(n int) {
	if n < 0 {
		n = 0
	}
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// Calls returns how many times Store was invoked for an artifact id.
func (b *Backend) Calls(artifactID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[artifactID]
}

// Get returns the stored bytes of an artifact.
func (b *Backend) Get(a domain.Artifact) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[storage.ObjectPath(a)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

func (b *Backend) Health(ctx context.Context) error { return nil }
