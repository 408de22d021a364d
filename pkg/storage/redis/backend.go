package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/inspectq/internal/providers"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"

	"github.com/go-redis/redis/v8"
)

// Backend stores artifact bytes and metadata in Redis/KVRocks.
type Backend struct {
	name   string
	rdb    *redis.Client
	prefix string
	owned  bool
}

func New(name string, rdb *redis.Client, prefix string) *Backend {
	if name == "" {
		name = "redis"
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "inspectq:artifacts"
	}
	return &Backend{name: name, rdb: rdb, prefix: prefix}
}

func newFromConfig(cfg storage.Config) (storage.Backend, error) {
	addr := cfg.Option("addr", "localhost:6379")
	b := New(cfg.Name, providers.NewRedisProvider(addr, cfg.Option("password", "")), cfg.Option("prefix", ""))
	b.owned = true
	return b, nil
}

func init() {
	storage.RegisterProvider("redis", newFromConfig)
}

// ===== Keys =====
func (b *Backend) keyBlob(path string) string { return fmt.Sprintf("%s:blob:%s", b.prefix, path) }
func (b *Backend) keyMeta(path string) string { return fmt.Sprintf("%s:meta:%s", b.prefix, path) }
func (b *Backend) keyMission(id string) string { return fmt.Sprintf("%s:mission:%s", b.prefix, id) }

func (b *Backend) Name() string { return b.name }

func (b *Backend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	path := storage.ObjectPath(a)
	rec, err := storage.NewRecord(a, m).JSON()
	if err != nil {
		return "", err
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.keyBlob(path), a.Data, 0)
	pipe.HSet(ctx, b.keyMeta(path),
		"artifactId", a.ID,
		"missionId", a.MissionID,
		"contentType", a.ContentType(),
		"checksum", a.Checksum(),
		"record", string(rec),
	)
	pipe.SAdd(ctx, b.keyMission(a.MissionID), a.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis storage: %w", err)
	}
	return "redis://" + b.keyBlob(path), nil
}

func (b *Backend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.keyBlob(storage.ObjectPath(a))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the stored bytes of an artifact.
func (b *Backend) Get(ctx context.Context, a domain.Artifact) ([]byte, error) {
	data, err := b.rdb.Get(ctx, b.keyBlob(storage.ObjectPath(a))).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	return data, err
}

// MissionArtifacts lists artifact ids stored for a mission.
func (b *Backend) MissionArtifacts(ctx context.Context, missionID string) ([]string, error) {
	return b.rdb.SMembers(ctx, b.keyMission(missionID)).Result()
}

func (b *Backend) Health(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection when the backend created it.
func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}
