package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inspectq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigOptional_EmptyPath(t *testing.T) {
	t.Setenv("PORT", "9999")

	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatalf("LoadConfigOptional with empty path should not error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Expected Port=9999 from env, got %d", cfg.Port)
	}
}

func TestLoadConfigOptional_FileNotExist(t *testing.T) {
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigOptional with non-existent file should not error: %v", err)
	}
	if cfg.QueueBackend != QueueMemory {
		t.Errorf("expected memory queue default, got %q", cfg.QueueBackend)
	}
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig must require the file")
	}
}

func TestLoadConfigOptional_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
port: 8080
redisAddr: "localhost:6379"
  invalid indentation here
`)
	if _, err := LoadConfigOptional(path); err == nil {
		t.Fatal("Expected error when loading invalid YAML, got nil")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfigOptional("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryPolicy != "fixed" || cfg.RetryDelay() != 3*time.Second {
		t.Errorf("expected fixed 3s retry, got %s %s", cfg.RetryPolicy, cfg.RetryDelay())
	}
	if cfg.MaxAttempts != 0 || cfg.MaxAge() != 0 {
		t.Errorf("expected unbounded retries by default")
	}
	if cfg.WorkerConcurrency != 1 || cfg.StoreTimeout() != time.Minute || cfg.ShutdownTimeout() != 30*time.Second {
		t.Errorf("unexpected worker defaults %+v", cfg)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Type != "local" || cfg.Backends[0].Options["dir"] == "" {
		t.Errorf("expected a single local backend, got %+v", cfg.Backends)
	}
	if cfg.NATSSubject != "inspectq.upload.status" || cfg.PublisherBufferSize != 1024 {
		t.Errorf("unexpected telemetry defaults %+v", cfg)
	}
	if cfg.QueuePollInterval() != 250*time.Millisecond || cfg.RedisKeyPrefix != "inspectq" {
		t.Errorf("unexpected queue defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate in dev: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
port: 8081
env: prod
queueBackend: redis
redisAddr: redis:6379
redisPassword: secret
retryPolicy: exponential
retryDelaySeconds: 2
retryMaxDelaySeconds: 60
maxAttempts: 5
maxAgeSeconds: 3600
workerConcurrency: 4
skipExisting: true
backends:
  - name: primary
    type: local
    options:
      dir: /data/artifacts
  - name: archive
    type: sqlite
    options:
      path: /data/archive.db
statusWebhookUrl: https://hooks.example.com/inspectq
webhookHmacSecret: whsec
producerAuth:
  type: hmac
  config:
    secret: s3cret
    issuer: fleet
    audience: inspectq
tracing:
  enabled: true
  otlpEndpoint: collector:4317
  sampleRatio: 0.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8081 || cfg.QueueBackend != QueueRedis || cfg.RedisPassword != "secret" {
		t.Errorf("unexpected basics %+v", cfg)
	}
	if cfg.MaxAttempts != 5 || cfg.MaxAge() != time.Hour || !cfg.SkipExisting || cfg.WorkerConcurrency != 4 {
		t.Errorf("unexpected retry/worker settings %+v", cfg)
	}
	want := []storage.Config{
		{Name: "primary", Type: "local", Options: map[string]string{"dir": "/data/artifacts"}},
		{Name: "archive", Type: "sqlite", Options: map[string]string{"path": "/data/archive.db"}},
	}
	if len(cfg.Backends) != len(want) {
		t.Fatalf("expected %d backends, got %d", len(want), len(cfg.Backends))
	}
	for i := range want {
		if cfg.Backends[i].Name != want[i].Name || cfg.Backends[i].Type != want[i].Type || cfg.Backends[i].Options["dir"] != want[i].Options["dir"] || cfg.Backends[i].Options["path"] != want[i].Options["path"] {
			t.Errorf("backend %d: got %+v want %+v", i, cfg.Backends[i], want[i])
		}
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRatio != 0.5 {
		t.Errorf("unexpected tracing %+v", cfg.Tracing)
	}

	pc, ok, err := cfg.ProducerAuthProvider()
	if err != nil || !ok || pc.Type != "hmac" {
		t.Fatalf("unexpected producer auth %+v ok=%v err=%v", pc, ok, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(pc.Config, &raw); err != nil || raw["issuer"] != "fleet" {
		t.Fatalf("producer auth config not converted: %s (%v)", pc.Config, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "port: 8080\nretryDelaySeconds: 10\n")
	t.Setenv("PORT", "9090")
	t.Setenv("RETRY_DELAY_SECONDS", "1")
	t.Setenv("QUEUE_BACKEND", "REDIS")
	t.Setenv("REDIS_ADDR", "env-redis:6380")
	t.Setenv("SKIP_EXISTING", "true")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.1")
	t.Setenv("INGEST_RATE_LIMIT_RPM", "120")
	t.Setenv("INGEST_RATE_LIMIT_BURST", "10")

	cfg, err := LoadConfigOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.RetryDelaySeconds != 1 {
		t.Errorf("env did not override file: port=%d delay=%d", cfg.Port, cfg.RetryDelaySeconds)
	}
	if cfg.QueueBackend != QueueRedis || cfg.RedisAddr != "env-redis:6380" {
		t.Errorf("unexpected queue settings %q %q", cfg.QueueBackend, cfg.RedisAddr)
	}
	if !cfg.SkipExisting || cfg.NATSURL != "nats://nats:4222" || cfg.Tracing.SampleRatio != 0.1 {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if !cfg.IngestRateLimit.Enabled() || cfg.IngestRateLimit.RequestsPerMinute != 120 {
		t.Errorf("unexpected rate limit %+v", cfg.IngestRateLimit)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.applyDefaults()
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown queue", func(c *Config) { c.QueueBackend = "kafka" }, "unknown queueBackend"},
		{"unknown policy", func(c *Config) { c.RetryPolicy = "random" }, "unknown retryPolicy"},
		{"max below base", func(c *Config) { c.RetryMaxDelaySeconds = 1; c.RetryDelaySeconds = 5 }, "retryMaxDelaySeconds"},
		{"duplicate backends", func(c *Config) {
			c.Backends = []storage.Config{{Name: "a", Type: "local"}, {Name: "a", Type: "memory"}}
		}, "duplicate name"},
		{"missing type", func(c *Config) { c.Backends = []storage.Config{{Name: "a"}} }, "type is required"},
		{"bad webhook", func(c *Config) { c.StatusWebhookURL = "ftp://x" }, "statusWebhookUrl"},
		{"prod without auth", func(c *Config) { c.Env = "prod" }, "producerAuth is required"},
		{"prod webhook without secret", func(c *Config) {
			c.Env = "prod"
			c.ProducerAuth.Type = "static"
			c.StatusWebhookURL = "https://hooks.example.com"
		}, "webhookHmacSecret"},
		{"rate limit without burst", func(c *Config) { c.IngestRateLimit.RequestsPerMinute = 60 }, "ingestRateLimit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestProducerAuthProviderOpen(t *testing.T) {
	c := &Config{}
	if _, ok, err := c.ProducerAuthProvider(); ok || err != nil {
		t.Fatalf("expected open ingest, got ok=%v err=%v", ok, err)
	}
}
