package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/backoff"
	"github.com/osvaldoandrade/inspectq/internal/ratelimit"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/auth"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
	"gopkg.in/yaml.v3"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"

	defaultArtifactsDir = "/tmp/inspectq-artifacts"
)

type ProducerAuthConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

type Config struct {
	Port      int    `yaml:"port"`
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	QueueBackend            string `yaml:"queueBackend"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	RedisKeyPrefix          string `yaml:"redisKeyPrefix"`
	QueuePollIntervalMillis int    `yaml:"queuePollIntervalMillis"`

	RetryPolicy          string `yaml:"retryPolicy"`
	RetryDelaySeconds    int    `yaml:"retryDelaySeconds"`
	RetryMaxDelaySeconds int    `yaml:"retryMaxDelaySeconds"`
	MaxAttempts          int    `yaml:"maxAttempts"`
	MaxAgeSeconds        int    `yaml:"maxAgeSeconds"`

	WorkerConcurrency      int  `yaml:"workerConcurrency"`
	StoreTimeoutSeconds    int  `yaml:"storeTimeoutSeconds"`
	ShutdownTimeoutSeconds int  `yaml:"shutdownTimeoutSeconds"`
	SkipExisting           bool `yaml:"skipExisting"`

	Backends []storage.Config `yaml:"backends"`

	NATSURL             string `yaml:"natsUrl"`
	NATSSubject         string `yaml:"natsSubject"`
	StatusWebhookURL    string `yaml:"statusWebhookUrl"`
	WebhookHmacSecret   string `yaml:"webhookHmacSecret"`
	PublisherBufferSize int    `yaml:"publisherBufferSize"`

	ProducerAuth    ProducerAuthConfig `yaml:"producerAuth"`
	IngestRateLimit ratelimit.Bucket   `yaml:"ingestRateLimit"`
	Tracing         TracingConfig      `yaml:"tracing"`
}

// LoadConfig reads filePath, applies environment overrides and fills defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filePath, err)
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates an empty path or a
// missing file, in which case only environment and defaults apply.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath != "" {
		cfg, err := LoadConfig(filePath)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	var c Config
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envString("INSPECTQ_ENV", &c.Env)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)

	envString("QUEUE_BACKEND", &c.QueueBackend)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("REDIS_KEY_PREFIX", &c.RedisKeyPrefix)
	envInt("QUEUE_POLL_INTERVAL_MILLIS", &c.QueuePollIntervalMillis)

	envString("RETRY_POLICY", &c.RetryPolicy)
	envInt("RETRY_DELAY_SECONDS", &c.RetryDelaySeconds)
	envInt("RETRY_MAX_DELAY_SECONDS", &c.RetryMaxDelaySeconds)
	envInt("MAX_ATTEMPTS", &c.MaxAttempts)
	envInt("MAX_AGE_SECONDS", &c.MaxAgeSeconds)

	envInt("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	envInt("STORE_TIMEOUT_SECONDS", &c.StoreTimeoutSeconds)
	envInt("SHUTDOWN_TIMEOUT_SECONDS", &c.ShutdownTimeoutSeconds)
	envBool("SKIP_EXISTING", &c.SkipExisting)

	envString("NATS_URL", &c.NATSURL)
	envString("NATS_SUBJECT", &c.NATSSubject)
	envString("STATUS_WEBHOOK_URL", &c.StatusWebhookURL)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envInt("PUBLISHER_BUFFER_SIZE", &c.PublisherBufferSize)

	envInt("INGEST_RATE_LIMIT_RPM", &c.IngestRateLimit.RequestsPerMinute)
	envInt("INGEST_RATE_LIMIT_BURST", &c.IngestRateLimit.BurstSize)

	envBool("OTEL_TRACING_ENABLED", &c.Tracing.Enabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.Tracing.OTLPInsecure)
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		c.Tracing.SampleRatio = tracing.ParseSampleRatio(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	if c.QueueBackend == "" {
		c.QueueBackend = QueueMemory
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "inspectq"
	}
	if c.QueuePollIntervalMillis <= 0 {
		c.QueuePollIntervalMillis = 250
	}
	if c.RetryPolicy == "" {
		c.RetryPolicy = backoff.PolicyFixed
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = 3
	}
	if c.RetryMaxDelaySeconds <= 0 {
		c.RetryMaxDelaySeconds = 300
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.MaxAgeSeconds < 0 {
		c.MaxAgeSeconds = 0
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 1
	}
	if c.StoreTimeoutSeconds <= 0 {
		c.StoreTimeoutSeconds = 60
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 30
	}
	if len(c.Backends) == 0 {
		c.Backends = []storage.Config{{
			Name:    "local",
			Type:    "local",
			Options: map[string]string{"dir": defaultArtifactsDir},
		}}
	}
	if c.NATSSubject == "" {
		c.NATSSubject = "inspectq.upload.status"
	}
	if c.PublisherBufferSize <= 0 {
		c.PublisherBufferSize = 1024
	}
}

func (c *Config) IsDev() bool {
	return strings.ToLower(strings.TrimSpace(c.Env)) == "dev"
}

func (c *Config) Validate() error {
	var errs []string

	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, "redisAddr is required for the redis queue")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown queueBackend %q", c.QueueBackend))
	}

	if !backoff.Valid(c.RetryPolicy) {
		errs = append(errs, fmt.Sprintf("unknown retryPolicy %q", c.RetryPolicy))
	}
	if c.RetryMaxDelaySeconds < c.RetryDelaySeconds {
		errs = append(errs, "retryMaxDelaySeconds must be >= retryDelaySeconds")
	}

	if len(c.Backends) == 0 {
		errs = append(errs, "at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			name = strings.TrimSpace(b.Type)
		}
		if name == "" {
			errs = append(errs, fmt.Sprintf("backends[%d]: name or type is required", i))
			continue
		}
		if strings.TrimSpace(b.Type) == "" {
			errs = append(errs, fmt.Sprintf("backends[%d]: type is required", i))
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("backends[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}

	if c.StatusWebhookURL != "" {
		u, err := url.Parse(c.StatusWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "statusWebhookUrl must be a valid http(s) URL")
		} else if strings.TrimSpace(c.WebhookHmacSecret) == "" && !c.IsDev() {
			errs = append(errs, "webhookHmacSecret is required when statusWebhookUrl is set")
		}
	}

	if rl := c.IngestRateLimit; (rl.RequestsPerMinute > 0) != (rl.BurstSize > 0) {
		errs = append(errs, "ingestRateLimit needs both requestsPerMinute and burstSize")
	}

	if strings.TrimSpace(c.ProducerAuth.Type) == "" && !c.IsDev() {
		errs = append(errs, "producerAuth is required in non-dev")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ProducerAuthProvider returns the auth provider config, or ok=false when
// ingest is open.
func (c *Config) ProducerAuthProvider() (pc auth.ProviderConfig, ok bool, err error) {
	typ := strings.TrimSpace(c.ProducerAuth.Type)
	if typ == "" {
		return auth.ProviderConfig{}, false, nil
	}
	raw, err := json.Marshal(c.ProducerAuth.Config)
	if err != nil {
		return auth.ProviderConfig{}, false, fmt.Errorf("producerAuth config: %w", err)
	}
	return auth.ProviderConfig{Type: typ, Config: raw}, true, nil
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}

func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMillis) * time.Millisecond
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
