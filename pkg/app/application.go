package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/metrics"
	"github.com/osvaldoandrade/inspectq/internal/middleware"
	"github.com/osvaldoandrade/inspectq/internal/providers"
	"github.com/osvaldoandrade/inspectq/internal/queue"
	"github.com/osvaldoandrade/inspectq/internal/ratelimit"
	"github.com/osvaldoandrade/inspectq/internal/retry"
	"github.com/osvaldoandrade/inspectq/internal/services"
	"github.com/osvaldoandrade/inspectq/internal/telemetry"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/auth"
	_ "github.com/osvaldoandrade/inspectq/pkg/auth/sharedsecret" // hmac producer tokens
	_ "github.com/osvaldoandrade/inspectq/pkg/auth/static"       // static producer tokens (dev/local)
	"github.com/osvaldoandrade/inspectq/pkg/config"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
	_ "github.com/osvaldoandrade/inspectq/pkg/storage/httpblob"
	_ "github.com/osvaldoandrade/inspectq/pkg/storage/local"
	_ "github.com/osvaldoandrade/inspectq/pkg/storage/memory"
	_ "github.com/osvaldoandrade/inspectq/pkg/storage/redis"
	_ "github.com/osvaldoandrade/inspectq/pkg/storage/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
)

type Application struct {
	Config            *config.Config
	Engine            *gin.Engine
	Logger            *slog.Logger
	Queue             queue.Queue
	Backends          []storage.Backend
	Ingest            services.IngestService
	Worker            services.UploadWorkerService
	Publisher         *telemetry.AsyncPublisher
	ProducerValidator auth.Validator
	RateLimiter       ratelimit.Limiter
	TracingShutdown   func(context.Context) error

	redis     *redis.Client
	ownsRedis bool
	nats      *nats.Conn
	sinks     []telemetry.Sink

	mu          sync.Mutex
	stopWorkers context.CancelFunc
	workersDone chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithProducerValidator sets a custom producer validator
func WithProducerValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.ProducerValidator = validator
		return nil
	}
}

// WithRateLimiter overrides the ingest limiter built from the config.
func WithRateLimiter(lim ratelimit.Limiter) ApplicationOption {
	return func(app *Application) error {
		app.RateLimiter = lim
		return nil
	}
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) ApplicationOption {
	return func(app *Application) error {
		app.Logger = logger
		return nil
	}
}

// WithRedisClient makes the redis queue use rdb. The caller keeps ownership.
func WithRedisClient(rdb *redis.Client) ApplicationOption {
	return func(app *Application) error {
		app.redis = rdb
		return nil
	}
}

// WithBackends bypasses the backend registry and uses the given backends.
func WithBackends(backends ...storage.Backend) ApplicationOption {
	return func(app *Application) error {
		if len(backends) == 0 {
			return errors.New("at least one backend is required")
		}
		app.Backends = backends
		return nil
	}
}

// WithSinks adds status sinks next to the ones derived from the config.
func WithSinks(sinks ...telemetry.Sink) ApplicationOption {
	return func(app *Application) error {
		app.sinks = append(app.sinks, sinks...)
		return nil
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "inspectq", "env", cfg.Env)
}

// NewApplication wires queue, backends, status publisher, worker pool and the
// HTTP engine. Workers are not started; call StartWorkers.
func NewApplication(ctx context.Context, cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	if app.Logger == nil {
		app.Logger = newLogger(cfg, os.Stdout)
		slog.SetDefault(app.Logger)
	}
	logger := app.Logger

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdownTracing

	if err := app.setupQueue(); err != nil {
		_ = app.release(ctx)
		return nil, err
	}

	if app.Backends == nil {
		backends, err := storage.NewBackends(cfg.Backends)
		if err != nil {
			_ = app.release(ctx)
			return nil, fmt.Errorf("backends: %w", err)
		}
		app.Backends = backends
	}

	if err := app.setupPublisher(); err != nil {
		_ = app.release(ctx)
		return nil, err
	}

	scheduler := retry.NewScheduler(retry.Policy{
		Backoff:     cfg.RetryPolicy,
		Delay:       cfg.RetryDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
		MaxAttempts: cfg.MaxAttempts,
		MaxAge:      cfg.MaxAge(),
	})
	app.Worker = services.NewUploadWorkerService(app.Queue, app.Backends, scheduler, app.Publisher, logger, services.UploadWorkerOptions{
		Concurrency:  cfg.WorkerConcurrency,
		StoreTimeout: cfg.StoreTimeout(),
		SkipExisting: cfg.SkipExisting,
	})
	app.Ingest = services.NewIngestService(app.Queue, logger)

	metrics.RegisterQueueCollector(app.Queue, logger)

	if app.ProducerValidator == nil {
		pc, ok, err := cfg.ProducerAuthProvider()
		if err != nil {
			_ = app.release(ctx)
			return nil, err
		}
		if ok {
			validator, err := auth.NewValidator(pc)
			if err != nil {
				_ = app.release(ctx)
				return nil, fmt.Errorf("producer auth: %w", err)
			}
			app.ProducerValidator = validator
		} else {
			logger.Warn("producer auth disabled; ingest is open")
		}
	}

	if app.RateLimiter == nil && cfg.IngestRateLimit.Enabled() {
		app.RateLimiter = ratelimit.NewRedisLimiter(app.redisClient(), cfg.RedisKeyPrefix, cfg.IngestRateLimit, nil)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.LoggerMiddleware(logger), middleware.TracingMiddleware())
	app.Engine = engine

	logger.Info("application initialized",
		"queue", cfg.QueueBackend,
		"backends", storage.Names(app.Backends),
		"retryPolicy", cfg.RetryPolicy,
		"retryDelay", cfg.RetryDelay().String(),
		"maxAttempts", cfg.MaxAttempts,
		"maxAge", cfg.MaxAge().String(),
		"concurrency", cfg.WorkerConcurrency,
	)
	return app, nil
}

func (app *Application) setupQueue() error {
	cfg := app.Config
	switch cfg.QueueBackend {
	case config.QueueRedis:
		app.Queue = queue.NewRedis(app.redisClient(), queue.RedisOptions{
			Prefix:       cfg.RedisKeyPrefix,
			PollInterval: cfg.QueuePollInterval(),
			Logger:       app.Logger,
		})
	case config.QueueMemory, "":
		app.Queue = queue.NewMemory(time.Now)
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	return nil
}

func (app *Application) redisClient() *redis.Client {
	if app.redis == nil {
		app.redis = providers.NewRedisProvider(app.Config.RedisAddr, app.Config.RedisPassword)
		app.ownsRedis = true
	}
	return app.redis
}

func (app *Application) setupPublisher() error {
	cfg := app.Config
	sinks := []telemetry.Sink{telemetry.NewLogSink(app.Logger)}
	if cfg.NATSURL != "" {
		nc, err := telemetry.DialNATS(cfg.NATSURL, app.Logger)
		if err != nil {
			return err
		}
		app.nats = nc
		ns, err := telemetry.NewNATSSink(nc, cfg.NATSSubject)
		if err != nil {
			return err
		}
		sinks = append(sinks, ns)
	}
	if cfg.StatusWebhookURL != "" {
		sinks = append(sinks, telemetry.NewWebhookSink(cfg.StatusWebhookURL, cfg.WebhookHmacSecret, nil))
	}
	sinks = append(sinks, app.sinks...)
	app.Publisher = telemetry.NewAsyncPublisher(app.Logger, cfg.PublisherBufferSize, sinks...)
	return nil
}

// StartWorkers launches the worker pool. A redis queue first requeues entries
// left in flight by a previous process.
func (app *Application) StartWorkers(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.stopWorkers != nil {
		return errors.New("workers already started")
	}
	if rq, ok := app.Queue.(*queue.Redis); ok {
		n, err := rq.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover in-flight: %w", err)
		}
		if n > 0 {
			app.Logger.Info("requeued in-flight artifacts", "count", n)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	app.stopWorkers = cancel
	app.workersDone = done
	go func() {
		defer close(done)
		if err := app.Worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			app.Logger.Error("upload worker stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown stops the workers, waits for in-flight passes, flushes status
// events and releases every connection. ctx bounds the whole sequence.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	stop, done := app.stopWorkers, app.workersDone
	app.mu.Unlock()

	var errs []error
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
		}
	}
	errs = append(errs, app.release(ctx))
	return errors.Join(errs...)
}

func (app *Application) release(ctx context.Context) error {
	app.releaseOnce.Do(func() { app.releaseErr = app.closeAll(ctx) })
	return app.releaseErr
}

func (app *Application) closeAll(ctx context.Context) error {
	var errs []error
	if app.Publisher != nil {
		if err := app.Publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if app.Queue != nil {
		if err := app.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue: %w", err))
		}
	}
	for _, b := range app.Backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("backend %s: %w", b.Name(), err))
			}
		}
	}
	if app.nats != nil {
		if err := app.nats.Drain(); err != nil {
			app.nats.Close()
		}
	}
	if app.redis != nil && app.ownsRedis {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if app.TracingShutdown != nil {
		if err := app.TracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
