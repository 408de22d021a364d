package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/metrics"
	"github.com/osvaldoandrade/inspectq/internal/queue"
	"github.com/osvaldoandrade/inspectq/internal/retry"
	"github.com/osvaldoandrade/inspectq/internal/telemetry"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStoreTimeout  = 60 * time.Second
	dequeueErrorBackoff  = time.Second
	scheduleErrorBackoff = time.Second
	existingLocation     = "existing"
)

// UploadWorkerService drains the upload queue into every configured backend.
type UploadWorkerService interface {
	// Run starts the worker pool and blocks until ctx is cancelled or the
	// queue is closed. In-flight passes finish before Run returns.
	Run(ctx context.Context) error
	// Process performs one delivery pass over msg and returns its outcome.
	Process(ctx context.Context, msg domain.UploadMessage) domain.Outcome
}

type UploadWorkerOptions struct {
	Concurrency  int
	StoreTimeout time.Duration
	SkipExisting bool
	Now          func() time.Time
}

type uploadWorkerService struct {
	queue     queue.Queue
	backends  []storage.Backend
	names     []string
	scheduler *retry.Scheduler
	publisher telemetry.Publisher
	logger    *slog.Logger

	concurrency  int
	storeTimeout time.Duration
	skipExisting bool
	now          func() time.Time

	busy artifactLocks
}

func NewUploadWorkerService(q queue.Queue, backends []storage.Backend, scheduler *retry.Scheduler, publisher telemetry.Publisher, logger *slog.Logger, opts UploadWorkerOptions) UploadWorkerService {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = telemetry.Discard{}
	}
	if scheduler == nil {
		scheduler = retry.NewScheduler(retry.Policy{})
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &uploadWorkerService{
		queue:        q,
		backends:     backends,
		names:        storage.Names(backends),
		scheduler:    scheduler,
		publisher:    publisher,
		logger:       logger,
		concurrency:  opts.Concurrency,
		storeTimeout: opts.StoreTimeout,
		skipExisting: opts.SkipExisting,
		now:          opts.Now,
		busy:         artifactLocks{held: make(map[string]*artifactLock)},
	}
}

func (s *uploadWorkerService) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return nil
}

func (s *uploadWorkerService) loop(ctx context.Context, worker int) {
	s.logger.Debug("upload worker started", "worker", worker)
	defer s.logger.Debug("upload worker stopped", "worker", worker)
	for {
		msg, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			s.logger.Warn("dequeue failed", "worker", worker, "err", err)
			if sleepOrDone(ctx, dequeueErrorBackoff) != nil {
				return
			}
			continue
		}
		s.Process(ctx, msg)
	}
}

// Process stores msg in each backend that has not succeeded yet. Store calls
// run detached from ctx so shutdown does not abort a write halfway; ctx only
// stops the pass from moving on to the next backend. Passes over entries of
// the same artifact are serialized.
func (s *uploadWorkerService) Process(ctx context.Context, msg domain.UploadMessage) domain.Outcome {
	unlock := s.busy.lock(msg.ID())
	defer unlock()

	base := tracing.ContextWithRemoteParent(context.WithoutCancel(ctx), msg.TraceParent, msg.TraceState)
	base, span := tracing.Tracer().Start(base, "inspectq.upload.pass",
		trace.WithAttributes(
			attribute.String("inspectq.artifact_id", msg.ID()),
			attribute.String("inspectq.mission_id", msg.Mission.ID),
			attribute.Int("inspectq.attempt", msg.Retry.Attempts+1),
		))
	defer span.End()

	attempted := false
	for _, b := range s.backends {
		if msg.IsDelivered(b.Name()) {
			continue
		}
		if ctx.Err() != nil {
			span.AddEvent("shutdown interrupted pass")
			break
		}
		if !attempted {
			s.scheduler.RecordAttempt(&msg.Retry, s.now())
			attempted = true
		}
		loc, err := s.deliver(base, b, msg)
		if err != nil {
			msg.MarkFailed(b.Name(), err)
			s.logger.Warn("backend store failed",
				"artifact_id", msg.ID(),
				"backend", b.Name(),
				"attempt", msg.Retry.Attempts,
				"err", err,
			)
			continue
		}
		msg.MarkDelivered(b.Name(), loc)
	}

	pending := msg.Pending(s.names)
	if len(pending) == 0 {
		s.finish(base, msg, domain.OutcomeSuccess, "")
		span.SetStatus(codes.Ok, "")
		return domain.OutcomeSuccess
	}

	now := s.now()
	if !attempted {
		// Interrupted before any Store call: the attempt budget is untouched
		// and no status is reported.
		s.reschedule(ctx, base, msg, now)
		span.AddEvent("pass deferred")
		return domain.OutcomeRetrying
	}

	decision := s.scheduler.Next(msg.Retry, now)
	if decision.Permanent {
		s.finish(base, msg, domain.OutcomePermanentFailure, decision.Reason)
		span.SetStatus(codes.Error, decision.Reason)
		return domain.OutcomePermanentFailure
	}

	msg.Retry.NextAttemptAt = decision.At
	s.reschedule(ctx, base, msg, decision.At)
	metrics.RetriesScheduledTotal.Inc()
	s.logger.Info("upload retry scheduled",
		"artifact_id", msg.ID(),
		"pending", pending,
		"attempt", msg.Retry.Attempts,
		"delay", decision.Delay.String(),
	)
	s.publish(base, domain.NewStatusEvent(msg, domain.OutcomeRetrying, pending, now))
	span.SetStatus(codes.Error, msg.Retry.LastError)
	return domain.OutcomeRetrying
}

// deliver runs one Store call with its own deadline and contains any panic
// raised by the backend.
func (s *uploadWorkerService) deliver(ctx context.Context, b storage.Backend, msg domain.UploadMessage) (loc string, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	ctx, span := tracing.Tracer().Start(ctx, "inspectq.backend.store",
		trace.WithAttributes(
			attribute.String("inspectq.backend", b.Name()),
			attribute.String("inspectq.artifact_id", msg.ID()),
			attribute.Int("inspectq.size_bytes", msg.Artifact.Size()),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.StoreAttemptsTotal.WithLabelValues(b.Name(), outcome).Inc()
	}()

	if s.skipExisting {
		exists, exErr := b.Exists(ctx, msg.Artifact)
		if exErr == nil && exists {
			span.SetAttributes(attribute.Bool("inspectq.skipped_existing", true))
			return existingLocation, nil
		}
		if exErr != nil {
			s.logger.Debug("backend exists check failed", "backend", b.Name(), "artifact_id", msg.ID(), "err", exErr)
		}
	}

	start := time.Now()
	loc, err = b.Store(ctx, msg.Artifact, msg.Mission)
	metrics.StoreLatencySeconds.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	return loc, err
}

func (s *uploadWorkerService) finish(ctx context.Context, msg domain.UploadMessage, outcome domain.Outcome, reason string) {
	if err := s.queue.Ack(ctx, msg); err != nil {
		s.logger.Warn("queue ack failed", "artifact_id", msg.ID(), "err", err)
	}
	now := s.now()
	metrics.MessagesFinishedTotal.WithLabelValues(string(outcome)).Inc()
	if !msg.EnqueuedAt.IsZero() {
		metrics.DeliveryLatencySeconds.WithLabelValues(string(outcome)).Observe(now.Sub(msg.EnqueuedAt).Seconds())
	}

	ev := domain.NewStatusEvent(msg, outcome, msg.Pending(s.names), now)
	if outcome == domain.OutcomeSuccess {
		s.logger.Info("upload delivered",
			"artifact_id", msg.ID(),
			"mission_id", msg.Mission.ID,
			"attempts", msg.Retry.Attempts,
			"backends", ev.DeliveredBackends,
		)
	} else {
		if reason != "" {
			ev.Error = ev.Error + " (" + reason + ")"
		}
		s.logger.Error("upload failed permanently",
			"artifact_id", msg.ID(),
			"mission_id", msg.Mission.ID,
			"attempts", msg.Retry.Attempts,
			"pending", ev.PendingBackends,
			"reason", reason,
			"err", msg.Retry.LastError,
		)
	}
	s.publish(ctx, ev)
}

// reschedule hands msg back to the queue. A failing queue is retried until
// shutdown; only then is the message given up and logged.
func (s *uploadWorkerService) reschedule(ctx, base context.Context, msg domain.UploadMessage, at time.Time) {
	for {
		err := s.queue.Schedule(base, msg, at)
		if err == nil {
			return
		}
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			s.logger.Error("retry schedule failed; message lost",
				"artifact_id", msg.ID(),
				"pending", msg.Pending(s.names),
				"err", err,
			)
			return
		}
		s.logger.Warn("retry schedule failed", "artifact_id", msg.ID(), "err", err)
		// a cancelled ctx still gets one more try on the detached context
		_ = sleepOrDone(ctx, scheduleErrorBackoff)
	}
}

// publish never lets the status channel affect the upload outcome.
func (s *uploadWorkerService) publish(ctx context.Context, ev domain.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("status publish panicked", "artifact_id", ev.ArtifactID, "panic", r)
		}
	}()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("status publish failed", "artifact_id", ev.ArtifactID, "outcome", string(ev.Outcome), "err", err)
	}
}

type artifactLock struct {
	mu   sync.Mutex
	refs int
}

// artifactLocks hands out one mutex per artifact id while it is in use.
type artifactLocks struct {
	mu   sync.Mutex
	held map[string]*artifactLock
}

func (l *artifactLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.held[id]
	if !ok {
		al = &artifactLock{}
		l.held[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		if al.refs--; al.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
