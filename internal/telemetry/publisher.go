package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/metrics"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

var (
	ErrBufferFull      = errors.New("status publisher buffer full")
	ErrPublisherClosed = errors.New("status publisher closed")
)

const (
	defaultBufferSize  = 1024
	defaultSendTimeout = 10 * time.Second
)

// Publisher receives status events from upload workers. Publish must not
// block on sink I/O; errors are informational only.
type Publisher interface {
	Publish(ctx context.Context, ev domain.StatusEvent) error
}

// Sink delivers one event to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev domain.StatusEvent) error
}

// AsyncPublisher buffers events and fans them out to every sink from a single
// goroutine. When the buffer is full the event is dropped.
type AsyncPublisher struct {
	logger      *slog.Logger
	sinks       []Sink
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan domain.StatusEvent
	done   chan struct{}
}

func NewAsyncPublisher(logger *slog.Logger, bufferSize int, sinks ...Sink) *AsyncPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	p := &AsyncPublisher{
		logger:      logger,
		sinks:       sinks,
		sendTimeout: defaultSendTimeout,
		events:      make(chan domain.StatusEvent, bufferSize),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, ev domain.StatusEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.events <- ev:
		return nil
	default:
		metrics.StatusEventsDroppedTotal.Inc()
		p.logger.Warn("status event dropped", "artifact_id", ev.ArtifactID, "outcome", string(ev.Outcome))
		return ErrBufferFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for ev := range p.events {
		for _, s := range p.sinks {
			p.send(s, ev)
		}
	}
}

func (p *AsyncPublisher) send(s Sink, ev domain.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.StatusEventsTotal.WithLabelValues(s.Name(), "error").Inc()
			p.logger.Error("status sink panicked", "sink", s.Name(), "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()
	if err := s.Send(ctx, ev); err != nil {
		metrics.StatusEventsTotal.WithLabelValues(s.Name(), "error").Inc()
		p.logger.Warn("status sink failed", "sink", s.Name(), "artifact_id", ev.ArtifactID, "err", err)
		return
	}
	metrics.StatusEventsTotal.WithLabelValues(s.Name(), "ok").Inc()
}

// Close stops accepting events and waits until buffered ones were handed to
// the sinks or ctx expires.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every event. Used when no sink is configured.
type Discard struct{}

func (Discard) Publish(context.Context, domain.StatusEvent) error { return nil }
