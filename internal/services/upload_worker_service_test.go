package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/inspectq/internal/queue"
	"github.com/osvaldoandrade/inspectq/internal/retry"
	"github.com/osvaldoandrade/inspectq/internal/telemetry"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/osvaldoandrade/inspectq/pkg/storage"
	"github.com/osvaldoandrade/inspectq/pkg/storage/memory"
)

const testDelay = 30 * time.Millisecond

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.StatusEvent
	ch     chan domain.StatusEvent
	err    error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{ch: make(chan domain.StatusEvent, 64)}
}

func (p *capturePublisher) Publish(ctx context.Context, ev domain.StatusEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	p.ch <- ev
	return p.err
}

func (p *capturePublisher) Count(o domain.Outcome) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Outcome == o {
			n++
		}
	}
	return n
}

// waitTerminal blocks until a success or permanent_failure event arrives.
func (p *capturePublisher) waitTerminal(t *testing.T, timeout time.Duration) domain.StatusEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-p.ch:
			if ev.Outcome.Terminal() {
				return ev
			}
		case <-deadline:
			t.Fatalf("no terminal event within %s", timeout)
			return domain.StatusEvent{}
		}
	}
}

type panicPublisher struct{}

func (panicPublisher) Publish(context.Context, domain.StatusEvent) error { panic("publisher down") }

type harness struct {
	q      *queue.Memory
	ingest IngestService
	worker UploadWorkerService
	cancel context.CancelFunc
	done   chan struct{}
}

func startWorker(t *testing.T, backends []storage.Backend, policy retry.Policy, pub telemetry.Publisher, opts UploadWorkerOptions) *harness {
	t.Helper()
	q := queue.NewMemory(nil)
	if policy.Delay == 0 {
		policy.Delay = testDelay
	}
	w := NewUploadWorkerService(q, backends, retry.NewScheduler(policy), pub, nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{q: q, ingest: NewIngestService(q, nil), worker: w, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	_ = h.q.Close()
}

func (h *harness) enqueue(t *testing.T, seq int) domain.UploadMessage {
	t.Helper()
	msg, err := h.ingest.Enqueue(context.Background(), IngestRequest{
		Mission:  domain.MissionContext{ID: "mission-1"},
		Sequence: seq,
		Kind:     domain.KindImage,
		Metadata: domain.ArtifactMetadata{FileType: "jpg"},
		Data:     []byte("inspection"),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return msg
}

func TestWorkerFailTwiceThenSucceed(t *testing.T) {
	b := memory.New("local")
	b.FailNext(2)
	pub := newCapturePublisher()
	h := startWorker(t, []storage.Backend{b}, retry.Policy{}, pub, UploadWorkerOptions{})

	start := time.Now()
	msg := h.enqueue(t, 1)
	ev := pub.waitTerminal(t, 2*time.Second)
	elapsed := time.Since(start)

	if ev.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", ev.Outcome)
	}
	if ev.Attempts != 3 {
		t.Fatalf("expected 3 attempts on the event, got %d", ev.Attempts)
	}
	if elapsed < 2*testDelay {
		t.Fatalf("retries did not honor the delay: %s", elapsed)
	}
	if ev.Locations["local"] == "" {
		t.Fatalf("expected location for backend local, got %v", ev.Locations)
	}

	time.Sleep(3 * testDelay)
	if got := b.Calls(msg.ID()); got != 3 {
		t.Fatalf("expected 3 Store calls, got %d", got)
	}
	if got := pub.Count(domain.OutcomeSuccess); got != 1 {
		t.Fatalf("expected one success event, got %d", got)
	}
	if got := pub.Count(domain.OutcomeRetrying); got != 2 {
		t.Fatalf("expected two retrying events, got %d", got)
	}
}

func TestWorkerSkipsBackendThatAlreadySucceeded(t *testing.T) {
	a := memory.New("a")
	b := memory.New("b")
	b.FailNext(1)
	pub := newCapturePublisher()
	h := startWorker(t, []storage.Backend{a, b}, retry.Policy{}, pub, UploadWorkerOptions{})

	msg := h.enqueue(t, 1)
	ev := pub.waitTerminal(t, 2*time.Second)
	if ev.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", ev.Outcome)
	}
	time.Sleep(3 * testDelay)
	if got := a.Calls(msg.ID()); got != 1 {
		t.Fatalf("expected backend a to be called once, got %d", got)
	}
	if got := b.Calls(msg.ID()); got != 2 {
		t.Fatalf("expected backend b to be called twice, got %d", got)
	}
	if got := pub.Count(domain.OutcomeSuccess); got != 1 {
		t.Fatalf("expected one success event, got %d", got)
	}
	if len(ev.DeliveredBackends) != 2 {
		t.Fatalf("expected both backends delivered, got %v", ev.DeliveredBackends)
	}
}

func TestWorkerMaxAttemptsEmitsPermanentFailure(t *testing.T) {
	b := memory.New("remote")
	b.SetFailing(true)
	pub := newCapturePublisher()
	h := startWorker(t, []storage.Backend{b}, retry.Policy{MaxAttempts: 3}, pub, UploadWorkerOptions{})

	msg := h.enqueue(t, 1)
	ev := pub.waitTerminal(t, 2*time.Second)
	if ev.Outcome != domain.OutcomePermanentFailure {
		t.Fatalf("expected permanent_failure, got %s", ev.Outcome)
	}
	if ev.Error == "" || len(ev.PendingBackends) != 1 || ev.PendingBackends[0] != "remote" {
		t.Fatalf("permanent failure event lacks detail: %+v", ev)
	}

	time.Sleep(5 * testDelay)
	if got := b.Calls(msg.ID()); got != 3 {
		t.Fatalf("expected exactly 3 Store calls, got %d", got)
	}
	if got := pub.Count(domain.OutcomePermanentFailure); got != 1 {
		t.Fatalf("expected one permanent_failure event, got %d", got)
	}
	st, _ := h.q.Stats(context.Background())
	if st.Total() != 0 {
		t.Fatalf("message still in rotation: %+v", st)
	}
}

func TestWorkerMaxAgeEmitsPermanentFailure(t *testing.T) {
	b := memory.New("remote")
	b.SetFailing(true)
	pub := newCapturePublisher()
	startWorker(t, []storage.Backend{b}, retry.Policy{MaxAge: 2 * testDelay}, pub, UploadWorkerOptions{}).enqueue(t, 1)

	ev := pub.waitTerminal(t, 2*time.Second)
	if ev.Outcome != domain.OutcomePermanentFailure {
		t.Fatalf("expected permanent_failure, got %s", ev.Outcome)
	}
	if ev.Attempts < 2 {
		t.Fatalf("expected at least 2 attempts before max age, got %d", ev.Attempts)
	}
}

func TestWorkerPublisherFailuresDoNotAffectDelivery(t *testing.T) {
	b := memory.New("local")
	b.FailNext(1)
	pub := newCapturePublisher()
	pub.err = errors.New("telemetry down")
	h := startWorker(t, []storage.Backend{b}, retry.Policy{}, pub, UploadWorkerOptions{})
	msg := h.enqueue(t, 1)
	if ev := pub.waitTerminal(t, 2*time.Second); ev.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", ev.Outcome)
	}
	if data, err := b.Get(msg.Artifact); err != nil || string(data) != "inspection" {
		t.Fatalf("artifact not stored: %q %v", data, err)
	}
}

func TestWorkerPanickingPublisherIsContained(t *testing.T) {
	b := memory.New("local")
	q := queue.NewMemory(nil)
	w := NewUploadWorkerService(q, []storage.Backend{b}, retry.NewScheduler(retry.Policy{Delay: testDelay}), panicPublisher{}, nil, UploadWorkerOptions{})
	msg := domain.NewUploadMessage(domain.NewArtifact("m", 1, domain.KindImage, domain.ArtifactMetadata{}, []byte("x")), domain.NewMissionContext("m", "", ""), time.Now())
	if got := w.Process(context.Background(), msg); got != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

type panicBackend struct{ calls int }

func (b *panicBackend) Name() string { return "flaky" }
func (b *panicBackend) Store(context.Context, domain.Artifact, domain.MissionContext) (string, error) {
	b.calls++
	panic("driver bug")
}
func (b *panicBackend) Exists(context.Context, domain.Artifact) (bool, error) { return false, nil }

func TestWorkerContainsBackendPanic(t *testing.T) {
	ok := memory.New("ok")
	bad := &panicBackend{}
	q := queue.NewMemory(nil)
	pub := newCapturePublisher()
	w := NewUploadWorkerService(q, []storage.Backend{bad, ok}, retry.NewScheduler(retry.Policy{Delay: time.Hour}), pub, nil, UploadWorkerOptions{})

	msg := domain.NewUploadMessage(domain.NewArtifact("m", 1, domain.KindImage, domain.ArtifactMetadata{}, []byte("x")), domain.NewMissionContext("m", "", ""), time.Now())
	if got := w.Process(context.Background(), msg); got != domain.OutcomeRetrying {
		t.Fatalf("expected retrying, got %s", got)
	}
	if ok.Calls(msg.ID()) != 1 {
		t.Fatalf("a failing backend must not block the others")
	}
	st, _ := q.Stats(context.Background())
	if st.Delayed != 1 {
		t.Fatalf("expected message scheduled for retry, got %+v", st)
	}
	ev := <-pub.ch
	if ev.Outcome != domain.OutcomeRetrying || ev.NextAttemptAt == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(ev.PendingBackends) != 1 || ev.PendingBackends[0] != "flaky" {
		t.Fatalf("unexpected pending backends %v", ev.PendingBackends)
	}
}

func TestWorkerSkipExistingCountsAsDelivered(t *testing.T) {
	b := memory.New("local")
	msg := domain.NewUploadMessage(domain.NewArtifact("m", 1, domain.KindImage, domain.ArtifactMetadata{}, []byte("x")), domain.NewMissionContext("m", "", ""), time.Now())
	if _, err := b.Store(context.Background(), msg.Artifact, msg.Mission); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := NewUploadWorkerService(queue.NewMemory(nil), []storage.Backend{b}, nil, nil, nil, UploadWorkerOptions{SkipExisting: true})
	if got := w.Process(context.Background(), msg); got != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	if b.Calls(msg.ID()) != 1 {
		t.Fatalf("expected no further Store call, got %d", b.Calls(msg.ID()))
	}
}

func TestWorkerManyMessagesWithPool(t *testing.T) {
	b := memory.New("local")
	pub := newCapturePublisher()
	h := startWorker(t, []storage.Backend{b}, retry.Policy{}, pub, UploadWorkerOptions{Concurrency: 4})
	const n = 40
	for i := 0; i < n; i++ {
		h.enqueue(t, i)
	}
	for i := 0; i < n; i++ {
		pub.waitTerminal(t, 2*time.Second)
	}
	if b.Len() != n {
		t.Fatalf("expected %d stored artifacts, got %d", n, b.Len())
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := queue.NewMemory(nil)
	w := NewUploadWorkerService(q, []storage.Backend{memory.New("x")}, nil, nil, nil, UploadWorkerOptions{Concurrency: 3})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestWorkerDeliveryStateSurvivesRedisQueueRestart(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return clock }
	a := memory.New("a")
	b := memory.New("b")
	b.FailNext(1)
	backends := []storage.Backend{a, b}
	ctx := context.Background()

	q1 := queue.NewRedis(rdb, queue.RedisOptions{Prefix: "itest", Now: now})
	if _, err := NewIngestService(q1, nil).Enqueue(ctx, IngestRequest{Mission: domain.MissionContext{ID: "m"}, Sequence: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	w1 := NewUploadWorkerService(q1, backends, retry.NewScheduler(retry.Policy{Delay: 3 * time.Second}), nil, nil, UploadWorkerOptions{Now: now})
	msg, err := q1.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got := w1.Process(ctx, msg); got != domain.OutcomeRetrying {
		t.Fatalf("expected retrying, got %s", got)
	}

	// new process: new queue handle over the same keys
	clock = clock.Add(3 * time.Second)
	q2 := queue.NewRedis(rdb, queue.RedisOptions{Prefix: "itest", Now: now})
	if _, err := q2.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	w2 := NewUploadWorkerService(q2, backends, retry.NewScheduler(retry.Policy{Delay: 3 * time.Second}), nil, nil, UploadWorkerOptions{Now: now})
	msg, err = q2.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after restart: %v", err)
	}
	if got := w2.Process(ctx, msg); got != domain.OutcomeSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	if a.Calls(msg.ID()) != 1 || b.Calls(msg.ID()) != 2 {
		t.Fatalf("unexpected calls a=%d b=%d", a.Calls(msg.ID()), b.Calls(msg.ID()))
	}
	st, _ := q2.Stats(ctx)
	if st.Total() != 0 {
		t.Fatalf("expected drained queue, got %+v", st)
	}
}

// overlapBackend records how many Store calls for one artifact run at once.
type overlapBackend struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	calls   int
}

func (b *overlapBackend) Name() string { return "overlap" }

func (b *overlapBackend) Store(ctx context.Context, a domain.Artifact, m domain.MissionContext) (string, error) {
	b.mu.Lock()
	b.active++
	b.calls++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	b.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return "overlap://" + a.ID, nil
}

func (b *overlapBackend) Exists(ctx context.Context, a domain.Artifact) (bool, error) {
	return false, nil
}

func TestWorkerSerializesEntriesOfSameArtifact(t *testing.T) {
	b := &overlapBackend{}
	pub := newCapturePublisher()
	h := startWorker(t, []storage.Backend{b}, retry.Policy{}, pub, UploadWorkerOptions{Concurrency: 4})

	first := h.enqueue(t, 1)
	second := h.enqueue(t, 1)
	if first.ID() != second.ID() {
		t.Fatalf("same inspection produced different ids")
	}
	for i := 0; i < 2; i++ {
		if ev := pub.waitTerminal(t, 2*time.Second); ev.Outcome != domain.OutcomeSuccess {
			t.Fatalf("expected success, got %s", ev.Outcome)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls != 2 {
		t.Fatalf("expected 2 Store calls, got %d", b.calls)
	}
	if b.maxSeen != 1 {
		t.Fatalf("Store ran %d times concurrently for one artifact", b.maxSeen)
	}
}

func TestWorkerInterruptedPassLeavesRetryBudgetAlone(t *testing.T) {
	b := memory.New("remote")
	pub := newCapturePublisher()
	q := queue.NewMemory(nil)
	t.Cleanup(func() { _ = q.Close() })
	policy := retry.Policy{Delay: testDelay, MaxAttempts: 3, MaxAge: time.Minute}
	w := NewUploadWorkerService(q, []storage.Backend{b}, retry.NewScheduler(policy), pub, nil, UploadWorkerOptions{})

	a := domain.NewArtifact("mission-1", 1, domain.KindImage, domain.ArtifactMetadata{FileType: "jpg"}, []byte("x"))
	msg := domain.NewUploadMessage(a, domain.MissionContext{ID: "mission-1"}, time.Now())
	msg.Retry = domain.RetryState{Attempts: 2, FirstAttemptAt: time.Now().Add(-time.Hour)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := w.Process(ctx, msg); got != domain.OutcomeRetrying {
		t.Fatalf("expected the message to stay queued, got %s", got)
	}
	if got := b.Calls(a.ID); got != 0 {
		t.Fatalf("expected no Store calls, got %d", got)
	}
	pub.mu.Lock()
	n := len(pub.events)
	pub.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no status events, got %d", n)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	requeued, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("message not rescheduled: %v", err)
	}
	if requeued.Retry.Attempts != 2 {
		t.Fatalf("attempts changed to %d", requeued.Retry.Attempts)
	}
}
