package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

// Memory is an unbounded in-process queue. Its contents do not survive a restart.
type Memory struct {
	mu       sync.Mutex
	ready    []domain.UploadMessage
	delayed  delayedHeap
	seq      uint64
	inflight int64
	closed   bool

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		now:  now,
	}
}

func (q *Memory) Enqueue(ctx context.Context, msg domain.UploadMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	msg.EnsureEntryID()
	q.ready = append(q.ready, msg.Clone())
	q.mu.Unlock()
	signal(q.wake)
	return nil
}

func (q *Memory) Schedule(ctx context.Context, msg domain.UploadMessage, at time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.delayed, delayedItem{at: at, seq: q.seq, msg: msg.Clone()})
	q.releaseLocked()
	q.mu.Unlock()
	signal(q.wake)
	return nil
}

func (q *Memory) Ack(ctx context.Context, msg domain.UploadMessage) error {
	q.mu.Lock()
	q.releaseLocked()
	q.mu.Unlock()
	return nil
}

func (q *Memory) releaseLocked() {
	if q.inflight > 0 {
		q.inflight--
	}
}

func (q *Memory) Dequeue(ctx context.Context) (domain.UploadMessage, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.UploadMessage{}, ErrClosed
		}
		now := q.now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready[0] = domain.UploadMessage{}
			q.ready = q.ready[1:]
			q.inflight++
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				// another consumer may be parked on the same wake channel
				signal(q.wake)
			}
			return msg, nil
		}
		wait := time.Duration(-1)
		if len(q.delayed) > 0 {
			wait = q.delayed[0].at.Sub(now)
		}
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return domain.UploadMessage{}, ctx.Err()
		case <-q.done:
			stopTimer(timer)
			return domain.UploadMessage{}, ErrClosed
		case <-q.wake:
			stopTimer(timer)
		case <-timerC:
		}
	}
}

// promoteLocked moves due retries to the tail of the ready list.
func (q *Memory) promoteLocked(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].at.After(now) {
		item := heap.Pop(&q.delayed).(delayedItem)
		q.ready = append(q.ready, item.msg)
	}
}

func (q *Memory) Stats(ctx context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{
		Backend:  "memory",
		Ready:    int64(len(q.ready)),
		Delayed:  int64(len(q.delayed)),
		InFlight: q.inflight,
	}, nil
}

// Close wakes blocked consumers. Queued and scheduled messages are discarded.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type delayedItem struct {
	at  time.Time
	seq uint64
	msg domain.UploadMessage
}

// delayedHeap is a min-heap on due time, FIFO among equal due times.
type delayedHeap []delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(delayedItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedItem{}
	*h = old[:n-1]
	return item
}
