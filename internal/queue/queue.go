package queue

import (
	"context"
	"errors"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

var (
	// ErrClosed is returned once a queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrEmpty reports a non-blocking pop that found nothing ready.
	ErrEmpty = errors.New("queue empty")

	errUndecodable = errors.New("undecodable queue entry")
)

// Queue is the upload work stream shared by producers and upload workers.
//
// Enqueue appends fresh work and never blocks on consumers. Dequeue suspends
// until a message is ready: either fresh work or a scheduled retry whose due
// time has passed. A dequeued message is in flight until the worker either
// hands it back with Schedule or finishes it with Ack.
type Queue interface {
	Enqueue(ctx context.Context, msg domain.UploadMessage) error
	Dequeue(ctx context.Context) (domain.UploadMessage, error)
	Schedule(ctx context.Context, msg domain.UploadMessage, at time.Time) error
	Ack(ctx context.Context, msg domain.UploadMessage) error
	Stats(ctx context.Context) (domain.QueueStats, error)
	Close() error
}

// signal performs a non-blocking send on a wake channel of capacity one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
