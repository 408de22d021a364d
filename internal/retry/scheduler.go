package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/backoff"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

// Policy configures when a failed message is retried and when it gives up.
// Zero MaxAttempts and MaxAge mean retry forever.
type Policy struct {
	Backoff     string
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxAge      time.Duration
}

// Decision is the scheduler verdict for a message that still has pending backends.
type Decision struct {
	Permanent bool
	Reason    string
	Delay     time.Duration
	At        time.Time
}

type Scheduler struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewScheduler(p Policy) *Scheduler {
	if p.Backoff == "" {
		p.Backoff = backoff.PolicyFixed
	}
	if p.Delay <= 0 {
		p.Delay = 3 * time.Second
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return &Scheduler{
		policy: p,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) Policy() Policy { return s.policy }

// RecordAttempt marks the start of a delivery pass.
func (s *Scheduler) RecordAttempt(st *domain.RetryState, now time.Time) {
	st.Attempts++
	if st.FirstAttemptAt.IsZero() {
		st.FirstAttemptAt = now
	}
	st.LastAttemptAt = now
	st.NextAttemptAt = time.Time{}
}

// Next decides what happens to a message whose last pass left backends pending.
func (s *Scheduler) Next(st domain.RetryState, now time.Time) Decision {
	if s.policy.MaxAttempts > 0 && st.Attempts >= s.policy.MaxAttempts {
		return Decision{
			Permanent: true,
			Reason:    fmt.Sprintf("max attempts (%d) exhausted", s.policy.MaxAttempts),
		}
	}
	if s.policy.MaxAge > 0 && !st.FirstAttemptAt.IsZero() && now.Sub(st.FirstAttemptAt) >= s.policy.MaxAge {
		return Decision{
			Permanent: true,
			Reason:    fmt.Sprintf("max age (%s) exceeded", s.policy.MaxAge),
		}
	}

	s.mu.Lock()
	delay := backoff.Compute(s.policy.Backoff, s.policy.Delay, s.policy.MaxDelay, st.Attempts-1, s.rng)
	s.mu.Unlock()

	return Decision{Delay: delay, At: now.Add(delay)}
}
