package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RetryState tracks delivery attempts of one message. It only matters while
// at least one backend is still pending.
type RetryState struct {
	Attempts       int       `json:"attempts"`
	FirstAttemptAt time.Time `json:"firstAttemptAt,omitempty"`
	LastAttemptAt  time.Time `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  time.Time `json:"nextAttemptAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// UploadMessage is the unit of work on the upload queue: the artifact, its
// mission, and the per-backend delivery bookkeeping that rides with it.
type UploadMessage struct {
	Artifact   Artifact       `json:"artifact"`
	Mission    MissionContext `json:"mission"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	// Delivered maps backend name to the location reported by its Store call.
	Delivered map[string]string `json:"delivered,omitempty"`
	// Failures keeps the last error text per still-pending backend.
	Failures map[string]string `json:"failures,omitempty"`
	Retry    RetryState        `json:"retry"`

	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`

	// EntryID names this queue entry. Re-enqueueing the same inspection yields
	// the same artifact id but a new entry id, so claims never alias.
	EntryID string `json:"entryId,omitempty"`
}

func NewUploadMessage(a Artifact, m MissionContext, now time.Time) UploadMessage {
	return UploadMessage{Artifact: a, Mission: m, EnqueuedAt: now}
}

func (m UploadMessage) ID() string { return m.Artifact.ID }

// EnsureEntryID assigns a fresh entry id unless one is already set. Retries
// keep the id they were enqueued with.
func (m *UploadMessage) EnsureEntryID() string {
	if m.EntryID == "" {
		m.EntryID = uuid.NewString()
	}
	return m.EntryID
}

func (m UploadMessage) IsDelivered(backend string) bool {
	_, ok := m.Delivered[backend]
	return ok
}

func (m *UploadMessage) MarkDelivered(backend, location string) {
	if m.Delivered == nil {
		m.Delivered = make(map[string]string)
	}
	m.Delivered[backend] = location
	delete(m.Failures, backend)
}

func (m *UploadMessage) MarkFailed(backend string, err error) {
	if m.Failures == nil {
		m.Failures = make(map[string]string)
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	m.Failures[backend] = msg
	m.Retry.LastError = backend + ": " + msg
}

// Pending returns, in configured order, the backends that have not succeeded yet.
func (m UploadMessage) Pending(backends []string) []string {
	var out []string
	for _, b := range backends {
		if !m.IsDelivered(b) {
			out = append(out, b)
		}
	}
	return out
}

func (m UploadMessage) DeliveredBackends() []string {
	out := make([]string, 0, len(m.Delivered))
	for b := range m.Delivered {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Clone copies the bookkeeping maps so the copy can be mutated independently.
// Artifact bytes are shared; artifacts are immutable.
func (m UploadMessage) Clone() UploadMessage {
	out := m
	if m.Delivered != nil {
		out.Delivered = make(map[string]string, len(m.Delivered))
		for k, v := range m.Delivered {
			out.Delivered[k] = v
		}
	}
	if m.Failures != nil {
		out.Failures = make(map[string]string, len(m.Failures))
		for k, v := range m.Failures {
			out.Failures[k] = v
		}
	}
	return out
}
