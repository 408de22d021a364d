package domain

import (
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetrying         Outcome = "retrying"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomePermanentFailure
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(string(o)), nil }

// StatusEvent is what the telemetry channel receives about one upload pass.
type StatusEvent struct {
	EventID           string            `json:"eventId"`
	ArtifactID        string            `json:"artifactId"`
	MissionID         string            `json:"missionId"`
	Outcome           Outcome           `json:"outcome"`
	Attempts          int               `json:"attempts"`
	DeliveredBackends []string          `json:"deliveredBackends,omitempty"`
	PendingBackends   []string          `json:"pendingBackends,omitempty"`
	Locations         map[string]string `json:"locations,omitempty"`
	Error             string            `json:"error,omitempty"`
	NextAttemptAt     *time.Time        `json:"nextAttemptAt,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// NewStatusEvent snapshots msg for the given outcome. pending lists the
// backends still owed a successful Store.
func NewStatusEvent(msg UploadMessage, outcome Outcome, pending []string, now time.Time) StatusEvent {
	ev := StatusEvent{
		EventID:           uuid.NewString(),
		ArtifactID:        msg.ID(),
		MissionID:         msg.Mission.ID,
		Outcome:           outcome,
		Attempts:          msg.Retry.Attempts,
		DeliveredBackends: msg.DeliveredBackends(),
		PendingBackends:   pending,
		Timestamp:         now.UTC(),
	}
	if outcome != OutcomeSuccess {
		ev.Error = msg.Retry.LastError
	}
	if len(msg.Delivered) > 0 {
		ev.Locations = make(map[string]string, len(msg.Delivered))
		for k, v := range msg.Delivered {
			ev.Locations[k] = v
		}
	}
	if outcome == OutcomeRetrying && !msg.Retry.NextAttemptAt.IsZero() {
		next := msg.Retry.NextAttemptAt.UTC()
		ev.NextAttemptAt = &next
	}
	return ev
}
