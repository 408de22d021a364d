package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MissionContext namespaces artifacts under the mission that produced them.
type MissionContext struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	RobotID          string            `json:"robotId,omitempty"`
	InstallationCode string            `json:"installationCode,omitempty"`
	StartedAt        time.Time         `json:"startedAt,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// NewMissionContext returns a context with a fresh random id when none is given.
func NewMissionContext(id, name, robotID string) MissionContext {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	return MissionContext{ID: id, Name: strings.TrimSpace(name), RobotID: strings.TrimSpace(robotID)}
}
