package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/internal/middleware"
	"github.com/osvaldoandrade/inspectq/internal/queue"
	"github.com/osvaldoandrade/inspectq/internal/services"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

type createArtifactController struct{ svc services.IngestService }

func NewCreateArtifactController(svc services.IngestService) *createArtifactController {
	return &createArtifactController{svc: svc}
}

type createArtifactReq struct {
	MissionID        string              `json:"missionId"`
	MissionName      string              `json:"missionName,omitempty"`
	RobotID          string              `json:"robotId,omitempty"`
	InstallationCode string              `json:"installationCode,omitempty"`
	Sequence         int                 `json:"sequence"`
	Kind             domain.ArtifactKind `json:"kind,omitempty"`
	FileType         string              `json:"fileType" binding:"required"`
	CapturedAt       string              `json:"capturedAt,omitempty"` // RFC3339
	Pose             *domain.Pose        `json:"pose,omitempty"`
	TagID            string              `json:"tagId,omitempty"`
	Analysis         []string            `json:"analysis,omitempty"`
	Extra            map[string]string   `json:"extra,omitempty"`
	Labels           map[string]string   `json:"labels,omitempty"`
	// Data is base64 in JSON.
	Data []byte `json:"data" binding:"required"`
}

type createArtifactResp struct {
	ArtifactID string    `json:"artifactId"`
	MissionID  string    `json:"missionId"`
	Sequence   int       `json:"sequence"`
	Checksum   string    `json:"checksum"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (h *createArtifactController) Handle(c *gin.Context) {
	var req createArtifactReq
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid body")
		return
	}

	robotID := strings.TrimSpace(req.RobotID)
	if claims, ok := middleware.GetProducerClaims(c); ok && claims.RobotID != "" {
		if robotID != "" && robotID != claims.RobotID {
			errorJSON(c, http.StatusForbidden, "token is not valid for robot "+robotID)
			return
		}
		robotID = claims.RobotID
	}

	var capturedAt time.Time
	if req.CapturedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CapturedAt)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid 'capturedAt' (use RFC3339)")
			return
		}
		capturedAt = t.UTC()
	}

	mission := domain.MissionContext{
		ID:               strings.TrimSpace(req.MissionID),
		Name:             strings.TrimSpace(req.MissionName),
		RobotID:          robotID,
		InstallationCode: strings.TrimSpace(req.InstallationCode),
		Labels:           req.Labels,
	}
	msg, err := h.svc.Enqueue(c.Request.Context(), services.IngestRequest{
		Mission:  mission,
		Sequence: req.Sequence,
		Kind:     domain.ArtifactKind(strings.ToUpper(string(req.Kind))),
		Metadata: domain.ArtifactMetadata{
			CapturedAt: capturedAt,
			Pose:       req.Pose,
			FileType:   req.FileType,
			TagID:      req.TagID,
			Analysis:   req.Analysis,
			Extra:      req.Extra,
		},
		Data: req.Data,
	})
	switch {
	case err == nil:
	case errors.Is(err, services.ErrEmptyArtifact), errors.Is(err, services.ErrInvalidSequence), errors.Is(err, services.ErrInvalidKind),
		errors.Is(err, services.ErrInvalidMissionID), errors.Is(err, services.ErrInvalidFileType):
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		errorJSON(c, http.StatusServiceUnavailable, "shutting down")
		return
	default:
		internalError(c, "enqueue failed", err)
		return
	}

	c.JSON(http.StatusAccepted, createArtifactResp{
		ArtifactID: msg.ID(),
		MissionID:  msg.Mission.ID,
		Sequence:   msg.Artifact.Sequence,
		Checksum:   msg.Artifact.Checksum(),
		EnqueuedAt: msg.EnqueuedAt.UTC(),
	})
}
