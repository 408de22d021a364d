package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspectq/internal/metrics"
	"github.com/osvaldoandrade/inspectq/internal/queue"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

var (
	ErrEmptyArtifact   = errors.New("artifact data is empty")
	ErrInvalidSequence = errors.New("artifact sequence must be >= 0")
	ErrInvalidKind     = errors.New("unknown artifact kind")
	// ErrInvalidMissionID and ErrInvalidFileType reject values that cannot
	// name a storage path segment ([A-Za-z0-9._-], not "." or "..").
	ErrInvalidMissionID = errors.New("invalid mission id")
	ErrInvalidFileType  = errors.New("invalid file type")
)

// IngestRequest is what a producer hands over for one inspection result.
type IngestRequest struct {
	Mission  domain.MissionContext
	Sequence int
	Kind     domain.ArtifactKind
	Metadata domain.ArtifactMetadata
	Data     []byte
}

// IngestService is the producer side of the upload queue. Enqueue returns as
// soon as the message is queued; delivery is reported on the status channel.
type IngestService interface {
	Enqueue(ctx context.Context, req IngestRequest) (domain.UploadMessage, error)
}

type ingestService struct {
	queue  queue.Queue
	logger *slog.Logger
	now    func() time.Time
}

func NewIngestService(q queue.Queue, logger *slog.Logger) IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ingestService{queue: q, logger: logger, now: time.Now}
}

func (s *ingestService) Enqueue(ctx context.Context, req IngestRequest) (domain.UploadMessage, error) {
	if len(req.Data) == 0 {
		return domain.UploadMessage{}, ErrEmptyArtifact
	}
	if req.Sequence < 0 {
		return domain.UploadMessage{}, ErrInvalidSequence
	}
	switch req.Kind {
	case "", domain.KindImage, domain.KindThermalImage, domain.KindVideo, domain.KindAudio:
	default:
		return domain.UploadMessage{}, fmt.Errorf("%w: %s", ErrInvalidKind, req.Kind)
	}

	mission := req.Mission
	if strings.TrimSpace(mission.ID) == "" {
		mission.ID = domain.NewMissionContext("", "", "").ID
	}
	mission.ID = strings.TrimSpace(mission.ID)
	if !domain.ValidPathSegment(mission.ID) {
		return domain.UploadMessage{}, fmt.Errorf("%w: %q", ErrInvalidMissionID, mission.ID)
	}
	if ft := domain.NormalizeFileType(req.Metadata.FileType); ft != "" && !domain.ValidPathSegment(ft) {
		return domain.UploadMessage{}, fmt.Errorf("%w: %q", ErrInvalidFileType, req.Metadata.FileType)
	}

	now := s.now()
	meta := req.Metadata
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = now.UTC()
	}
	artifact := domain.NewArtifact(mission.ID, req.Sequence, req.Kind, meta, req.Data)
	msg := domain.NewUploadMessage(artifact, mission, now)
	msg.TraceParent, msg.TraceState = tracing.TraceContextStrings(ctx)

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return domain.UploadMessage{}, fmt.Errorf("enqueue artifact %s: %w", artifact.ID, err)
	}
	metrics.ArtifactsEnqueuedTotal.WithLabelValues(mission.ID).Inc()
	s.logger.Debug("artifact enqueued",
		"artifact_id", artifact.ID,
		"mission_id", mission.ID,
		"sequence", req.Sequence,
		"size", artifact.Size(),
	)
	return msg, nil
}
