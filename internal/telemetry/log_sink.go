package telemetry

import (
	"context"
	"log/slog"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev domain.StatusEvent) error {
	level := slog.LevelInfo
	switch ev.Outcome {
	case domain.OutcomeRetrying:
		level = slog.LevelWarn
	case domain.OutcomePermanentFailure:
		level = slog.LevelError
	}
	attrs := []any{
		"artifact_id", ev.ArtifactID,
		"mission_id", ev.MissionID,
		"outcome", string(ev.Outcome),
		"attempts", ev.Attempts,
		"delivered", ev.DeliveredBackends,
	}
	if len(ev.PendingBackends) > 0 {
		attrs = append(attrs, "pending", ev.PendingBackends)
	}
	if ev.Error != "" {
		attrs = append(attrs, "err", ev.Error)
	}
	if ev.NextAttemptAt != nil {
		attrs = append(attrs, "next_attempt_at", ev.NextAttemptAt.Format("2006-01-02T15:04:05.000Z07:00"))
	}
	s.logger.Log(ctx, level, "upload status", attrs...)
	return nil
}
