package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"github.com/osvaldoandrade/inspectq/pkg/domain"
)

var errEmptySubject = errors.New("empty subject")

// MsgPublisher is the slice of *nats.Conn the sink needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes each event as JSON on "<subject>.<outcome>" so consumers
// can subscribe to "<subject>.>" or a single outcome.
type NATSSink struct {
	conn    MsgPublisher
	subject string
}

func NewNATSSink(conn MsgPublisher, subject string) (*NATSSink, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errEmptySubject
	}
	if conn == nil {
		return nil, errors.New("nil nats connection")
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(o domain.Outcome) string {
	return s.subject + "." + string(o)
}

func (s *NATSSink) Send(ctx context.Context, ev domain.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(s.Subject(ev.Outcome))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, ev.EventID)
	tracing.InjectHeaders(ctx, http.Header(msg.Header))
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// DialNATS connects with unlimited reconnects, logging connection changes.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("inspectq-status"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
