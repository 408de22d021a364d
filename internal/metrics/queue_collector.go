package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is satisfied by every upload queue implementation.
type StatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

type queueCollector struct {
	src    StatsSource
	logger *slog.Logger

	queueDepthDesc *prometheus.Desc
}

func newQueueCollector(src StatsSource, logger *slog.Logger) *queueCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &queueCollector{
		src:    src,
		logger: logger,
		queueDepthDesc: prometheus.NewDesc(
			namespace+"_queue_depth",
			"Current upload queue depth by state.",
			[]string{"backend", "state"},
			nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src == nil {
		return
	}

	// Keep queue reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := c.src.Stats(ctx)
	if err != nil {
		c.logger.Warn("prometheus queue collector failed", "err", err)
		return
	}
	emitGauge(ch, c.queueDepthDesc, float64(st.Ready), st.Backend, "ready")
	emitGauge(ch, c.queueDepthDesc, float64(st.Delayed), st.Backend, "delayed")
	emitGauge(ch, c.queueDepthDesc, float64(st.InFlight), st.Backend, "in_flight")
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerQueueCollectorOnce sync.Once

// RegisterQueueCollector exposes queue depth on the default registry. Only the
// first call has an effect.
func RegisterQueueCollector(src StatsSource, logger *slog.Logger) {
	registerQueueCollectorOnce.Do(func() {
		prometheus.MustRegister(newQueueCollector(src, logger))
	})
}
