package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/osvaldoandrade/inspectq/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeStats struct {
	st  domain.QueueStats
	err error
}

func (f fakeStats) Stats(ctx context.Context) (domain.QueueStats, error) { return f.st, f.err }

func gatherDepth(t *testing.T, src StatsSource) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(newQueueCollector(src, nil))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != "inspectq_queue_depth" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var state string
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "state" {
					state = lp.GetValue()
				}
			}
			out[state] = m.GetGauge().GetValue()
		}
	}
	return out
}

func TestQueueCollectorEmitsDepthByState(t *testing.T) {
	got := gatherDepth(t, fakeStats{st: domain.QueueStats{Backend: "memory", Ready: 3, Delayed: 2, InFlight: 1}})
	want := map[string]float64{"ready": 3, "delayed": 2, "in_flight": 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d series, got %v", len(want), got)
	}
	for state, v := range want {
		if got[state] != v {
			t.Fatalf("state %s: expected %v, got %v", state, v, got[state])
		}
	}
}

func TestQueueCollectorSkipsOnError(t *testing.T) {
	got := gatherDepth(t, fakeStats{err: errors.New("redis down")})
	if len(got) != 0 {
		t.Fatalf("expected no samples, got %v", got)
	}
}
