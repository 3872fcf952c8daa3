package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_CountersAreKeyedByLabels(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("replication_fail_total", map[string]string{"reason": "no_leader"}, 1)
	r.IncCounter("replication_fail_total", map[string]string{"reason": "no_leader"}, 1)
	r.IncCounter("replication_fail_total", map[string]string{"reason": "leader_switch"}, 1)
	r.IncCounter("replication_attempt_total", nil, 3)

	assert.Equal(t, 2.0, r.Counter("replication_fail_total", map[string]string{"reason": "no_leader"}))
	assert.Equal(t, 1.0, r.Counter("replication_fail_total", map[string]string{"reason": "leader_switch"}))
	assert.Equal(t, 3.0, r.Counter("replication_attempt_total", nil))
	assert.Equal(t, 0.0, r.Counter("unknown", nil))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("progress_in_flight", nil, 4)
	r.SetGauge("progress_in_flight", nil, 2)
	r.ObserveHistogram("replication_latency_ms", nil, 10)
	r.ObserveHistogram("replication_latency_ms", nil, 30)
	r.ObserveHistogram("replication_latency_ms", nil, 20)

	s := r.Snapshot()
	assert.Equal(t, 2.0, s.Gauges["progress_in_flight"])
	assert.Equal(t, HistogramSummary{Count: 3, Sum: 60, Min: 10, Max: 30}, s.Histograms["replication_latency_ms"])
}

func TestSeriesKey_SortsLabels(t *testing.T) {
	key := seriesKey("x", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, `x{a="1",b="2"}`, key)
}

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.IncCounter("c", nil, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000.0, r.Counter("c", nil))
}
