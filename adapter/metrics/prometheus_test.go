package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

// value returns the sum of all samples of the named family.
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return sum
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestObserver_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg, "test")
	require.NoError(t, err)

	o.OnEvent(xrelay.Event{Type: xrelay.MessageSent, Duration: 5 * time.Millisecond})
	o.OnEvent(xrelay.Event{Type: xrelay.MessageAcknowledged, Queue: "orders", Duration: time.Millisecond})
	o.OnEvent(xrelay.Event{Type: xrelay.MessageRetried, Queue: "orders", Err: errors.New("boom")})
	o.OnEvent(xrelay.Event{Type: xrelay.MessageDeadLettered, Queue: "orders", Err: errors.New("boom")})

	assert.Equal(t, 4.0, value(t, reg, "test_events_total"))
	assert.Equal(t, 2.0, value(t, reg, "test_errors_total"))
	assert.Equal(t, 1.0, value(t, reg, "test_dead_letters_total"))
	assert.Equal(t, 2.0, value(t, reg, "test_processing_duration_seconds"))

	_, err = NewObserver(reg, "test")
	assert.Error(t, err, "duplicate registration must fail")
}

type fakeBus struct {
	m     xrelay.Metrics
	state xrelay.State
}

func (f *fakeBus) GetMetrics() xrelay.Metrics { return f.m }
func (f *fakeBus) State() xrelay.State        { return f.state }

func TestRegisterBus_ReadsAtScrapeTime(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := &fakeBus{state: xrelay.StateRunning}
	require.NoError(t, RegisterBus(reg, "", bus))

	assert.Equal(t, 0.0, value(t, reg, "xrelay_bus_sent"))
	assert.Equal(t, 1.0, value(t, reg, "xrelay_bus_running"))

	bus.m.Sent = 7
	bus.m.PendingReplies = 2
	bus.state = xrelay.StateDisposed
	assert.Equal(t, 7.0, value(t, reg, "xrelay_bus_sent"))
	assert.Equal(t, 2.0, value(t, reg, "xrelay_bus_pending_replies"))
	assert.Equal(t, 0.0, value(t, reg, "xrelay_bus_running"))
}
