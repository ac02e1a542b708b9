package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/mycelial/pkg/mycelial"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.Observe("outlet", mycelial.OpSend, 10*time.Millisecond, nil)
	r.Observe("outlet", mycelial.OpSend, 20*time.Millisecond, errors.New("boom"))
	r.Observe("outlet", mycelial.OpReceive, time.Millisecond, nil)

	assert.Equal(t, 1.0, counterValue(t, r.operations, "outlet", "send", ResultOK))
	assert.Equal(t, 1.0, counterValue(t, r.operations, "outlet", "send", ResultError))
	assert.Equal(t, 1.0, counterValue(t, r.operations, "outlet", "receive", ResultOK))

	families, err := reg.Gather()
	require.NoError(t, err)
	var hist *dto.Histogram
	for _, f := range families {
		if f.GetName() != "mycelial_operation_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "op" && l.GetValue() == "send" {
					hist = m.GetHistogram()
				}
			}
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.03, hist.GetSampleSum(), 1e-9)
}

func TestRegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	require.NoError(t, err)
	second, err := NewRecorder(reg)
	require.NoError(t, err)

	first.Observe("a", mycelial.OpReceive, 0, nil)
	second.Observe("a", mycelial.OpReceive, 0, nil)
	assert.Equal(t, 2.0, counterValue(t, first.operations, "a", "receive", ResultOK))
}

func TestPendingAndForget(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.SetPending("a", 3)
	r.Observe("a", mycelial.OpSend, 0, nil)
	m := &dto.Metric{}
	require.NoError(t, r.pending.WithLabelValues("a").Write(m))
	assert.Equal(t, 3.0, m.GetGauge().GetValue())

	r.Forget("a")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
