// Package metrics exports node operations to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/mycelial/pkg/mycelial"
)

const namespace = "mycelial"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder implements mycelial.Observer.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    *prometheus.GaugeVec
}

var _ mycelial.Observer = (*Recorder)(nil)

// NewRecorder registers the node collectors on reg. Registering twice on the
// same registry reuses the collectors already there.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Node send and receive calls.",
			},
			[]string{"node", "op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Node send and receive duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node", "op"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending",
				Help:      "Payloads waiting in a node's outbox.",
			},
			[]string{"node"},
		),
	}
	var err error
	if r.operations, err = register(reg, r.operations); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	if r.pending, err = register(reg, r.pending); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Recorder) Observe(node string, op mycelial.Op, d time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.operations.WithLabelValues(node, string(op), result).Inc()
	r.duration.WithLabelValues(node, string(op)).Observe(d.Seconds())
}

// SetPending records the outbox depth of node.
func (r *Recorder) SetPending(node string, n int) {
	r.pending.WithLabelValues(node).Set(float64(n))
}

// Forget drops every series of node.
func (r *Recorder) Forget(node string) {
	labels := prometheus.Labels{"node": node}
	r.operations.DeletePartialMatch(labels)
	r.duration.DeletePartialMatch(labels)
	r.pending.DeletePartialMatch(labels)
}
