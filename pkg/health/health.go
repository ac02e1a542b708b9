// Package health tracks node heartbeats and serves liveness and readiness
// probes.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/pkg/shm"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

const (
	DefaultWindow         = 30 * time.Second
	DefaultGoroutineLimit = 10000
)

var (
	ErrNotTracked    = errors.New("node not tracked")
	ErrInvalidStatus = errors.New("invalid health status")
	ErrStale         = errors.New("heartbeat overdue")
)

// NodeStatus is a snapshot of one tracked node.
type NodeStatus struct {
	Node          string
	Status        string
	Window        time.Duration
	Since         time.Time
	LastHeartbeat time.Time
}

type node struct {
	window time.Duration
	since  time.Time
	last   time.Time
	status string
}

// Monitor implements api.Health. A node is alive while its last heartbeat,
// or its registration when it has none yet, is within its window and it has
// not reported StatusFailed.
type Monitor struct {
	handler healthcheck.Handler
	now     func() time.Time

	mu    sync.RWMutex
	nodes map[string]*node
}

var _ api.Health = (*Monitor)(nil)

type Option func(*options)

type options struct {
	registry       prometheus.Registerer
	namespace      string
	goroutineLimit int
	now            func() time.Time
}

// WithRegistry exports every check result as a gauge on reg.
func WithRegistry(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registry = reg
		o.namespace = namespace
	}
}

// WithGoroutineLimit sets the readiness ceiling on goroutines. Zero disables it.
func WithGoroutineLimit(n int) Option {
	return func(o *options) { o.goroutineLimit = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewMonitor(opts ...Option) *Monitor {
	o := options{goroutineLimit: DefaultGoroutineLimit, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	var h healthcheck.Handler
	if o.registry != nil {
		h = healthcheck.NewMetricsHandler(o.registry, o.namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	m := &Monitor{handler: h, now: o.now, nodes: map[string]*node{}}
	h.AddLivenessCheck("nodes", m.checkNodes)
	if o.goroutineLimit > 0 {
		h.AddReadinessCheck("goroutines", healthcheck.GoroutineCountCheck(o.goroutineLimit))
	}
	return m
}

// Track starts watching nodeID. Tracking an already tracked node updates its
// window and keeps its history.
func (m *Monitor) Track(nodeID string, window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		n.window = window
		return
	}
	m.nodes[nodeID] = &node{window: window, since: m.now(), status: StatusOK}
}

func (m *Monitor) Untrack(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

func (m *Monitor) Heartbeat(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, nodeID)
	}
	n.last = m.now()
	return nil
}

func (m *Monitor) ReportHealth(nodeID string, status string) error {
	switch status {
	case StatusOK, StatusDegraded, StatusFailed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, nodeID)
	}
	n.status = status
	return nil
}

func (m *Monitor) LivenessCheck(nodeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotTracked, nodeID)
	}
	return m.alive(n) == nil, nil
}

func (m *Monitor) alive(n *node) error {
	if n.status == StatusFailed {
		return errors.New(StatusFailed)
	}
	ref := n.last
	if ref.IsZero() {
		ref = n.since
	}
	if age := m.now().Sub(ref); age > n.window {
		return fmt.Errorf("%w by %s", ErrStale, (age - n.window).Truncate(time.Millisecond))
	}
	return nil
}

func (m *Monitor) Status(nodeID string) (NodeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return NodeStatus{}, fmt.Errorf("%w: %s", ErrNotTracked, nodeID)
	}
	return NodeStatus{
		Node:          nodeID,
		Status:        n.status,
		Window:        n.window,
		Since:         n.since,
		LastHeartbeat: n.last,
	}, nil
}

func (m *Monitor) checkNodes() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var dead []string
	for id, n := range m.nodes {
		if err := m.alive(n); err != nil {
			dead = append(dead, id+": "+err.Error())
		}
	}
	if len(dead) == 0 {
		return nil
	}
	sort.Strings(dead)
	return errors.New(strings.Join(dead, "; "))
}

// AddReadinessCheck registers an extra readiness check under name.
func (m *Monitor) AddReadinessCheck(name string, check func() error) {
	m.handler.AddReadinessCheck(name, check)
}

// Handler serves /live and /ready.
func (m *Monitor) Handler() http.Handler {
	return m.handler
}

// DevShmCheck fails when /dev/shm has less than size bytes free.
func DevShmCheck(size uint64) func() error {
	return func() error {
		if !shm.CanCreateOnDevShm(size, shm.RegionPath("")) {
			return fmt.Errorf("less than %d bytes free on /dev/shm", size)
		}
		return nil
	}
}
