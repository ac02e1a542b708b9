// Package lifecycle runs nodes: it builds them from specs, pumps them on an
// interval and handles start, stop and reload.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/srediag/mycelial/adapter"
	"github.com/srediag/mycelial/api"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/pkg/audit"
	"github.com/srediag/mycelial/pkg/health"
	"github.com/srediag/mycelial/pkg/mycelial"
	"github.com/srediag/mycelial/pkg/plugins"
)

// Node states.
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateDegraded = "degraded"
	StateFailed   = "failed"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultPoolSize     = 64
	DefaultBuildRetries = 3
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrNodeExists  = errors.New("node already registered")
	ErrInvalidSpec = errors.New("invalid node spec")
	ErrClosed      = errors.New("supervisor closed")
	ErrNotBuilt    = errors.New("node has no endpoint")
)

// NodeSpec describes how to build and run one node.
type NodeSpec struct {
	Name string
	Kind string
	// Interval between pumps. Zero means DefaultInterval.
	Interval time.Duration
	// HeartbeatWindow is how long the node may go without a successful pump
	// before it is reported dead. Zero means three intervals.
	HeartbeatWindow time.Duration
	Decode          plugins.Decoder
}

func (s NodeSpec) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultInterval
	}
	return s.Interval
}

func (s NodeSpec) window() time.Duration {
	if s.HeartbeatWindow <= 0 {
		return 3 * s.interval()
	}
	return s.HeartbeatWindow
}

// Builder turns a spec into a plugin.
type Builder func(spec NodeSpec) (api.Plugin, error)

func registryBuilder(spec NodeSpec) (api.Plugin, error) {
	return plugins.New(spec.Kind, spec.Name, spec.Decode)
}

// HealthTracker is the part of health.Monitor the supervisor drives.
type HealthTracker interface {
	api.Health
	Track(nodeID string, window time.Duration)
	Untrack(nodeID string)
}

// readier is implemented by plugins that can tell whether they keep up.
type readier interface {
	Ready() error
}

// BacklogObserver is an observer that also tracks how many payloads wait in
// a node's outbox. The supervisor reports the depth after every pump.
type BacklogObserver interface {
	mycelial.Observer
	SetPending(node string, n int)
	Forget(node string)
}

type backlogger interface {
	Pending() int
}

// NodeInfo is a point-in-time view of a managed node.
type NodeInfo struct {
	Name  string         `json:"name"`
	Kind  string         `json:"kind"`
	ID    string         `json:"id,omitempty"`
	State string         `json:"state"`
	Error string         `json:"error,omitempty"`
	Stats mycelial.Stats `json:"stats"`
}

type managed struct {
	// opMu serialises Start, Stop and Reload of one node.
	opMu sync.Mutex
	// pumpMu serialises pumps of one node.
	pumpMu sync.Mutex

	mu      sync.Mutex
	spec    NodeSpec
	plugin  api.Plugin
	node    *mycelial.Node
	state   string
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	busy     atomic.Bool
	inflight sync.WaitGroup
}

func (m *managed) snapshot() (NodeSpec, api.Plugin, *mycelial.Node, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec, m.plugin, m.node, m.state
}

// Supervisor implements api.Lifecycle over a set of nodes.
type Supervisor struct {
	log          zerolog.Logger
	builder      Builder
	buildRetries int
	mycelium     *mycelial.Mycelium
	pool         *ants.Pool
	health       HealthTracker
	audit        api.Audit
	observer     mycelial.Observer
	telemetry    *adapter.Telemetry

	mu     sync.RWMutex
	nodes  map[string]*managed
	closed bool
}

var _ api.Lifecycle = (*Supervisor)(nil)

type Option func(*config)

type config struct {
	log          zerolog.Logger
	builder      Builder
	buildRetries int
	poolSize     int
	mycelium     *mycelial.Mycelium
	health       HealthTracker
	audit        api.Audit
	observer     mycelial.Observer
	telemetry    *adapter.Telemetry
}

func WithLogger(log zerolog.Logger) Option { return func(c *config) { c.log = log } }

// WithBuilder replaces the plugin registry as the source of endpoints.
func WithBuilder(b Builder) Option { return func(c *config) { c.builder = b } }

func WithBuildRetries(n int) Option { return func(c *config) { c.buildRetries = n } }

func WithPoolSize(n int) Option { return func(c *config) { c.poolSize = n } }

func WithMycelium(m *mycelial.Mycelium) Option { return func(c *config) { c.mycelium = m } }

func WithHealth(h HealthTracker) Option { return func(c *config) { c.health = h } }

func WithAudit(a api.Audit) Option { return func(c *config) { c.audit = a } }

func WithObserver(o mycelial.Observer) Option { return func(c *config) { c.observer = o } }

// WithTelemetry wraps every endpoint with OpenTelemetry instrumentation.
func WithTelemetry(t adapter.Telemetry) Option { return func(c *config) { c.telemetry = &t } }

func New(opts ...Option) (*Supervisor, error) {
	c := config{
		log:          logging.For("lifecycle"),
		builder:      registryBuilder,
		buildRetries: DefaultBuildRetries,
		poolSize:     DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.mycelium == nil {
		c.mycelium = mycelial.NewMycelium()
	}
	log := c.log
	pool, err := ants.NewPool(c.poolSize, ants.WithPanicHandler(func(v interface{}) {
		log.Error().Interface("panic", v).Msg("pump panicked")
	}))
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		log:          c.log,
		builder:      c.builder,
		buildRetries: c.buildRetries,
		mycelium:     c.mycelium,
		pool:         pool,
		health:       c.health,
		audit:        c.audit,
		observer:     c.observer,
		telemetry:    c.telemetry,
		nodes:        map[string]*managed{},
	}, nil
}

// Mycelium is the network the supervisor keeps its built nodes in.
func (s *Supervisor) Mycelium() *mycelial.Mycelium { return s.mycelium }

func (s *Supervisor) lookup(name string) (*managed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return m, nil
}

func (s *Supervisor) record(event string, spec NodeSpec, err error) {
	if s.audit == nil {
		return
	}
	details := map[string]interface{}{"node": spec.Name, "kind": spec.Kind}
	if err != nil {
		details[audit.ErrorKey] = err
	}
	if aerr := s.audit.LogEvent(event, details); aerr != nil {
		s.log.Warn().Err(aerr).Str("event", event).Msg("audit event lost")
	}
}

func (s *Supervisor) reportHealth(name, status string) {
	if s.health == nil {
		return
	}
	if err := s.health.ReportHealth(name, status); err != nil && !errors.Is(err, health.ErrNotTracked) {
		s.log.Warn().Err(err).Str("node", name).Msg("health report failed")
	}
}

// Register builds spec's node. A node whose build fails stays registered in
// StateFailed so that a later start or reload can retry it.
func (s *Supervisor) Register(spec NodeSpec) error {
	if spec.Name == "" || spec.Kind == "" {
		return fmt.Errorf("%w: name and kind are required", ErrInvalidSpec)
	}
	m := &managed{spec: spec, state: StateStopped}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.nodes[spec.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, spec.Name)
	}
	s.nodes[spec.Name] = m
	s.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	err := s.build(m)
	s.record("node.register", spec, err)
	return err
}

// build creates m's endpoint and node. Caller holds m.opMu.
func (s *Supervisor) build(m *managed) error {
	m.mu.Lock()
	spec := m.spec
	m.mu.Unlock()

	log := s.log.With().Str("node", spec.Name).Str("kind", spec.Kind).Logger()
	op := func() (api.Plugin, error) {
		p, err := s.builder(spec)
		if err != nil && (errors.Is(err, plugins.ErrUnknownKind) || errors.Is(err, plugins.ErrInvalidConfig)) {
			return nil, backoff.Permanent(err)
		}
		return p, err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("building endpoint")
	}
	plugin, err := backoff.RetryNotifyWithData(op, backoff.WithMaxRetries(eb, uint64(s.buildRetries)), notify)
	if err == nil {
		var node *mycelial.Node
		node, err = s.wrap(spec, plugin)
		if err != nil {
			_ = plugin.Close()
		} else {
			m.mu.Lock()
			m.plugin, m.node, m.state, m.lastErr = plugin, node, StateStopped, nil
			m.mu.Unlock()
			s.mycelium.Replace(node)
			// A built node is stopped: start tracks it afresh.
			if s.health != nil {
				s.health.Untrack(spec.Name)
			}
			log.Debug().Str("id", node.ID()).Msg("endpoint built")
			return nil
		}
	}
	m.mu.Lock()
	m.plugin, m.node, m.state, m.lastErr = nil, nil, StateFailed, err
	m.mu.Unlock()
	s.mycelium.Remove(spec.Name)
	if s.health != nil {
		s.health.Track(spec.Name, spec.window())
		s.reportHealth(spec.Name, health.StatusFailed)
	}
	log.Error().Err(err).Msg("endpoint build failed")
	return fmt.Errorf("build %s: %w", spec.Name, err)
}

func (s *Supervisor) wrap(spec NodeSpec, plugin api.Plugin) (*mycelial.Node, error) {
	var endpoint api.Mycelial = plugin
	if s.telemetry != nil {
		inst, err := adapter.Instrument(spec.Name, plugin, *s.telemetry)
		if err != nil {
			return nil, err
		}
		endpoint = inst
	}
	opts := []mycelial.Option{mycelial.WithKind(spec.Kind)}
	if s.observer != nil {
		opts = append(opts, mycelial.WithObserver(s.observer))
	}
	return mycelial.NewNode(spec.Name, endpoint, opts...)
}

// StartNode starts pumping name. ctx bounds only the start itself; the
// node runs until StopNode or Close. Starting a running node is a no-op.
func (s *Supervisor) StartNode(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return s.start(ctx, m)
}

func (s *Supervisor) start(ctx context.Context, m *managed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	spec, plugin, _, state := m.snapshot()
	if state == StateRunning || state == StateDegraded {
		return nil
	}
	if plugin == nil {
		if err := s.build(m); err != nil {
			s.record("node.start", spec, err)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.state, m.cancel, m.done = StateRunning, cancel, done
	m.mu.Unlock()

	if s.health != nil {
		s.health.Track(spec.Name, spec.window())
		s.reportHealth(spec.Name, health.StatusOK)
	}
	go s.run(runCtx, m, spec.Name, spec.interval(), done)

	s.log.Info().Str("node", spec.Name).Dur("interval", spec.interval()).Msg("node started")
	s.record("node.start", spec, nil)
	return nil
}

func (s *Supervisor) run(ctx context.Context, m *managed, name string, interval time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	s.schedule(ctx, m, name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.schedule(ctx, m, name)
		}
	}
}

// schedule submits one pump unless the previous one is still running.
func (s *Supervisor) schedule(ctx context.Context, m *managed, name string) {
	if !m.busy.CompareAndSwap(false, true) {
		s.log.Debug().Str("node", name).Msg("pump still running, tick skipped")
		return
	}
	m.inflight.Add(1)
	err := s.pool.Submit(func() {
		defer m.inflight.Done()
		defer m.busy.Store(false)
		_ = s.pump(ctx, m)
	})
	if err != nil {
		m.busy.Store(false)
		m.inflight.Done()
		s.log.Warn().Err(err).Str("node", name).Msg("pump not scheduled")
	}
}

// pump runs Receive then Send. Both run even when Receive fails.
func (s *Supervisor) pump(ctx context.Context, m *managed) error {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()

	spec, plugin, node, _ := m.snapshot()
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNotBuilt, spec.Name)
	}
	err := errors.Join(node.Receive(ctx), node.Send(ctx))
	if ctx.Err() != nil {
		return err
	}
	if bo, ok := s.observer.(BacklogObserver); ok {
		if b, ok := plugin.(backlogger); ok {
			bo.SetPending(spec.Name, b.Pending())
		}
	}

	m.mu.Lock()
	prev := m.state
	tracked := prev == StateRunning || prev == StateDegraded
	if tracked {
		if err != nil {
			m.state = StateDegraded
		} else {
			m.state = StateRunning
		}
	}
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("node", spec.Name).Msg("pump failed")
	}
	if !tracked {
		return err
	}
	if err != nil {
		s.reportHealth(spec.Name, health.StatusDegraded)
		if prev != StateDegraded {
			s.record("node.degraded", spec, err)
		}
		return err
	}
	if s.health != nil {
		if herr := s.health.Heartbeat(spec.Name); herr != nil && !errors.Is(herr, health.ErrNotTracked) {
			s.log.Warn().Err(herr).Str("node", spec.Name).Msg("heartbeat failed")
		}
	}
	if prev == StateDegraded {
		s.reportHealth(spec.Name, health.StatusOK)
		s.record("node.recovered", spec, nil)
	}
	return nil
}

// PumpNode runs one Receive and Send cycle of name now, whether or not the
// node is running.
func (s *Supervisor) PumpNode(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.pump(ctx, m)
}

// PumpAll pumps every built node once, in name order. Nodes without an
// endpoint are skipped. It returns how many nodes were pumped.
func (s *Supervisor) PumpAll(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, name := range s.names() {
		err := s.PumpNode(ctx, name)
		switch {
		case errors.Is(err, ErrNotBuilt), errors.Is(err, ErrUnknownNode):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		n++
	}
	return n, errors.Join(errs...)
}

// StopNode stops pumping name and waits for an in-flight pump to finish.
func (s *Supervisor) StopNode(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s.stop(m)
	return nil
}

func (s *Supervisor) stop(m *managed) {
	m.mu.Lock()
	cancel, done, spec := m.cancel, m.done, m.spec
	running := m.state == StateRunning || m.state == StateDegraded
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if !running {
		return
	}
	cancel()
	<-done
	m.inflight.Wait()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	if s.health != nil {
		s.health.Untrack(spec.Name)
	}
	s.log.Info().Str("node", spec.Name).Msg("node stopped")
	s.record("node.stop", spec, nil)
}

// ReloadNode rebuilds name from its spec, closing the old endpoint, and
// restarts it when it was running.
func (s *Supervisor) ReloadNode(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return s.reload(ctx, m)
}

func (s *Supervisor) reload(ctx context.Context, m *managed) error {
	spec, _, _, state := m.snapshot()
	wasRunning := state == StateRunning || state == StateDegraded
	s.stop(m)
	s.closeEndpoint(m)

	if err := s.build(m); err != nil {
		s.record("node.reload", spec, err)
		return err
	}
	s.record("node.reload", spec, nil)
	if wasRunning {
		return s.start(ctx, m)
	}
	return nil
}

// closeEndpoint waits for a pump in progress before closing, so no call
// reaches an endpoint after its Close.
func (s *Supervisor) closeEndpoint(m *managed) {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()
	m.mu.Lock()
	plugin, name := m.plugin, m.spec.Name
	m.plugin, m.node = nil, nil
	m.mu.Unlock()
	if plugin == nil {
		return
	}
	if err := plugin.Close(); err != nil {
		s.log.Warn().Err(err).Str("node", name).Msg("closing endpoint")
	}
}

// GetState returns one of the State constants.
func (s *Supervisor) GetState(name string) (string, error) {
	m, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	_, _, _, state := m.snapshot()
	return state, nil
}

// LastError is the error of the last build or pump of name.
func (s *Supervisor) LastError(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (s *Supervisor) Node(name string) (*mycelial.Node, bool) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, false
	}
	_, _, node, _ := m.snapshot()
	return node, node != nil
}

func (s *Supervisor) Plugin(name string) (api.Plugin, bool) {
	m, err := s.lookup(name)
	if err != nil {
		return nil, false
	}
	_, plugin, _, _ := m.snapshot()
	return plugin, plugin != nil
}

func (s *Supervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nodes describes every registered node, ordered by name.
func (s *Supervisor) Nodes() []NodeInfo {
	var out []NodeInfo
	for _, name := range s.names() {
		m, err := s.lookup(name)
		if err != nil {
			continue
		}
		m.mu.Lock()
		info := NodeInfo{Name: name, Kind: m.spec.Kind, State: m.state}
		if m.lastErr != nil {
			info.Error = m.lastErr.Error()
		}
		if m.node != nil {
			info.ID = m.node.ID()
			info.Stats = m.node.Stats()
		}
		m.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// StartAll starts every registered node.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.names() {
		if err := s.StartNode(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadAll reloads every registered node.
func (s *Supervisor) ReloadAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.names() {
		if err := s.ReloadNode(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove stops name, closes its endpoint and forgets it.
func (s *Supervisor) Remove(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s.stop(m)
	s.closeEndpoint(m)
	s.mycelium.Remove(name)
	if bo, ok := s.observer.(BacklogObserver); ok {
		bo.Forget(name)
	}
	if s.health != nil {
		s.health.Untrack(name)
	}

	s.mu.Lock()
	delete(s.nodes, name)
	s.mu.Unlock()
	s.record("node.remove", m.spec, nil)
	return nil
}

// Apply reconciles the registered nodes with specs: missing nodes are
// removed, new ones registered and started, and existing ones rebuilt from
// their new spec, keeping their running state.
func (s *Supervisor) Apply(ctx context.Context, specs []NodeSpec) error {
	want := make(map[string]NodeSpec, len(specs))
	for _, spec := range specs {
		want[spec.Name] = spec
	}
	var errs []error
	for _, name := range s.names() {
		if _, ok := want[name]; !ok {
			if err := s.Remove(name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, spec := range specs {
		m, err := s.lookup(spec.Name)
		switch {
		case errors.Is(err, ErrUnknownNode):
			if err := s.Register(spec); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.StartNode(ctx, spec.Name); err != nil {
				errs = append(errs, err)
			}
		case err != nil:
			errs = append(errs, err)
		default:
			m.opMu.Lock()
			m.mu.Lock()
			m.spec = spec
			m.mu.Unlock()
			if err := s.reload(ctx, m); err != nil {
				errs = append(errs, err)
			}
			m.opMu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Ready fails when a running node's endpoint reports it is not keeping up.
func (s *Supervisor) Ready() error {
	var errs []error
	for _, name := range s.names() {
		m, err := s.lookup(name)
		if err != nil {
			continue
		}
		_, plugin, _, state := m.snapshot()
		if state != StateRunning && state != StateDegraded {
			continue
		}
		if r, ok := plugin.(readier); ok {
			if err := r.Ready(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops every node, closes every endpoint and releases the pump pool.
func (s *Supervisor) Close() error {
	for _, name := range s.names() {
		if m, err := s.lookup(name); err == nil {
			m.opMu.Lock()
			s.stop(m)
			s.closeEndpoint(m)
			m.opMu.Unlock()
		}
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pool.Release()
	return nil
}
