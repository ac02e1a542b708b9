package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/srediag/mycelial/adapter"
	"github.com/srediag/mycelial/internal/config"
	"github.com/srediag/mycelial/internal/logging"
	"github.com/srediag/mycelial/internal/metrics"
	"github.com/srediag/mycelial/internal/transport"
	"github.com/srediag/mycelial/pkg/audit"
	"github.com/srediag/mycelial/pkg/health"
	"github.com/srediag/mycelial/pkg/lifecycle"
	"github.com/srediag/mycelial/pkg/plugins/shmpipe"
)

// daemon wires the supervisor to its admin surface.
type daemon struct {
	log      zerolog.Logger
	registry *prometheus.Registry
	monitor  *health.Monitor
	audit    *audit.Logger
	sup      *lifecycle.Supervisor
	admin    *adapter.AdminServer
	reloader *adapter.Reloader
}

// newDaemon builds every component from cfg. load is called on reload to
// read the config again.
func newDaemon(cfg *config.Config, load func() (*config.Config, error)) (*daemon, error) {
	d := &daemon{
		log:      logging.For("daemon"),
		registry: prometheus.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(d.registry)
	if err != nil {
		return nil, err
	}
	d.monitor = health.NewMonitor(
		health.WithRegistry(d.registry, "mycelial"),
		health.WithGoroutineLimit(cfg.Admin.GoroutineLimit),
	)
	d.audit = audit.New(logging.Root())
	if err := d.audit.SetCompliancePolicy(cfg.Audit.Policy); err != nil {
		return nil, err
	}

	opts := []lifecycle.Option{
		lifecycle.WithHealth(d.monitor),
		lifecycle.WithAudit(d.audit),
		lifecycle.WithObserver(recorder),
	}
	if cfg.Telemetry.Enabled {
		opts = append(opts, lifecycle.WithTelemetry(adapter.Telemetry{
			Meter:  otel.Meter("myceliumd"),
			Tracer: otel.Tracer("myceliumd"),
		}))
	}
	if d.sup, err = lifecycle.New(opts...); err != nil {
		return nil, err
	}
	d.monitor.AddReadinessCheck("endpoints", d.sup.Ready)
	if cfg.HasKind(shmpipe.Kind) {
		need, err := shmFootprint(cfg)
		if err != nil {
			return nil, err
		}
		d.monitor.AddReadinessCheck("dev-shm", health.DevShmCheck(need))
	}

	d.admin = adapter.NewAdminServer(cfg.Admin.Addr, logging.For("admin"))
	d.routes()

	d.reloader = adapter.NewReloader(func(ctx context.Context) error {
		next, err := load()
		if err != nil {
			return err
		}
		return d.sup.Apply(ctx, next.Specs())
	}, logging.For("reload"))
	return d, nil
}

// shmFootprint adds up the /dev/shm bytes of every shm region the config
// names, counting a region shared by both sides once.
func shmFootprint(cfg *config.Config) (uint64, error) {
	regions := map[string]uint64{}
	for _, spec := range cfg.Specs() {
		if spec.Kind != shmpipe.Kind {
			continue
		}
		name, size, err := shmpipe.Footprint(spec.Decode)
		if err != nil {
			return 0, fmt.Errorf("node %q: %w", spec.Name, err)
		}
		if size > regions[name] {
			regions[name] = size
		}
	}
	var total uint64
	for _, size := range regions {
		total += size
	}
	return total, nil
}

func (d *daemon) routes() {
	probes := d.monitor.Handler()
	d.admin.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	d.admin.Handle("/live", probes)
	d.admin.Handle("/ready", probes)
	d.admin.HandleFunc("/nodes", d.listNodes, http.MethodGet)
	d.admin.HandleFunc("/nodes/{name}/start", d.nodeOp(d.startNode), http.MethodPost)
	d.admin.HandleFunc("/nodes/{name}/stop", d.nodeOp(d.stopNode), http.MethodPost)
	d.admin.HandleFunc("/nodes/{name}/reload", d.nodeOp(d.sup.ReloadNode), http.MethodPost)
	d.admin.HandleFunc("/nodes/{name}/outbox", d.postPayload, http.MethodPost)
	d.admin.HandleFunc("/nodes/{name}/inbox", d.drainInbox, http.MethodGet)
	d.admin.HandleFunc("/pump", d.pumpAll, http.MethodPost)
	d.admin.HandleFunc("/reload", func(w http.ResponseWriter, r *http.Request) {
		d.reloader.Trigger()
		w.WriteHeader(http.StatusAccepted)
	}, http.MethodPost)
}

func (d *daemon) startNode(ctx context.Context, name string) error {
	return d.sup.StartNode(ctx, name)
}

func (d *daemon) stopNode(_ context.Context, name string) error {
	return d.sup.StopNode(name)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, lifecycle.ErrUnknownNode) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (d *daemon) listNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.sup.Nodes())
}

func (d *daemon) nodeOp(op func(ctx context.Context, name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := op(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		state, _ := d.sup.GetState(name)
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": state})
	}
}

func (d *daemon) postPayload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	plugin, ok := d.sup.Plugin(name)
	if !ok {
		writeError(w, lifecycle.ErrUnknownNode)
		return
	}
	payload, err := transport.ReadBody(r.Body)
	if errors.Is(err, transport.ErrBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if err := plugin.Post(payload); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pumpAll runs one receive and send cycle on every built node, running or
// not.
func (d *daemon) pumpAll(w http.ResponseWriter, r *http.Request) {
	n, err := d.sup.PumpAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"nodes": n})
}

// drainInbox returns and removes every received payload as a JSON array of
// strings.
func (d *daemon) drainInbox(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	plugin, ok := d.sup.Plugin(name)
	if !ok {
		writeError(w, lifecycle.ErrUnknownNode)
		return
	}
	payloads := plugin.Inbox()
	out := make([]string, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, string(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// start registers the configured nodes and starts them.
func (d *daemon) start(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for _, spec := range cfg.Specs() {
		if err := d.sup.Register(spec); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.sup.StartAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
