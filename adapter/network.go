package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const DefaultAdminAddr = ":9100"

// AdminServer is the daemon's HTTP surface: metrics, probes and node status.
type AdminServer struct {
	addr   string
	router *mux.Router
	srv    *http.Server
	log    zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewAdminServer(addr string, log zerolog.Logger) *AdminServer {
	if addr == "" {
		addr = DefaultAdminAddr
	}
	s := &AdminServer{
		addr:   addr,
		router: mux.NewRouter(),
		log:    log,
	}
	s.srv = &http.Server{
		Handler:           handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))(s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(args ...interface{}) {
	l.log.Error().Interface("panic", args).Msg("admin handler panicked")
}

// Handle serves h at exactly path, for GET requests.
func (s *AdminServer) Handle(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet, http.MethodHead)
}

// HandleFunc serves fn at path for the given methods.
func (s *AdminServer) HandleFunc(path string, fn http.HandlerFunc, methods ...string) {
	r := s.router.HandleFunc(path, fn)
	if len(methods) > 0 {
		r.Methods(methods...)
	}
}

// Listen binds the address. Serve calls it when it has not been called.
func (s *AdminServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *AdminServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve blocks until Shutdown.
func (s *AdminServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router without a listener.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.Handler.ServeHTTP(w, r)
}
