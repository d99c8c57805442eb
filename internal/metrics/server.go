package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ServerConfig configures the local metrics server.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`
}

// StatusFunc reports a short health status and whether it is healthy.
type StatusFunc func() (string, bool)

// Server exposes the pushed gatherer locally so the same series can be
// scraped directly, plus a /healthz endpoint.
type Server struct {
	log      logrus.FieldLogger
	addr     string
	gatherer prometheus.Gatherer
	status   StatusFunc

	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// NewServer creates a local metrics server. status may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg ServerConfig,
	gatherer prometheus.Gatherer,
	status StatusFunc,
) *Server {
	if status == nil {
		status = func() (string, bool) { return "ok", true }
	}

	return &Server{
		log:      log.WithField("component", "server"),
		addr:     cfg.Addr,
		gatherer: gatherer,
		status:   status,
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: s.log,
	}))
	mux.HandleFunc("/healthz", s.healthz)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// healthz answers 200 while a session is pushing and 503 otherwise.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	msg, ok := s.status()

	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	fmt.Fprint(w, msg)
}

// Start binds the listener and serves in the background. It is a no-op
// when no address is configured.
func (s *Server) Start(_ context.Context) error {
	if s.addr == "" {
		s.log.Debug("Local metrics server disabled")

		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	s.log.WithField("addr", ln.Addr().String()).Info("Local metrics server started")

	go func() {
		defer close(s.done)

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Local metrics server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}

	return s.addr
}

// Stop drains open requests until ctx expires, then waits for the serve
// goroutine to exit.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	if err != nil {
		err = errors.Join(err, s.srv.Close())
	}

	<-s.done

	return err
}
