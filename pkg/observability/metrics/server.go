package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scttfrdmn/spotkeeper/pkg/observability"
	"go.uber.org/zap"
)

// Server serves /metrics and /health for the daemon
type Server struct {
	srv     *http.Server
	log     *zap.Logger
	started time.Time
	now     func() time.Time

	// window is how long /health tolerates no finished sweep; 0 disables
	window    time.Duration
	lastSweep atomic.Int64
}

type healthReport struct {
	Status    string `json:"status"`
	LastSweep string `json:"last_sweep,omitempty"`
	Uptime    string `json:"uptime"`
}

// NewServer builds the listener. sweepInterval scales the /health
// staleness window.
func NewServer(cfg observability.MetricsConfig, registry *Registry, sweepInterval time.Duration, log *zap.Logger) *Server {
	s := &Server{
		log:     log,
		started: time.Now(),
		now:     time.Now,
		window:  time.Duration(cfg.StaleAfter) * sweepInterval,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          zap.NewStdLog(log),
	}))
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Handler exposes the mux
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// SweepFinished records a completed sweep for /health
func (s *Server) SweepFinished(at time.Time) {
	s.lastSweep.Store(at.UnixNano())
}

// Start binds the listener and serves until ctx is cancelled. It returns
// the bound address, which differs from the configured one for ":0".
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}()
	return ln.Addr(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	report := healthReport{
		Status: "ok",
		Uptime: now.Sub(s.started).Round(time.Second).String(),
	}

	// before the first sweep, measure from startup
	since := s.started
	if ns := s.lastSweep.Load(); ns != 0 {
		since = time.Unix(0, ns)
		report.LastSweep = since.UTC().Format(time.RFC3339)
	}

	code := http.StatusOK
	if s.window > 0 && now.Sub(since) > s.window {
		report.Status = "stale"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
