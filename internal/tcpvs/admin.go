package tcpvs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/logger"
)

// HandleHealth health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		logger.L.Error("fail to write health response", zap.Error(err))
	}
}

// HandleReady readiness check endpoint
func (s *Server) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		http.Error(w, "Not Ready: no service listening", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("READY")); err != nil {
		logger.L.Error("fail to write ready response", zap.Error(err))
	}
}

func (s *Server) HandleServices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		logger.L.Error("fail to write services response", zap.Error(err))
	}
}

func (s *Server) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := s.FlushPool()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "flushed %d\n", n)
}

// HandleActivate marks a destination active again after connect failures
// took it out of rotation.
func (s *Server) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	err := s.Activate(q.Get("service"), q.Get("addr"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnknownService), errors.Is(err, ErrUnknownDestination):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// Router multiplexes the admin endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/ready", s.HandleReady)
	mux.HandleFunc("/readyz", s.HandleReady)
	mux.HandleFunc("/services", s.HandleServices)
	mux.HandleFunc("/flush", s.HandleFlush)
	mux.HandleFunc("/activate", s.HandleActivate)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
