package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/registration"
)

// Server is the HTTP edge over the Registration Service: the /v1/evidence
// surface plus health, readiness and metrics endpoints. Routing follows
// the teacher's bare net/http.ServeMux + path-prefix-trim convention; no
// router library is introduced.
type Server struct {
	http     *http.Server
	handler  *EvidenceHandlers
	dbHealth func(ctx context.Context) *evidence.HealthStatus
	logger   *log.Logger
}

// New builds the HTTP server. dbHealth is consulted by /readyz; it is
// typically evidence.Client.Health.
func New(addr string, svc *registration.Service, dbHealth func(ctx context.Context) *evidence.HealthStatus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[server] ", log.LstdFlags)
	}
	metrics := NewMetrics()
	handlers := NewEvidenceHandlers(svc, metrics, logger)

	s := &Server{handler: handlers, dbHealth: dbHealth, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/evidence", s.dispatchCollection)
	mux.HandleFunc("/v1/evidence/", s.dispatchResource)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) dispatchCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handler.HandleRegister(w, r)
	case http.MethodGet:
		s.handler.HandleListRecords(w, r)
	default:
		s.handler.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and POST are allowed")
	}
}

func (s *Server) dispatchResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/evidence/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1:
		s.handler.HandleGetRecord(w, r)
	case len(parts) == 2 && parts[1] == "verify":
		s.handler.HandleVerify(w, r)
	case len(parts) == 2 && parts[1] == "retry":
		s.handler.HandleRetry(w, r)
	default:
		s.handler.writeError(w, http.StatusNotFound, "NOT_FOUND", "Unrecognized evidence resource path")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.dbHealth == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	health := s.dbHealth(r.Context())
	if !health.Healthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"ready": false, "database": health})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"ready": true, "database": health})
}

// ListenAndServe blocks serving HTTP requests until the context is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Println("shutting down")
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
