package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openspool/printd/pkg/config"
	"github.com/openspool/printd/pkg/metrics"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/storage"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	cfg      *config.Config
	registry *printers.Registry
	store    *storage.BoltStore
	version  string
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(cfg *config.Config, reg *printers.Registry, store *storage.BoltStore, version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		cfg:      cfg,
		registry: reg,
		store:    store,
		version:  version,
		mux:      mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves the health endpoints in the background.
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.cfg.MetricsAddr, err)
	}
	hs.httpSrv = &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		_ = hs.httpSrv.Serve(ln)
	}()
	return nil
}

// Stop shuts the health listener down.
func (hs *HealthServer) Stop() error {
	if hs.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.httpSrv.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint
// This checks if the service is ready to accept traffic
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: spool directory
	if _, err := os.Stat(hs.cfg.SpoolDir); err != nil {
		checks["spool"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Spool directory not accessible"
	} else {
		checks["spool"] = "ok"
	}

	// Check 2: state database (a simple read verifies the handle)
	if hs.store != nil {
		if _, err := hs.store.LoadServerState(); err != nil {
			checks["database"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "State database not accessible"
			}
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	// Check 3: destinations (informational; an empty registry is fine)
	if hs.registry != nil {
		checks["printers"] = fmt.Sprintf("%d registered", len(hs.registry.List()))
	}

	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
