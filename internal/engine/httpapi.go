package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kumocorp/engine/internal/scheduledqueue"
)

// AdminAPI exposes the operator control operations (spec.md §4.10) as a
// small JSON HTTP surface, in place of the teacher's HTML dashboard
// (internal/admin/server.go) which has no analogue for an outbound-only
// engine: mux.HandleFunc route registration plus *http.Server lifecycle
// is kept, templates/auth/session machinery is not.
type AdminAPI struct {
	engine     *Engine
	httpServer *http.Server
}

// NewAdminAPI constructs the admin HTTP surface bound to engine.
func NewAdminAPI(e *Engine) *AdminAPI {
	return &AdminAPI{engine: e}
}

// Start begins serving the admin API on listen, in the background.
// Serve errors other than http.ErrServerClosed are logged.
func (a *AdminAPI) Start(listen string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/status", a.handleStatus)
	mux.HandleFunc("/admin/bounce", a.handleBounce)
	mux.HandleFunc("/admin/suspend", a.handleSuspend)
	mux.HandleFunc("/admin/resume", a.handleResume)
	mux.HandleFunc("/admin/xfer", a.handleXfer)

	a.httpServer = &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.engine.logger.Admin().ErrorContext(context.Background(), "admin API server failed", err)
		}
	}()
}

// Stop gracefully shuts the admin API server down.
func (a *AdminAPI) Stop(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	NodeID    string   `json:"node_id"`
	Liveness  string   `json:"liveness"`
	Queues    []string `json:"scheduled_queues"`
	SpoolFull bool     `json:"spool_full"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:    a.engine.cfg.Node.NodeID,
		Liveness:  string(a.engine.LivenessProbe()),
		Queues:    a.engine.scheduled.Names(),
		SpoolFull: a.engine.spool.IsFull(),
	})
}

type patternRequest struct {
	Domain    string `json:"domain"`
	Tenant    string `json:"tenant"`
	Campaign  string `json:"campaign"`
	ExactName string `json:"queue_name"`
}

func (p patternRequest) toPattern() scheduledqueue.SuspendPattern {
	return scheduledqueue.SuspendPattern{
		Domain:    p.Domain,
		Tenant:    p.Tenant,
		Campaign:  p.Campaign,
		ExactName: p.ExactName,
	}
}

type bounceRequest struct {
	patternRequest
	Reason string `json:"reason"`
}

func (a *AdminAPI) handleBounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req bounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := a.engine.admin.Bounce(r.Context(), req.toPattern(), req.Reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bounced": n})
}

type suspendRequest struct {
	patternRequest
	Until time.Duration `json:"until_seconds"`
}

func (a *AdminAPI) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req suspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	until := time.Now().Add(req.Until * time.Second)
	n := a.engine.admin.Suspend(r.Context(), req.toPattern(), until)
	writeJSON(w, http.StatusOK, map[string]int{"suspended": n})
}

func (a *AdminAPI) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := a.engine.admin.Resume(r.Context(), req.toPattern())
	writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

type xferRequest struct {
	patternRequest
	TargetNodeURL string `json:"target_node_url"`
}

func (a *AdminAPI) handleXfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req xferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := a.engine.admin.Xfer(r.Context(), req.toPattern(), req.TargetNodeURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"transferred": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MetricsServer serves the Prometheus exposition endpoint. Grounded on
// the general prometheus/client_golang convention of pairing
// promauto-registered collectors (internal/metrics already uses
// promauto throughout) with promhttp.Handler() — the teacher itself
// never imports promhttp, since its own metrics are pushed rather than
// scraped, so this has no direct teacher precedent.
type MetricsServer struct {
	httpServer *http.Server
}

// NewMetricsServer constructs (but does not start) a /metrics server.
func NewMetricsServer() *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{httpServer: &http.Server{Handler: mux}}
}

// Start begins serving on listen in the background.
func (m *MetricsServer) Start(listen string, onError func(error)) {
	m.httpServer.Addr = listen
	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if onError != nil {
				onError(fmt.Errorf("metrics server: %w", err))
			}
		}
	}()
}

// Stop gracefully shuts the metrics server down.
func (m *MetricsServer) Stop(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}
