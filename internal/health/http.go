package health

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SnapshotSource returns the current hub snapshot.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager  *Manager
	snapshot SnapshotSource
	monitor  *Monitor
	logger   *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks. monitor may be
// nil.
func NewHTTPHandler(manager *Manager, snapshot SnapshotSource, monitor *Monitor, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		manager:  manager,
		snapshot: snapshot,
		monitor:  monitor,
		logger:   logger,
	}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailedHealth)
	mux.HandleFunc("GET /health/snapshot", h.handleSnapshot)
}

func statusCode(s CheckStatus) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// handleHealth returns overall health status (for general monitoring)
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	h.writeJSON(w, statusCode(overall.Status), map[string]interface{}{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"duration":  overall.Duration.String(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

// handleReadiness returns readiness status (for k8s readiness probes)
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.IsReady(r.Context())
	code, message := http.StatusOK, "ready"
	if !ready {
		code, message = http.StatusServiceUnavailable, "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":    message,
		"ready":     ready,
		"timestamp": time.Now().Unix(),
	})
}

// handleLiveness answers as long as the process can serve HTTP.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      true,
		"timestamp": time.Now().Unix(),
	})
}

// handleDetailedHealth returns detailed health information (for debugging)
func (h *HTTPHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	var detailed DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		detailed = h.manager.CachedHealth()
	} else {
		detailed = h.manager.GetDetailedHealth(r.Context())
	}
	h.writeJSON(w, statusCode(detailed.Overall.Status), detailed)
}

// handleSnapshot returns the aggregated hub snapshot, plus recent monitor
// history and alerts when ?history=N is given.
func (h *HTTPHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot.Snapshot()
	n, _ := strconv.Atoi(r.URL.Query().Get("history"))
	if n <= 0 || h.monitor == nil {
		h.writeJSON(w, http.StatusOK, snap)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot": snap,
		"history":  h.monitor.History(n),
		"alerts":   h.monitor.Alerts(n),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
