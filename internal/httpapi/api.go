package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/health"
	"github.com/YourDaypilot/orchestration/internal/server"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// Orchestrator is the facade surface served over REST.
type Orchestrator interface {
	ProcessUserData(ctx context.Context, userID string, payload map[string]interface{}) (*server.ProcessResult, error)
	GetWorkflowStatus(ctx context.Context, id string) (workflow.Instance, error)
	CancelWorkflow(id, reason, requestedBy string) error
	GetHealthSnapshot() health.Snapshot
	ListAgents() []agents.Status
	RecentEvents(limit int) []streaming.Event
}

// APIHandler serves the REST endpoints.
type APIHandler struct {
	svc            Orchestrator
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewAPIHandler creates the REST handler. requestTimeout bounds each
// submission; zero leaves it to the stage timeouts alone.
func NewAPIHandler(svc Orchestrator, requestTimeout time.Duration, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{svc: svc, requestTimeout: requestTimeout, logger: logger}
}

// RegisterRoutes registers REST routes on the provided mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/data", Instrument("/api/v1/data", h.handleData))
	mux.HandleFunc("POST /api/v1/users/{user_id}/data", Instrument("/api/v1/users/{user_id}/data", h.handleData))
	mux.HandleFunc("GET /api/v1/workflows/{id}", Instrument("/api/v1/workflows/{id}", h.handleWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", Instrument("/api/v1/workflows/{id}/cancel", h.handleCancel))
	mux.HandleFunc("GET /api/v1/agents", Instrument("/api/v1/agents", h.handleAgents))
	mux.HandleFunc("GET /api/v1/events", Instrument("/api/v1/events", h.handleEvents))
	mux.HandleFunc("GET /api/v1/health", Instrument("/api/v1/health", h.handleHealth))
}

type dataRequest struct {
	UserID     string                 `json:"user_id"`
	SensorData map[string]interface{} `json:"sensor_data"`
	RiskLevel  string                 `json:"risk_level,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (req dataRequest) payload() map[string]interface{} {
	p := map[string]interface{}{}
	if req.SensorData != nil {
		p["sensor_data"] = req.SensorData
	}
	if req.RiskLevel != "" {
		p["risk_level"] = req.RiskLevel
	}
	if len(req.Metadata) > 0 {
		p["metadata"] = req.Metadata
	}
	return p
}

// handleData: POST /api/v1/data {user_id, sensor_data}
func (h *APIHandler) handleData(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req dataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if uid := r.PathValue("user_id"); uid != "" {
		if req.UserID != "" && req.UserID != uid {
			writeError(w, http.StatusBadRequest, "bad_request", "user_id in body does not match path")
			return
		}
		req.UserID = uid
	}

	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	res, err := h.svc.ProcessUserData(ctx, req.UserID, req.payload())
	var inst *workflow.Instance
	if res != nil && res.WorkflowID != "" {
		if snap, serr := h.svc.GetWorkflowStatus(context.WithoutCancel(ctx), res.WorkflowID); serr == nil {
			inst = &snap
		}
	}
	body := server.TransformToUnifiedResponse(res, err, inst)
	if err != nil {
		h.logger.Info("Submission failed",
			zap.String("user_id", req.UserID),
			zap.String("workflow_id", body.WorkflowID),
			zap.String("code", body.Error.Code),
		)
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor maps a facade error to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, coordinator.ErrSaturated),
		errors.Is(err, coordinator.ErrNoAgentsForRole),
		errors.Is(err, server.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, agents.ErrValidation) && isUserIDError(err):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func isUserIDError(err error) bool {
	var ve *agents.ValidationError
	return errors.As(err, &ve) && ve.Field == "user_id"
}

func (h *APIHandler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.GetWorkflowStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load workflow", zap.String("workflow_id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type cancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (h *APIHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}
	id := r.PathValue("id")
	err := h.svc.CancelWorkflow(id, req.Reason, req.RequestedBy)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
	case errors.Is(err, workflow.ErrAlreadyFinished):
		writeError(w, http.StatusConflict, "already_finished", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"workflow_id": id,
			"status":      "cancel_requested",
		})
	}
}

func (h *APIHandler) handleAgents(w http.ResponseWriter, r *http.Request) {
	list := h.svc.ListAgents()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": list,
		"count":  len(list),
	})
}

// handleEvents: GET /api/v1/events?limit=N&workflow_id=
func (h *APIHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	wf := r.URL.Query().Get("workflow_id")

	var events []streaming.Event
	if wf == "" {
		events = h.svc.RecentEvents(limit)
	} else {
		for _, ev := range h.svc.RecentEvents(0) {
			if ev.WorkflowID == wf {
				events = append(events, ev)
			}
		}
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
	}
	if events == nil {
		events = []streaming.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.GetHealthSnapshot()
	code := http.StatusOK
	if snap.Status == health.LevelCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}
