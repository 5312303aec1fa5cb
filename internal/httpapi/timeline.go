package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/db"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// StatusSource returns instance snapshots.
type StatusSource interface {
	GetWorkflowStatus(ctx context.Context, id string) (workflow.Instance, error)
}

// TimelineHandler builds human-readable timelines from instance records and,
// when a database is configured, from the persisted event log.
type TimelineHandler struct {
	status   StatusSource
	dbClient *db.Client
	logger   *zap.Logger
}

func NewTimelineHandler(status StatusSource, dbc *db.Client, logger *zap.Logger) *TimelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineHandler{status: status, dbClient: dbc, logger: logger}
}

func (h *TimelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflows/{id}/timeline", Instrument("/api/v1/workflows/{id}/timeline", h.handleBuildTimeline))
}

type timelineStats struct {
	Total  int    `json:"total"`
	Mode   string `json:"mode"`
	Source string `json:"source"`
}

// handleBuildTimeline: GET /api/v1/workflows/{id}/timeline?mode=summary|full&persist=true
//
// summary is built from the step records. full reads every persisted event
// for the workflow and needs a database.
func (h *TimelineHandler) handleBuildTimeline(w http.ResponseWriter, r *http.Request) {
	wf := r.PathValue("id")
	q := r.URL.Query()
	mode := q.Get("mode")
	if mode == "" {
		mode = "summary"
	}
	if mode != "summary" && mode != "full" {
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be summary or full")
		return
	}
	persist := strings.EqualFold(q.Get("persist"), "true")

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if mode == "full" {
		if h.dbClient == nil {
			writeError(w, http.StatusNotImplemented, "unavailable", "full timelines need a database")
			return
		}
		rows, err := h.dbClient.ListEventLogs(ctx, wf, 1000)
		if err != nil {
			h.logger.Error("list event logs failed", zap.String("workflow_id", wf), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if len(rows) == 0 {
			writeError(w, http.StatusNotFound, "not_found", "no events recorded for workflow")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workflow_id": wf,
			"events":      rows,
			"stats":       timelineStats{Total: len(rows), Mode: mode, Source: "event_log"},
		})
		return
	}

	inst, err := h.status.GetWorkflowStatus(ctx, wf)
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	events := BuildTimeline(inst)

	if persist && h.dbClient != nil {
		// Persist asynchronously to avoid blocking request path
		go func(evts []db.EventLog) {
			ctx, c := context.WithTimeout(context.Background(), 30*time.Second)
			defer c()
			rows := make([]*db.EventLog, len(evts))
			for i := range evts {
				rows[i] = &evts[i]
			}
			if err := h.dbClient.BatchSaveEventLogs(ctx, rows); err != nil {
				h.logger.Warn("persist timeline failed", zap.String("workflow_id", wf), zap.Error(err))
			}
		}(events)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":      "accepted",
			"workflow_id": wf,
			"count":       len(events),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": wf,
		"events":      events,
		"stats":       timelineStats{Total: len(events), Mode: mode, Source: "instance"},
	})
}

// BuildTimeline maps an instance to timeline rows. Row IDs are derived from
// the workflow ID and position so persisting twice is harmless.
func BuildTimeline(inst workflow.Instance) []db.EventLog {
	var out []db.EventLog
	add := func(t, msg, agentID string, ts time.Time) {
		seq := int64(len(out) + 1)
		out = append(out, db.EventLog{
			ID:         fmt.Sprintf("%s:timeline:%d", inst.ID, seq),
			WorkflowID: inst.ID,
			Topic:      t,
			Source:     "timeline",
			AgentID:    agentID,
			Message:    msg,
			Timestamp:  ts,
			Seq:        seq,
		})
	}

	add("WF_CREATED", fmt.Sprintf("Workflow created for user %s", inst.UserID), "", inst.CreatedAt)
	if inst.StartedAt != nil {
		add("WF_STARTED", "Workflow started", "", *inst.StartedAt)
	}
	for _, s := range inst.Steps {
		switch s.Status {
		case workflow.StepCompleted:
			add("STEP_COMPLETED", fmt.Sprintf("Step %s completed in %s", s.Node, s.Duration), s.AgentID, s.EndedAt)
		case workflow.StepFailed:
			add("STEP_FAILED", fmt.Sprintf("Step %s failed (%s): %s", s.Node, s.ErrorCode, s.Error), s.AgentID, s.EndedAt)
		case workflow.StepSkipped:
			add("STEP_SKIPPED", fmt.Sprintf("Step %s skipped", s.Node), s.AgentID, s.EndedAt)
		}
	}
	if inst.EndedAt != nil {
		switch inst.Status {
		case workflow.StatusCompleted:
			var total time.Duration
			if inst.StartedAt != nil {
				total = inst.EndedAt.Sub(*inst.StartedAt)
			}
			add("WF_COMPLETED", fmt.Sprintf("Workflow completed in %s", total), "", *inst.EndedAt)
		case workflow.StatusFailed:
			msg := "Workflow failed"
			if inst.Failure != nil {
				msg = fmt.Sprintf("Workflow failed: %s", inst.Failure.Code)
				if inst.Failure.Step != "" {
					msg += " at " + inst.Failure.Step
				}
			}
			add("WF_FAILED", msg, "", *inst.EndedAt)
		}
	}
	return out
}
