package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// reservedPrefixes are topic namespaces only the hub itself may publish.
var reservedPrefixes = []string{"workflow.", "agent.", "dispatcher.", "system."}

// IngestHandler lets external stage collaborators push notifications onto
// the dispatcher.
type IngestHandler struct {
	bus       streaming.Publisher
	logger    *zap.Logger
	authToken string
}

func NewIngestHandler(bus streaming.Publisher, logger *zap.Logger, authToken string) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{bus: bus, logger: logger, authToken: authToken}
}

func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", Instrument("/api/v1/events:ingest", h.handleIngest))
}

type ingestEvent struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Topic      string                 `json:"topic"`
	Source     string                 `json:"source,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

func reserved(topic string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body")
		return
	}
	// Accept single object or array
	var single ingestEvent
	var arr []ingestEvent
	if err := json.Unmarshal(body, &single); err == nil && single.Topic != "" {
		arr = []ingestEvent{single}
	} else if err := json.Unmarshal(body, &arr); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	accepted, rejected := 0, 0
	for _, e := range arr {
		if e.Topic == "" || reserved(e.Topic) {
			rejected++
			continue
		}
		payload := e.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		if e.AgentID != "" {
			payload["agent_id"] = e.AgentID
		}
		if e.Message != "" {
			payload["message"] = e.Message
		}
		source := e.Source
		if source == "" {
			source = "external"
		}
		h.bus.Publish(e.Topic, payload, streaming.WithWorkflow(e.WorkflowID), streaming.WithSource(source))
		accepted++
	}
	if rejected > 0 {
		h.logger.Debug("Rejected ingested events", zap.Int("count", rejected))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"accepted": accepted,
		"rejected": rejected,
	})
}
