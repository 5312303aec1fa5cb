package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// EventSource is the subscription surface of the facade.
type EventSource interface {
	Subscribe(ctx context.Context, pattern string) (<-chan streaming.Event, func())
	ReplaySince(pattern string, since uint64) []streaming.Event
}

// StreamingHandler serves SSE and WebSocket endpoints for hub events.
type StreamingHandler struct {
	src       EventSource
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewStreamingHandler(src EventSource, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{src: src, heartbeat: 15 * time.Second, logger: logger}
}

// SetHeartbeat changes the SSE heartbeat and WebSocket ping interval.
func (h *StreamingHandler) SetHeartbeat(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", Instrument("/stream/sse", h.handleSSE))
	h.RegisterWebSocket(mux)
}

// streamFilter narrows a subscription to one workflow and, optionally, a set
// of topics.
type streamFilter struct {
	pattern    string
	workflowID string
	topics     map[string]struct{}
}

func parseFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	f := streamFilter{pattern: q.Get("pattern"), workflowID: q.Get("workflow_id")}
	if f.pattern == "" {
		f.pattern = "*"
	}
	if s := q.Get("types"); s != "" {
		f.topics = map[string]struct{}{}
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				f.topics[t] = struct{}{}
			}
		}
	}
	return f
}

func (f streamFilter) allows(ev streaming.Event) bool {
	if f.workflowID != "" && ev.WorkflowID != f.workflowID {
		return false
	}
	if len(f.topics) > 0 {
		if _, ok := f.topics[ev.Topic]; !ok {
			return false
		}
	}
	return true
}

func lastEventID(r *http.Request) uint64 {
	for _, s := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if s == "" {
			continue
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Topic != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Topic)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

// handleSSE streams events via Server-Sent Events.
// GET /stream/sse?pattern=workflow.*&workflow_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	lastID := lastEventID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	ch, cancel := h.src.Subscribe(ctx, f.pattern)
	defer cancel()

	fmt.Fprintf(w, ": connected pattern=%s\n\n", f.pattern)

	// Live events that were also replayed are skipped by seq.
	var replayed uint64
	if lastID > 0 {
		for _, ev := range h.src.ReplaySince(f.pattern, lastID) {
			if f.allows(ev) {
				writeSSE(w, ev)
			}
			replayed = ev.Seq
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("pattern", f.pattern))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= replayed || !f.allows(ev) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
