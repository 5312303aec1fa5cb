package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/YourDaypilot/orchestration/internal/metrics"
	"github.com/YourDaypilot/orchestration/internal/tracing"
)

// statusRecorder captures the response code. It forwards Flush and Hijack so
// SSE and WebSocket handlers keep working behind Instrument.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Instrument wraps next with a server span, a traceparent response header and
// the request counter. route is the metric label, not the raw path.
func Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartHTTPSpan(r.Context(), r.Method, route)
		defer span.End()
		tracing.SetTraceparent(ctx, w.Header())

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r.WithContext(ctx))
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": sanitizeErr(message)},
	})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
