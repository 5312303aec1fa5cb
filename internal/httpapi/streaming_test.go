package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YourDaypilot/orchestration/internal/stages"
	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// readSSE collects event names until stop is seen or the deadline passes.
func readSSE(t *testing.T, body *bufio.Reader, stop string) (events []string, ids []uint64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			ids = append(ids, n)
		case strings.HasPrefix(line, "event: "):
			name := strings.TrimPrefix(line, "event: ")
			events = append(events, name)
			if name == stop {
				return
			}
		}
	}
	t.Fatalf("did not see %s, got %v", stop, events)
	return
}

func TestSSEStreamsWorkflowEvents(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/sse?pattern=workflow.*", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "connected")

	go func() {
		_, _ = f.svc.ProcessUserData(context.Background(), "user-1", dataBody("user-1", "low"))
	}()

	events, ids := readSSE(t, reader, streaming.TopicWorkflowCompleted)
	assert.Equal(t, streaming.TopicWorkflowCreated, events[0])
	assert.NotContains(t, events, streaming.TopicDataReceived)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestSSEReplaysAfterLastEventID(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	res, err := f.svc.ProcessUserData(context.Background(), "user-1", dataBody("user-1", "low"))
	require.NoError(t, err)

	var first uint64
	for _, ev := range f.bus.Recent(0) {
		if ev.Topic == streaming.TopicWorkflowCreated && ev.WorkflowID == res.WorkflowID {
			first = ev.Seq
		}
	}
	require.NotZero(t, first)

	srv := httptest.NewServer(f.mux)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/stream/sse?pattern=workflow.*&workflow_id="+res.WorkflowID, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", strconv.FormatUint(first, 10))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events, ids := readSSE(t, bufio.NewReader(resp.Body), streaming.TopicWorkflowCompleted)
	assert.NotContains(t, events, streaming.TopicWorkflowCreated)
	for _, id := range ids {
		assert.Greater(t, id, first)
	}
}

func TestSSEHeartbeat(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?pattern=workflow.*"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool { return f.bus.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	res, err := f.svc.ProcessUserData(context.Background(), "user-1", dataBody("user-1", "high"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var topics []string
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev streaming.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, res.WorkflowID, ev.WorkflowID)
		topics = append(topics, ev.Topic)
		if ev.Topic == streaming.TopicWorkflowCompleted {
			break
		}
	}
	assert.Equal(t, streaming.TopicWorkflowCreated, topics[0])
	assert.Contains(t, topics, streaming.TopicWorkflowStepCompleted)
}

func TestWebSocketClosesOnShutdown(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.bus.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestParseFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?workflow_id=wf-1&types=workflow.completed,%20workflow.failed", nil)
	f := parseFilter(req)
	assert.Equal(t, "*", f.pattern)
	assert.True(t, f.allows(streaming.Event{WorkflowID: "wf-1", Topic: "workflow.failed"}))
	assert.False(t, f.allows(streaming.Event{WorkflowID: "wf-1", Topic: "workflow.created"}))
	assert.False(t, f.allows(streaming.Event{WorkflowID: "wf-2", Topic: "workflow.failed"}))

	req = httptest.NewRequest(http.MethodGet, "/stream/sse?last_event_id=12", nil)
	assert.Equal(t, uint64(12), lastEventID(req))
	req.Header.Set("Last-Event-ID", "7")
	assert.Equal(t, uint64(7), lastEventID(req))
}
