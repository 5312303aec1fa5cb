package db

import (
	"context"
	"fmt"
	"time"

	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ID         string    `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Topic      string    `db:"topic" json:"topic"`
	Source     string    `db:"source" json:"source"`
	AgentID    string    `db:"agent_id" json:"agent_id,omitempty"`
	Message    string    `db:"message" json:"message,omitempty"`
	Payload    JSONB     `db:"payload" json:"payload,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	Seq        int64     `db:"seq" json:"seq"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// FromEvent converts a bus event to a row.
func FromEvent(evt streaming.Event) *EventLog {
	e := &EventLog{
		ID:         evt.ID,
		WorkflowID: evt.WorkflowID,
		Topic:      evt.Topic,
		Source:     evt.Source,
		Payload:    JSONB(evt.Payload),
		Timestamp:  evt.Timestamp,
		Seq:        int64(evt.Seq),
	}
	if id, ok := evt.Payload["agent_id"].(string); ok {
		e.AgentID = id
	}
	for _, key := range []string{"error", "message", "reason"} {
		if msg, ok := evt.Payload[key].(string); ok && msg != "" {
			e.Message = msg
			break
		}
	}
	return e
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id VARCHAR(64) PRIMARY KEY,
    workflow_id VARCHAR(64) NOT NULL DEFAULT '',
    topic VARCHAR(128) NOT NULL,
    source VARCHAR(64) NOT NULL DEFAULT '',
    agent_id VARCHAR(128),
    message TEXT NOT NULL DEFAULT '',
    payload JSONB,
    timestamp TIMESTAMPTZ NOT NULL,
    seq BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_event_logs_workflow ON event_logs (workflow_id, seq);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS event_logs (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL DEFAULT '',
    topic TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    agent_id TEXT,
    message TEXT NOT NULL DEFAULT '',
    payload TEXT,
    timestamp TIMESTAMP NOT NULL,
    seq INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_logs_workflow ON event_logs (workflow_id, seq);
`

const insertEventLog = `
    INSERT INTO event_logs (
        id, workflow_id, topic, source, agent_id, message, payload, timestamp, seq, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (id) DO NOTHING
`

// EnsureSchema creates the event_logs table if it does not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	schema := postgresSchema
	if c.driver == "sqlite3" {
		schema = sqliteSchema
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create event_logs: %w", err)
	}
	return nil
}

func (e *EventLog) prepare() {
	now := time.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

func (e *EventLog) args() []interface{} {
	return []interface{}{
		e.ID, e.WorkflowID, e.Topic, e.Source, nullIfEmpty(e.AgentID), e.Message, e.Payload, e.Timestamp, e.Seq, e.CreatedAt,
	}
}

// SaveEventLog inserts a row. Rows are keyed by event ID, so replays are
// ignored.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == "" {
		return fmt.Errorf("event log row needs an id")
	}
	e.prepare()
	_, err := c.db.ExecContext(ctx, insertEventLog, e.args()...)
	return err
}

// BatchSaveEventLogs inserts rows in one transaction.
func (c *Client) BatchSaveEventLogs(ctx context.Context, rows []*EventLog) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insertEventLog)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range rows {
		if e == nil || e.ID == "" {
			continue
		}
		e.prepare()
		if _, err := stmt.ExecContext(ctx, e.args()...); err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// ListEventLogs returns up to limit rows of one workflow in sequence order.
func (c *Client) ListEventLogs(ctx context.Context, workflowID string, limit int) ([]EventLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []EventLog
	err := c.db.SelectContext(ctx, &rows, `
        SELECT id, workflow_id, topic, source, COALESCE(agent_id, '') AS agent_id, message, payload, timestamp, seq, created_at
        FROM event_logs
        WHERE workflow_id = $1
        ORDER BY seq ASC
        LIMIT $2
    `, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	return rows, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// EventLogSink queues bus events for the event_logs table.
type EventLogSink struct {
	client *Client
}

// NewEventLogSink returns a streaming.Sink backed by client.
func NewEventLogSink(client *Client) *EventLogSink {
	return &EventLogSink{client: client}
}

func (s *EventLogSink) Name() string { return "event_log" }

// Write queues evt; it fails only when the queue is full or closed.
func (s *EventLogSink) Write(_ context.Context, evt streaming.Event) error {
	return s.client.QueueEventLog(FromEvent(evt))
}
