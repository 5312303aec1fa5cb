// Package streaming is the hub's in-process event bus. Producers publish
// without blocking; each subscriber owns a bounded backlog and loses events,
// rather than stalling producers, when it falls behind.
package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/metrics"
)

// Event is a single publication on the bus.
type Event struct {
	ID         string                 `json:"event_id"`
	Seq        uint64                 `json:"seq"`
	Topic      string                 `json:"topic"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Source     string                 `json:"source"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Option decorates an event at publish time.
type Option func(*Event)

// WithWorkflow tags the event with a workflow ID.
func WithWorkflow(id string) Option {
	return func(e *Event) { e.WorkflowID = id }
}

// WithSource names the emitting component.
func WithSource(source string) Option {
	return func(e *Event) { e.Source = source }
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic string, payload map[string]interface{}, opts ...Option)
}

// Config tunes a Manager.
type Config struct {
	// Backlog is the default per-subscriber buffer.
	Backlog int
	// HistorySize bounds the replay ring; negative disables it.
	HistorySize int
	// OverflowRate and OverflowBurst limit overflow diagnostics per subscriber.
	OverflowRate  rate.Limit
	OverflowBurst int
	Clock         clock.Clock
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Backlog:       256,
		HistorySize:   1000,
		OverflowRate:  rate.Limit(10),
		OverflowBurst: 10,
	}
}

// Stats are the dispatcher counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
	History     int    `json:"history"`
}

// Subscription is one live, non-replayed stream of matching events.
type Subscription struct {
	id      string
	pattern string
	ch      chan Event
	limiter *rate.Limiter
	dropped atomic.Uint64
	closed  bool
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Pattern() string { return s.pattern }

// Events returns the receive side. The channel is closed on Unsubscribe or
// when the manager shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Manager provides in-memory pub/sub for hub events.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription
	history     *ring
	nextSeq     uint64
	backlog     int
	closed      bool

	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewManager creates a dispatcher.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	switch {
	case cfg.HistorySize == 0:
		cfg.HistorySize = def.HistorySize
	case cfg.HistorySize < 0:
		cfg.HistorySize = 0
	}
	if cfg.OverflowRate <= 0 {
		cfg.OverflowRate = def.OverflowRate
	}
	if cfg.OverflowBurst <= 0 {
		cfg.OverflowBurst = def.OverflowBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]*Subscription),
		history:     newRing(cfg.HistorySize),
		nextSeq:     1,
		backlog:     cfg.Backlog,
		cfg:         cfg,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logger,
	}
}

// SetBacklog changes the buffer size given to future subscribers.
func (m *Manager) SetBacklog(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.backlog = n
	m.mu.Unlock()
}

// Subscribe registers a subscriber for pattern. buffer <= 0 uses the
// configured backlog. The caller must drain Events and call Unsubscribe.
func (m *Manager) Subscribe(pattern string, buffer int) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if buffer <= 0 {
		buffer = m.backlog
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		ch:      make(chan Event, buffer),
		limiter: rate.NewLimiter(m.cfg.OverflowRate, m.cfg.OverflowBurst),
	}
	if m.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	m.subscribers[sub.id] = sub
	metrics.DispatcherSubscribers.Set(float64(len(m.subscribers)))
	return sub
}

// Stream subscribes for the lifetime of ctx.
func (m *Manager) Stream(ctx context.Context, pattern string) <-chan Event {
	sub := m.Subscribe(pattern, 0)
	go func() {
		<-ctx.Done()
		m.Unsubscribe(sub)
	}()
	return sub.Events()
}

// Unsubscribe removes the subscriber and closes its channel.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.closed {
		return
	}
	delete(m.subscribers, sub.id)
	sub.closed = true
	close(sub.ch)
	metrics.DispatcherSubscribers.Set(float64(len(m.subscribers)))
}

// Publish delivers an event to every matching subscriber without blocking.
// A subscriber whose backlog is full loses the event, and a
// dispatcher.subscriber_overflow diagnostic is published in its place. The
// diagnostic is not offered to subscribers that just overflowed.
func (m *Manager) Publish(topic string, payload map[string]interface{}, opts ...Option) {
	evt := m.newEvent(topic, payload, opts...)
	overflowed, ok := m.dispatch(evt, nil)
	if !ok || topic == TopicSubscriberOverflow || len(overflowed) == 0 {
		return
	}

	skip := make(map[string]struct{}, len(overflowed))
	for _, sub := range overflowed {
		skip[sub.id] = struct{}{}
	}
	for _, sub := range overflowed {
		if !sub.limiter.Allow() {
			continue
		}
		m.logger.Warn("Subscriber backlog full, dropping event",
			zap.String("subscriber_id", sub.id),
			zap.String("pattern", sub.pattern),
			zap.String("topic", topic),
		)
		diag := m.newEvent(TopicSubscriberOverflow, map[string]interface{}{
			"subscriber_id": sub.id,
			"pattern":       sub.pattern,
			"dropped_topic": topic,
			"dropped_total": sub.Dropped(),
		}, WithSource(SourceDispatcher), WithWorkflow(evt.WorkflowID))
		m.dispatch(diag, skip)
	}
}

func (m *Manager) newEvent(topic string, payload map[string]interface{}, opts ...Option) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    SourceSystem,
		Payload:   payload,
		Timestamp: m.clock.Now(),
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}

// dispatch records evt in history and offers it to matching subscribers not
// in skip. It returns the subscribers that lost the event, and false once
// the manager is closed.
func (m *Manager) dispatch(evt Event, skip map[string]struct{}) ([]*Subscription, bool) {
	var overflowed []*Subscription

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false
	}
	evt.Seq = m.nextSeq
	m.nextSeq++
	m.history.push(evt)

	for _, sub := range m.subscribers {
		if !Match(sub.pattern, evt.Topic) {
			continue
		}
		if _, ok := skip[sub.id]; ok {
			continue
		}
		select {
		case sub.ch <- evt:
			m.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			m.dropped.Add(1)
			metrics.DispatcherDropped.Inc()
			overflowed = append(overflowed, sub)
		}
	}
	m.mu.Unlock()

	m.published.Add(1)
	metrics.DispatcherPublished.Inc()
	return overflowed, true
}

// Recent returns up to limit of the most recent events, oldest first.
func (m *Manager) Recent(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.history.since(0)
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs
}

// ReplaySince returns retained events with Seq > since that match pattern
// (best-effort within ring capacity).
func (m *Manager) ReplaySince(pattern string, since uint64) []Event {
	m.mu.Lock()
	evs := m.history.since(since)
	m.mu.Unlock()

	out := evs[:0]
	for _, ev := range evs {
		if Match(pattern, ev.Topic) {
			out = append(out, ev)
		}
	}
	return out
}

// Stats returns the dispatcher counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	subs := len(m.subscribers)
	hist := m.history.count
	m.mu.Unlock()
	return Stats{
		Published:   m.published.Load(),
		Delivered:   m.delivered.Load(),
		Dropped:     m.dropped.Load(),
		Subscribers: subs,
		History:     hist,
	}
}

// Close closes every subscription. Later publications are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subscribers {
		sub.closed = true
		close(sub.ch)
		delete(m.subscribers, id)
	}
	metrics.DispatcherSubscribers.Set(0)
}

// Match reports whether topic matches pattern. Supported patterns are an
// exact topic, "*" (or empty) for everything, and "prefix.*" for every topic
// under prefix.
func Match(pattern, topic string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == topic
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
