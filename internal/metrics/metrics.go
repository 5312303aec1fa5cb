package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daypilot_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_workflows_completed_total",
			Help: "Total number of workflow runs that reached a terminal status",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "daypilot_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daypilot_workflows_active",
			Help: "Number of workflow runs currently executing",
		},
	)

	// Step metrics
	WorkflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_workflow_steps_total",
			Help: "Total number of workflow steps by node and status",
		},
		[]string{"node", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daypilot_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"role", "result"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daypilot_agent_execution_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	Agents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daypilot_agents",
			Help: "Number of pooled agents by role and state",
		},
		[]string{"role", "state"},
	)

	// Coordinator metrics
	CoordinatorWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daypilot_coordinator_wait_seconds",
			Help:    "Time a task waited for an idle agent",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"role"},
	)

	CoordinatorRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_coordinator_rejections_total",
			Help: "Assignments rejected by the coordinator",
		},
		[]string{"role", "reason"},
	)

	CoordinatorQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daypilot_coordinator_queued_tasks",
			Help: "Tasks waiting for an idle agent",
		},
		[]string{"role"},
	)

	// Dispatcher metrics
	DispatcherPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daypilot_dispatcher_events_published_total",
			Help: "Total number of events published",
		},
	)

	DispatcherDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "daypilot_dispatcher_events_dropped_total",
			Help: "Events dropped because a subscriber backlog was full",
		},
	)

	DispatcherSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daypilot_dispatcher_subscribers",
			Help: "Current number of event subscribers",
		},
	)

	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_event_sink_writes_total",
			Help: "Events forwarded to external sinks",
		},
		[]string{"sink", "status"},
	)

	// Health metrics
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daypilot_health_status",
			Help: "Aggregated hub health (0=healthy, 1=degraded, 2=unhealthy, 3=critical)",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_alerts_raised_total",
			Help: "Alerts raised by the health monitor",
		},
		[]string{"component", "severity"},
	)

	// HTTP adapter metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_http_requests_total",
			Help: "HTTP requests served by the API adapter",
		},
		[]string{"route", "code"},
	)
)

// RecordWorkflowMetrics records a finished workflow run.
func RecordWorkflowMetrics(status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(status).Inc()
	WorkflowDuration.Observe(durationSeconds)
}

// RecordStepMetrics records one workflow step.
func RecordStepMetrics(node, status string, durationSeconds float64) {
	WorkflowSteps.WithLabelValues(node, status).Inc()
	if status != "skipped" {
		StepDuration.WithLabelValues(node).Observe(durationSeconds)
	}
}

// RecordAgentMetrics records one agent execution.
func RecordAgentMetrics(role, result string, durationSeconds float64) {
	AgentExecutions.WithLabelValues(role, result).Inc()
	AgentExecutionDuration.WithLabelValues(role).Observe(durationSeconds)
}

// RecordRejection records an assignment the coordinator refused.
func RecordRejection(role, reason string) {
	CoordinatorRejections.WithLabelValues(role, reason).Inc()
}
