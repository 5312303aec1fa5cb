package streaming

// Topics published by the hub. Subscribers may match them exactly or with a
// prefix wildcard such as "workflow.*".
const (
	TopicWorkflowCreated       = "workflow.created"
	TopicWorkflowStarted       = "workflow.started"
	TopicWorkflowStepStarted   = "workflow.step_started"
	TopicWorkflowStepCompleted = "workflow.step_completed"
	TopicWorkflowStepFailed    = "workflow.step_failed"
	TopicWorkflowStepSkipped   = "workflow.step_skipped"
	TopicWorkflowCompleted     = "workflow.completed"
	TopicWorkflowFailed        = "workflow.failed"
	TopicWorkflowCancelled     = "workflow.cancelled"

	TopicAgentRegistered = "agent.registered"
	TopicAgentStarted    = "agent.started"
	TopicAgentCompleted  = "agent.completed"
	TopicAgentFailed     = "agent.failed"
	TopicAgentRecovered  = "agent.recovered"

	TopicSubscriberOverflow = "dispatcher.subscriber_overflow"

	TopicSystemStart  = "system.start"
	TopicSystemStop   = "system.stop"
	TopicDataReceived = "data.received"
	TopicHealthCheck  = "health.check"
	TopicAlertRaised  = "alert.raised"
)

// Sources identify the emitting component.
const (
	SourceEngine      = "workflow_engine"
	SourceCoordinator = "agent_coordinator"
	SourceDispatcher  = "event_dispatcher"
	SourceMonitor     = "health_monitor"
	SourceFacade      = "orchestrator"
	SourceSystem      = "system"
)
