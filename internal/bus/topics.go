package bus

import "time"

// Project lifecycle topics.
const (
	TopicProjectCreated = "project.created"
	TopicProjectPlanned = "project.planned"
	TopicProjectPhase   = "project.phase_changed"
	TopicProjectPaused  = "project.paused"
	TopicProjectResumed = "project.resumed"
)

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskBlocked      = "task.blocked"
)

// Trigger, knowledge, activity and correction topics.
const (
	TopicTriggerRaised      = "trigger.raised"
	TopicTriggerEscalated   = "trigger.escalated"
	TopicTriggerResolved    = "trigger.resolved"
	TopicKnowledgeAvailable = "knowledge.available"
	TopicActivityAppended   = "activity.appended"
	TopicCorrectionApplied  = "correction.applied"
	TopicWorkerStatus       = "worker.status_changed"
	TopicBackendRecovered   = "backend.recovered"
)

// TaskStateChangedEvent is published on every task transition.
type TaskStateChangedEvent struct {
	TaskID    string
	ProjectID string
	OldState  string
	NewState  string
	WorkerID  string
	Signature string // failure signature when NewState is failed
}

// WorkerStatusEvent is published when a worker's availability changes.
type WorkerStatusEvent struct {
	WorkerID     string
	Availability string
	TaskID       string
}

// ActivityEvent mirrors an appended activity_log row.
type ActivityEvent struct {
	ProjectID string
	Seq       int64
	Actor     string
	Category  string
	Message   string
	At        time.Time
}

// TriggerEventNotice is published when a trigger event is raised or escalated.
type TriggerEventNotice struct {
	TriggerEventID string
	RuleID         string
	ProjectID      string
	Severity       string
	Occurrences    int
	Escalated      bool
}

// KnowledgeNotice is published after a snapshot is committed.
type KnowledgeNotice struct {
	Domain  string
	Version int64
	Summary string
}

// BackendRecoveredEvent is published when a tripped backend's cooldown
// expires, so blocked tasks can be re-evaluated.
type BackendRecoveredEvent struct {
	Backend  string
	Category string
}
