package board

import (
	"slices"
	"time"
)

// Status is the column a task lives in.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// Columns lists the board columns in display order.
var Columns = []Status{StatusTodo, StatusDoing, StatusDone}

// Valid reports whether s names one of the three columns.
func (s Status) Valid() bool {
	return s == StatusTodo || s == StatusDoing || s == StatusDone
}

// ExecutionStatus is the lifecycle state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionType names the external capability an execution runs against.
type ExecutionType string

const (
	ExecutionAIProcessing ExecutionType = "ai_processing"
	ExecutionWebSearch    ExecutionType = "web_search"
	ExecutionPhoneCall    ExecutionType = "phone_call"
)

// Execution is one timed attempt to fulfil a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	Type        ExecutionType   `json:"execution_type"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
}

// AIMetadata is what the decomposition service told us about an auto-created task.
type AIMetadata struct {
	TaskType      string         `json:"task_type,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
}

// Task is a card on the board. A task with sub-tasks is a parent task and
// its completion is derived from its children.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	ContainerID string `json:"container_id"`

	// BatchID groups the sibling sub-tasks of one decomposition. Dependency
	// edges never leave a batch.
	BatchID   string   `json:"batch_id,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	BlockedBy []string `json:"blocked_by,omitempty"`

	IsSubTask    bool     `json:"is_sub_task,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"` // lookup only
	SubTaskIDs   []string `json:"sub_task_ids,omitempty"`

	AutoCreated bool        `json:"auto_created,omitempty"`
	AIMetadata  *AIMetadata `json:"ai_metadata,omitempty"`
	AIResponse  string      `json:"ai_response,omitempty"`

	Execution        *Execution  `json:"execution,omitempty"`
	ExecutionHistory []Execution `json:"execution_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsParent reports whether the task owns sub-tasks.
func (t *Task) IsParent() bool {
	return len(t.SubTaskIDs) > 0
}

// Dependencies returns the merged dependsOn/blockedBy relation, deduplicated,
// in first-seen order.
func (t *Task) Dependencies() []string {
	var deps []string
	for _, id := range t.DependsOn {
		if !slices.Contains(deps, id) {
			deps = append(deps, id)
		}
	}
	for _, id := range t.BlockedBy {
		if !slices.Contains(deps, id) {
			deps = append(deps, id)
		}
	}
	return deps
}

// IsBlocked reports whether any dependency edge is still open.
func (t *Task) IsBlocked() bool {
	return len(t.DependsOn) > 0 || len(t.BlockedBy) > 0
}

// TaskType is the classified type from the decomposition, or "" for
// user-created tasks.
func (t *Task) TaskType() string {
	if t.AIMetadata == nil {
		return ""
	}
	return t.AIMetadata.TaskType
}

// clone returns a deep copy so callers never share slices with the board.
func (t *Task) clone() Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.BlockedBy = slices.Clone(t.BlockedBy)
	c.SubTaskIDs = slices.Clone(t.SubTaskIDs)
	c.ExecutionHistory = slices.Clone(t.ExecutionHistory)
	if t.Execution != nil {
		e := *t.Execution
		c.Execution = &e
	}
	if t.AIMetadata != nil {
		m := *t.AIMetadata
		if t.AIMetadata.Parameters != nil {
			m.Parameters = make(map[string]any, len(t.AIMetadata.Parameters))
			for k, v := range t.AIMetadata.Parameters {
				m.Parameters[k] = v
			}
		}
		c.AIMetadata = &m
	}
	return c
}

// EventType names a board transition.
type EventType string

const (
	EventCreated         EventType = "created"
	EventBatchAdded      EventType = "batch_added"
	EventMoved           EventType = "moved"
	EventUnblocked       EventType = "unblocked"
	EventExecutionStart  EventType = "execution_started"
	EventExecutionDone   EventType = "execution_completed"
	EventExecutionFailed EventType = "execution_failed"
	EventParentCompleted EventType = "parent_completed"
)

// Event describes one transition, delivered to subscribers after the
// transition has been applied.
type Event struct {
	Type    EventType
	Task    Task
	From    Status
	To      Status
	Message string
	At      time.Time
}
