package store

import "time"

// Event is a journaled board event.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Type      string    `json:"event_type"` // created, batch_added, moved, unblocked, execution_*, parent_completed
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus is the outcome of a batch run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunRejected  RunStatus = "rejected"
	RunCancelled RunStatus = "cancelled"
)

// Run tracks one decomposition batch from sequencing to its last task.
type Run struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	ParentID  string    `json:"parent_id"`
	Status    RunStatus `json:"status"`
	TaskCount int       `json:"task_count"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
