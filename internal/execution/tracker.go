// Package execution tracks which tasks are executing right now.
//
// The tracker only holds in-flight state: a completed or failed execution is
// removed from the active set as soon as it finishes. Durable history lives
// on the task. Every mutation fans out a snapshot to all subscribers.
package execution

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/board"
	cflog "github.com/imkarma/cardflow/internal/log"
)

// Listener receives a copy of the active set after every mutation.
type Listener func(active map[string]board.Execution)

// Stats is an aggregate view computed at call time.
type Stats struct {
	Total          int
	ByType         map[board.ExecutionType]int
	LongestRunning LongestRunning
}

// LongestRunning names the execution that has been running the longest.
type LongestRunning struct {
	TaskID   string
	Duration time.Duration
}

// Tracker is the single source of truth for in-flight executions within a
// session.
type Tracker struct {
	mu     sync.Mutex
	active map[string]board.Execution

	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int

	now     func() time.Time
	newID   func() string
	metrics *Metrics
	logger  logrus.FieldLogger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDs overrides execution id generation.
func WithIDs(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

// WithMetrics records executions in Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		active:    make(map[string]board.Execution),
		listeners: make(map[int]Listener),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    cflog.GetLogger(),
	}
	t.newID = func() string {
		return fmt.Sprintf("exec-%d-%s", t.now().UnixMilli(), uuid.New().String()[:8])
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers fn for every mutation and returns an unsubscribe func.
func (t *Tracker) Subscribe(fn Listener) func() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.notifyMu.Lock()
		defer t.notifyMu.Unlock()
		delete(t.listeners, id)
	}
}

// notifyAndUnlock must be called with t.mu held and releases it before
// listeners run. Holding notifyMu across the handoff keeps delivery ordered.
func (t *Tracker) notifyAndUnlock() {
	snapshot := maps.Clone(t.active)
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()
	for _, l := range t.listeners {
		l(maps.Clone(snapshot))
	}
}

// StartExecution records an executing attempt for taskID and returns its id.
// A task has at most one active execution; starting again replaces it.
func (t *Tracker) StartExecution(taskID string, typ board.ExecutionType, agentID string) string {
	t.mu.Lock()
	if prev, ok := t.active[taskID]; ok {
		t.logger.WithFields(logrus.Fields{"task": taskID, "execution": prev.ID}).
			Warn("replacing active execution")
		t.metrics.observeFinish(string(prev.Type), string(board.ExecutionFailed), t.now().Sub(prev.StartedAt))
	}
	exec := board.Execution{
		ID:        t.newID(),
		TaskID:    taskID,
		Status:    board.ExecutionExecuting,
		Type:      typ,
		StartedAt: t.now(),
		AgentID:   agentID,
	}
	t.active[taskID] = exec
	t.metrics.observeStart(string(typ))
	t.logger.WithFields(logrus.Fields{"task": taskID, "type": typ, "execution": exec.ID}).Info("execution started")
	t.notifyAndUnlock()
	return exec.ID
}

// CompleteExecution marks the task's execution completed and removes it from
// the active set. It returns the finished record, or false when the task had
// no active execution.
func (t *Tracker) CompleteExecution(taskID string) (board.Execution, bool) {
	return t.finish(taskID, board.ExecutionCompleted, "")
}

// FailExecution marks the task's execution failed with errMsg and removes it
// from the active set.
func (t *Tracker) FailExecution(taskID, errMsg string) (board.Execution, bool) {
	return t.finish(taskID, board.ExecutionFailed, errMsg)
}

func (t *Tracker) finish(taskID string, status board.ExecutionStatus, errMsg string) (board.Execution, bool) {
	t.mu.Lock()
	exec, ok := t.active[taskID]
	if !ok {
		t.mu.Unlock()
		return board.Execution{}, false
	}
	now := t.now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Error = errMsg
	delete(t.active, taskID)

	t.metrics.observeFinish(string(exec.Type), string(status), now.Sub(exec.StartedAt))
	fields := logrus.Fields{"task": taskID, "type": exec.Type, "execution": exec.ID}
	if status == board.ExecutionFailed {
		t.logger.WithFields(fields).WithField("error", errMsg).Warn("execution failed")
	} else {
		t.logger.WithFields(fields).Info("execution completed")
	}
	t.notifyAndUnlock()
	return exec, true
}

// Execution returns the active execution for taskID.
func (t *Tracker) Execution(taskID string) (board.Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.active[taskID]
	return exec, ok
}

// IsExecuting reports whether taskID has an active execution.
func (t *Tracker) IsExecuting(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[taskID]
	return ok
}

// ExecutingTasks returns a copy of the active set keyed by task id.
func (t *Tracker) ExecutingTasks() map[string]board.Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.active)
}

// Stats aggregates the active set by type and finds the longest-running
// execution, measured against the clock at call time.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := Stats{
		Total:  len(t.active),
		ByType: make(map[board.ExecutionType]int),
	}
	for _, exec := range t.active {
		s.ByType[exec.Type]++
		if exec.StartedAt.IsZero() {
			continue
		}
		if d := now.Sub(exec.StartedAt); d > s.LongestRunning.Duration {
			s.LongestRunning = LongestRunning{TaskID: exec.TaskID, Duration: d}
		}
	}
	return s
}

// Close drops all subscribers and forgets in-flight executions. The session
// calls it on shutdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.metrics.observeDrop(len(t.active))
	t.active = make(map[string]board.Execution)
	t.mu.Unlock()

	t.notifyMu.Lock()
	t.listeners = make(map[int]Listener)
	t.notifyMu.Unlock()
}
