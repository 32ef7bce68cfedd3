// Package board holds the Kanban state: three columns of tasks, the
// dependency edges between sibling sub-tasks, and every column transition.
//
// Each exported mutation runs atomically under the board lock. Subscribers
// are notified after the lock is released, in transition order.
package board

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cflog "github.com/imkarma/cardflow/internal/log"
)

var (
	ErrTaskExists              = errors.New("task already exists")
	ErrTaskNotFound            = errors.New("task not found")
	ErrInvalidStatus           = errors.New("invalid column")
	ErrTerminal                = errors.New("task is done")
	ErrExecuting               = errors.New("task is executing")
	ErrParentCompletionDerived = errors.New("parent task completes only when all sub-tasks are done")
	ErrCrossBatchDependency    = errors.New("dependency outside batch")
)

// CrossBatchError reports a dependency edge that points outside its batch.
type CrossBatchError struct {
	TaskID       string
	DependencyID string
	BatchID      string
}

func (e *CrossBatchError) Error() string {
	return fmt.Sprintf("task %s depends on %s which is not in batch %s", e.TaskID, e.DependencyID, e.BatchID)
}

func (e *CrossBatchError) Unwrap() error { return ErrCrossBatchDependency }

// Board is the column state for one session.
type Board struct {
	mu      sync.Mutex
	columns map[Status][]*Task

	notifyMu  sync.Mutex
	listeners map[int]func(Event)
	nextID    int
	pending   []Event

	now    func() time.Time
	logger logrus.FieldLogger
}

// Option configures a Board.
type Option func(*Board)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Board) { b.logger = l }
}

// New creates an empty board.
func New(opts ...Option) *Board {
	b := &Board{
		columns:   make(map[Status][]*Task, len(Columns)),
		listeners: make(map[int]func(Event)),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    cflog.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for every transition. Listeners must not mutate the
// board from inside the callback. The returned func unsubscribes.
func (b *Board) Subscribe(fn func(Event)) func() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.notifyMu.Lock()
		defer b.notifyMu.Unlock()
		delete(b.listeners, id)
	}
}

// mutate runs fn under the board lock, then delivers the events it produced.
func (b *Board) mutate(fn func() error) error {
	b.mu.Lock()
	err := fn()
	events := b.pending
	b.pending = nil
	b.notifyMu.Lock()
	b.mu.Unlock()
	defer b.notifyMu.Unlock()

	for _, ev := range events {
		for _, l := range b.listeners {
			l(ev)
		}
	}
	return err
}

func (b *Board) emit(ev Event) {
	ev.At = b.now()
	b.pending = append(b.pending, ev)
}

// locate finds a task and its position. Caller holds b.mu.
func (b *Board) locate(id string) (*Task, Status, int) {
	for _, status := range Columns {
		for i, t := range b.columns[status] {
			if t.ID == id {
				return t, status, i
			}
		}
	}
	return nil, "", -1
}

func (b *Board) get(id string) (*Task, error) {
	t, _, _ := b.locate(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// AddTask inserts a task into the column named by its status (todo when
// unset). It fails if the id is already on the board.
func (b *Board) AddTask(task Task) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, err := b.insert(task)
		if err != nil {
			return err
		}
		out = t.clone()
		b.emit(Event{Type: EventCreated, Task: out, To: t.Status})
		return nil
	})
	return out, err
}

func (b *Board) insert(task Task) (*Task, error) {
	if task.ID == "" {
		return nil, errors.New("task id is required")
	}
	if existing, _, _ := b.locate(task.ID); existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	if task.Status == "" {
		task.Status = StatusTodo
	}
	if !task.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, task.Status)
	}
	now := b.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.ContainerID = string(task.Status)

	t := task.clone()
	b.columns[t.Status] = append(b.columns[t.Status], &t)
	return &t, nil
}

// AddBatch inserts the sibling sub-tasks of one decomposition under parentID.
// Every dependency id must name another task of the same batch; otherwise
// nothing is inserted and a *CrossBatchError is returned.
func (b *Board) AddBatch(parentID, batchID string, tasks []Task) ([]Task, error) {
	var out []Task
	err := b.mutate(func() error {
		parent, err := b.get(parentID)
		if err != nil {
			return err
		}

		ids := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			if ids[t.ID] {
				return fmt.Errorf("%w: %s (duplicated in batch)", ErrTaskExists, t.ID)
			}
			ids[t.ID] = true
			if existing, _, _ := b.locate(t.ID); existing != nil {
				return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
			}
		}
		for _, t := range tasks {
			for _, dep := range t.Dependencies() {
				if !ids[dep] {
					cerr := &CrossBatchError{TaskID: t.ID, DependencyID: dep, BatchID: batchID}
					b.logger.WithFields(logrus.Fields{"task": t.ID, "dependency": dep, "batch": batchID}).
						Warn("rejecting batch with cross-batch dependency")
					return cerr
				}
			}
		}

		for _, t := range tasks {
			t.BatchID = batchID
			t.IsSubTask = true
			t.ParentTaskID = parentID
			t.Status = StatusTodo
			inserted, err := b.insert(t)
			if err != nil {
				return err
			}
			parent.SubTaskIDs = append(parent.SubTaskIDs, inserted.ID)
			out = append(out, inserted.clone())
		}
		parent.UpdatedAt = b.now()
		b.emit(Event{
			Type:    EventBatchAdded,
			Task:    parent.clone(),
			To:      parent.Status,
			Message: fmt.Sprintf("%d sub-tasks created", len(tasks)),
		})
		for _, t := range out {
			b.emit(Event{Type: EventCreated, Task: t, To: t.Status})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Task returns a copy of the task with the given id.
func (b *Board) Task(id string) (Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, _, _ := b.locate(id)
	if t == nil {
		return Task{}, false
	}
	return t.clone(), true
}

// Column returns copies of the tasks in one column, in order.
func (b *Board) Column(status Status) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, 0, len(b.columns[status]))
	for _, t := range b.columns[status] {
		out = append(out, t.clone())
	}
	return out
}

// Snapshot returns copies of all columns.
func (b *Board) Snapshot() map[Status][]Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Status][]Task, len(Columns))
	for _, status := range Columns {
		col := make([]Task, 0, len(b.columns[status]))
		for _, t := range b.columns[status] {
			col = append(col, t.clone())
		}
		out[status] = col
	}
	return out
}

// MoveTask removes the task from its column and appends it to target,
// updating status, containerId and updatedAt.
func (b *Board) MoveTask(id string, target Status) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, err := b.move(id, target)
		if err != nil {
			return err
		}
		out = t.clone()
		return nil
	})
	return out, err
}

func (b *Board) move(id string, target Status) (*Task, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}
	t, from, idx := b.locate(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if from == target {
		return t, nil
	}
	b.columns[from] = slices.Delete(b.columns[from], idx, idx+1)
	t.Status = target
	t.ContainerID = string(target)
	t.UpdatedAt = b.now()
	b.columns[target] = append(b.columns[target], t)
	b.emit(Event{Type: EventMoved, Task: t.clone(), From: from, To: target})
	return t, nil
}

// RemoveDependencyEdge drops blockerID from the task's dependsOn and
// blockedBy sets.
func (b *Board) RemoveDependencyEdge(taskID, blockerID string) error {
	return b.mutate(func() error {
		t, err := b.get(taskID)
		if err != nil {
			return err
		}
		b.removeEdge(t, blockerID)
		return nil
	})
}

func (b *Board) removeEdge(t *Task, blockerID string) bool {
	before := len(t.DependsOn) + len(t.BlockedBy)
	t.DependsOn = slices.DeleteFunc(t.DependsOn, func(id string) bool { return id == blockerID })
	t.BlockedBy = slices.DeleteFunc(t.BlockedBy, func(id string) bool { return id == blockerID })
	if len(t.DependsOn)+len(t.BlockedBy) == before {
		return false
	}
	t.UpdatedAt = b.now()
	b.emit(Event{Type: EventUnblocked, Task: t.clone(), To: t.Status, Message: "unblocked by " + blockerID})
	return true
}

// unblockDependents strips blockerID from every task in the given columns.
func (b *Board) unblockDependents(blockerID string, columns ...Status) int {
	n := 0
	for _, status := range columns {
		for _, t := range b.columns[status] {
			if b.removeEdge(t, blockerID) {
				n++
			}
		}
	}
	return n
}

// OnTaskCompleted propagates completion of a sub-task to its parent.
func (b *Board) OnTaskCompleted(id string) error {
	return b.mutate(func() error {
		_, err := b.onTaskCompleted(id)
		return err
	})
}

func (b *Board) onTaskCompleted(id string) (bool, error) {
	t, err := b.get(id)
	if err != nil {
		return false, err
	}
	if !t.IsSubTask || t.ParentTaskID == "" {
		return false, nil
	}
	return b.checkParentCompletion(t.ParentTaskID)
}

// CheckParentCompletion moves the parent to done when every sub-task is done
// and reports whether it did. Partial progress leaves the parent in place.
func (b *Board) CheckParentCompletion(parentID string) (bool, error) {
	var completed bool
	err := b.mutate(func() error {
		var err error
		completed, err = b.checkParentCompletion(parentID)
		return err
	})
	return completed, err
}

func (b *Board) checkParentCompletion(parentID string) (bool, error) {
	parent, err := b.get(parentID)
	if err != nil {
		return false, err
	}
	total := len(parent.SubTaskIDs)
	if total == 0 {
		return false, nil
	}
	if b.doneCount(parent) < total {
		return false, nil
	}
	if parent.Status == StatusDone {
		return true, nil
	}

	if _, err := b.move(parentID, StatusDone); err != nil {
		return false, err
	}
	msg := fmt.Sprintf("All %d sub-tasks completed.", total)
	if parent.AIResponse == "" {
		parent.AIResponse = msg
	} else {
		parent.AIResponse += "\n\n" + msg
	}
	b.logger.WithFields(logrus.Fields{"task": parentID, "sub_tasks": total}).Info("parent task completed")
	b.emit(Event{Type: EventParentCompleted, Task: parent.clone(), To: StatusDone, Message: msg})
	return true, nil
}

// doneCount counts sub-tasks in the done column, scanning the whole board.
func (b *Board) doneCount(parent *Task) int {
	n := 0
	for _, sid := range parent.SubTaskIDs {
		if t, _, _ := b.locate(sid); t != nil && t.Status == StatusDone {
			n++
		}
	}
	return n
}

// Progress returns how many of the parent's sub-tasks are done. Informational
// only; it never gates movement.
func (b *Board) Progress(parentID string) (done, total int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent, err := b.get(parentID)
	if err != nil {
		return 0, 0, err
	}
	return b.doneCount(parent), len(parent.SubTaskIDs), nil
}

// Drag applies a manual move. Dragging into done clears the task from the
// dependency sets of every todo task without moving them, and propagates
// completion to the parent. Done tasks stay done, an executing task cannot be
// dragged, and a parent cannot be dragged to done while a sub-task is open.
func (b *Board) Drag(id string, target Status) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, from, _ := b.locate(id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if from == target {
			out = t.clone()
			return nil
		}
		if from == StatusDone {
			return fmt.Errorf("%w: %s", ErrTerminal, id)
		}
		if t.Execution != nil {
			return fmt.Errorf("%w: %s", ErrExecuting, id)
		}
		if target == StatusDone && t.IsParent() && b.doneCount(t) < len(t.SubTaskIDs) {
			return fmt.Errorf("%w: %s", ErrParentCompletionDerived, id)
		}
		if _, err := b.move(id, target); err != nil {
			return err
		}
		if target == StatusDone {
			b.unblockDependents(id, StatusTodo)
			if _, err := b.onTaskCompleted(id); err != nil {
				return err
			}
		}
		out = t.clone()
		return nil
	})
	return out, err
}

// BeginExecution attaches exec as the task's active execution and moves the
// task to doing.
func (b *Board) BeginExecution(id string, exec Execution) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, err := b.get(id)
		if err != nil {
			return err
		}
		if t.Status == StatusDone {
			return fmt.Errorf("%w: %s", ErrTerminal, id)
		}
		e := exec
		t.Execution = &e
		if _, err := b.move(id, StatusDoing); err != nil {
			return err
		}
		b.emit(Event{Type: EventExecutionStart, Task: t.clone(), To: StatusDoing, Message: string(exec.Type)})
		out = t.clone()
		return nil
	})
	return out, err
}

// CompleteExecution records a successful execution and attaches the raw
// result for display. A plain task moves to done, unblocks its dependents
// and propagates completion to its parent. A parent task keeps its column;
// its completion is derived from its sub-tasks. A task that has left doing
// in the meantime only gets the history entry.
func (b *Board) CompleteExecution(id string, exec Execution, result string) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, err := b.get(id)
		if err != nil {
			return err
		}
		b.finish(t, exec)
		if t.Status != StatusDoing {
			b.emit(Event{Type: EventExecutionDone, Task: t.clone(), To: t.Status, Message: string(exec.Type)})
			out = t.clone()
			return nil
		}
		t.AIResponse = result
		b.emit(Event{Type: EventExecutionDone, Task: t.clone(), To: t.Status, Message: string(exec.Type)})

		if t.IsParent() {
			if _, err := b.checkParentCompletion(id); err != nil {
				return err
			}
		} else {
			if _, err := b.move(id, StatusDone); err != nil {
				return err
			}
			b.unblockDependents(id, Columns...)
			if _, err := b.onTaskCompleted(id); err != nil {
				return err
			}
		}
		out = t.clone()
		return nil
	})
	return out, err
}

// FailExecution records a failed execution, annotates the card with the
// error and returns it to todo for a manual retry. A task that has left
// doing in the meantime only gets the history entry.
func (b *Board) FailExecution(id string, exec Execution, errMsg string) (Task, error) {
	var out Task
	err := b.mutate(func() error {
		t, err := b.get(id)
		if err != nil {
			return err
		}
		exec.Error = errMsg
		b.finish(t, exec)
		if t.Status != StatusDoing {
			b.emit(Event{Type: EventExecutionFailed, Task: t.clone(), To: t.Status, Message: errMsg})
			out = t.clone()
			return nil
		}
		t.AIResponse = "Error: " + errMsg
		if _, err := b.move(id, StatusTodo); err != nil {
			return err
		}
		b.emit(Event{Type: EventExecutionFailed, Task: t.clone(), To: StatusTodo, Message: errMsg})
		out = t.clone()
		return nil
	})
	return out, err
}

func (b *Board) finish(t *Task, exec Execution) {
	if exec.CompletedAt == nil {
		now := b.now()
		exec.CompletedAt = &now
	}
	t.ExecutionHistory = append(t.ExecutionHistory, exec)
	t.Execution = nil
	t.UpdatedAt = b.now()
}

// Validate checks the structural invariants: every task sits in the column
// matching its status and containerId, and ids are unique.
func (b *Board) Validate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	for _, status := range Columns {
		for _, t := range b.columns[status] {
			if seen[t.ID] {
				return fmt.Errorf("task %s listed twice", t.ID)
			}
			seen[t.ID] = true
			if t.Status != status || t.ContainerID != string(status) {
				return fmt.Errorf("task %s in column %s has status %s / container %s", t.ID, status, t.Status, t.ContainerID)
			}
		}
	}
	return nil
}
