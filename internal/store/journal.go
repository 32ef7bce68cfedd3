package store

import (
	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/board"
)

// Journal writes board events into a Store. Plug OnEvent into
// board.Subscribe.
type Journal struct {
	store  *Store
	logger logrus.FieldLogger
}

// NewJournal creates a journal writing to s.
func NewJournal(s *Store, logger logrus.FieldLogger) *Journal {
	return &Journal{store: s, logger: logger}
}

// OnEvent records ev, and the execution it started or finished. It runs
// inside the board's notification, so each transition waits for the write.
// Write failures are logged and never fail the transition.
func (j *Journal) OnEvent(ev board.Event) {
	if err := j.store.AddEvent(ev); err != nil {
		j.logger.WithError(err).WithField("task", ev.Task.ID).Warn("journal write failed")
	}

	var exec *board.Execution
	switch ev.Type {
	case board.EventExecutionStart:
		exec = ev.Task.Execution
	case board.EventExecutionDone, board.EventExecutionFailed:
		if n := len(ev.Task.ExecutionHistory); n > 0 {
			exec = &ev.Task.ExecutionHistory[n-1]
		}
	}
	if exec == nil {
		return
	}
	if err := j.store.RecordExecution(*exec); err != nil {
		j.logger.WithError(err).WithField("execution", exec.ID).Warn("journal write failed")
	}
}
