package sequencer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/board"
	cflog "github.com/imkarma/cardflow/internal/log"
)

// DefaultIdleDelay is the pause between two tasks of a batch.
const DefaultIdleDelay = time.Second

// Lookup resolves a task id to the board's current copy of the task.
type Lookup func(id string) (board.Task, bool)

// ExecFunc runs a single task. Its error is recorded but never stops the batch.
type ExecFunc func(ctx context.Context, task board.Task) error

// Result holds the outcome of one task in a batch run.
type Result struct {
	TaskID   string
	Skipped  bool // task was not found on the board
	Err      error
	Duration time.Duration
}

// Sequencer drives an ordered batch through execution, one task at a time.
type Sequencer struct {
	lookup Lookup
	idle   time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger logrus.FieldLogger
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithIdleDelay sets the pause between tasks.
func WithIdleDelay(d time.Duration) Option {
	return func(s *Sequencer) { s.idle = d }
}

// WithSleep replaces the idle wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Sequencer) { s.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// New creates a sequencer that resolves tasks through lookup.
func New(lookup Lookup, opts ...Option) *Sequencer {
	s := &Sequencer{
		lookup: lookup,
		idle:   DefaultIdleDelay,
		sleep:  sleepContext,
		logger: cflog.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan sorts batch and logs every cycle it had to break.
func (s *Sequencer) Plan(batch []board.Task) Sequence {
	seq := Sort(batch)
	for _, e := range seq.Cycles {
		s.logger.WithFields(logrus.Fields{"task": e.From, "dependency": e.To}).
			Warn("circular dependency detected, proceeding")
	}
	return seq
}

// Run executes order strictly sequentially. Tasks missing from the board are
// skipped with a warning. A failing task does not stop the batch. The only
// way to stop early is cancelling ctx, which takes effect between tasks.
func (s *Sequencer) Run(ctx context.Context, order []string, exec ExecFunc) []Result {
	results := make([]Result, 0, len(order))
	for i, id := range order {
		if err := ctx.Err(); err != nil {
			s.logger.WithField("remaining", len(order)-i).Info("batch cancelled")
			return results
		}

		task, ok := s.lookup(id)
		if !ok {
			s.logger.WithField("task", id).Warn("sub-task not found, skipping")
			results = append(results, Result{TaskID: id, Skipped: true})
			continue
		}

		start := time.Now()
		err := exec(ctx, task)
		r := Result{TaskID: id, Err: err, Duration: time.Since(start)}
		if err != nil {
			s.logger.WithFields(logrus.Fields{"task": id, "error": err}).Warn("task failed, continuing batch")
		}
		results = append(results, r)

		if i < len(order)-1 && s.idle > 0 {
			if err := s.sleep(ctx, s.idle); err != nil {
				s.logger.WithField("remaining", len(order)-i-1).Info("batch cancelled")
				return results
			}
		}
	}
	return results
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
