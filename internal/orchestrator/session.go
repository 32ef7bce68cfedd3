// Package orchestrator runs the board session: it sends a task to the
// decomposition service, inserts the returned sub-tasks as one batch, orders
// them by dependency and drives each through the dispatcher, one at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/board"
	"github.com/imkarma/cardflow/internal/config"
	"github.com/imkarma/cardflow/internal/dispatch"
	"github.com/imkarma/cardflow/internal/execution"
	cflog "github.com/imkarma/cardflow/internal/log"
	"github.com/imkarma/cardflow/internal/sequencer"
	"github.com/imkarma/cardflow/internal/store"
)

var ErrStopped = errors.New("session stopped")

// Decomposer splits a task into sub-task descriptors.
type Decomposer interface {
	CreateNewCardFromPrompt(ctx context.Context, prompt string, cardCtx api.CardContext) (*api.NewCardResponse, error)
}

// Deps are the collaborators a Session drives. Only Decomposer is required;
// a nil Journal disables journaling.
type Deps struct {
	Decomposer Decomposer
	Searcher   dispatch.Searcher
	Caller     dispatch.Caller
	Agent      dispatch.Agent
	Journal    *store.Store
	Metrics    *execution.Metrics
	Logger     logrus.FieldLogger

	// Test hooks.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Report summarizes one processed task.
type Report struct {
	ParentID string
	BatchID  string
	Order    []string
	Cycles   []sequencer.Edge
	Results  []sequencer.Result
	Rejected bool
}

// Failed counts sub-tasks whose execution failed.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Session owns one board with its tracker, sequencer and dispatcher. Its
// lifecycle ends with Stop.
type Session struct {
	cfg        *config.Config
	board      *board.Board
	tracker    *execution.Tracker
	seq        *sequencer.Sequencer
	dispatcher *dispatch.Dispatcher
	decomposer Decomposer
	journal    *store.Store
	logger     logrus.FieldLogger
	newID      func() string

	// runMu serializes batches so side effects never overlap.
	runMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	unsubs   []func()
	stopOnce sync.Once
}

// New creates a session from cfg and deps.
func New(cfg *config.Config, deps Deps) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Decomposer == nil {
		return nil, errors.New("a decomposer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = cflog.GetLogger()
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString()[:8] }
	}

	boardOpts := []board.Option{board.WithLogger(logger)}
	trackerOpts := []execution.Option{execution.WithLogger(logger), execution.WithMetrics(deps.Metrics)}
	if deps.Clock != nil {
		boardOpts = append(boardOpts, board.WithClock(deps.Clock))
		trackerOpts = append(trackerOpts, execution.WithClock(deps.Clock))
	}
	b := board.New(boardOpts...)

	seqOpts := []sequencer.Option{
		sequencer.WithIdleDelay(cfg.Sequencer.IdleDelay()),
		sequencer.WithLogger(logger),
	}
	if deps.Sleep != nil {
		seqOpts = append(seqOpts, sequencer.WithSleep(deps.Sleep))
	}

	contacts := make([]dispatch.Contact, 0, len(cfg.Contacts))
	for _, c := range cfg.Contacts {
		contacts = append(contacts, dispatch.Contact{Name: c.Name, Number: c.Number})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		board:   b,
		tracker: execution.New(trackerOpts...),
		seq:     sequencer.New(b.Task, seqOpts...),
		dispatcher: dispatch.New(dispatch.Config{
			Searcher: deps.Searcher,
			Caller:   deps.Caller,
			Agent:    deps.Agent,
			Contacts: contacts,
			Flags:    dispatch.Flags{WebSearch: cfg.Features.WebSearch, PhoneCalls: cfg.Features.PhoneCalls},
			Lookup:   b.Task,
			Logger:   logger,
		}),
		decomposer: deps.Decomposer,
		journal:    deps.Journal,
		logger:     logger,
		newID:      newID,
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.journal != nil {
		s.unsubs = append(s.unsubs, b.Subscribe(store.NewJournal(s.journal, logger).OnEvent))
	}
	return s, nil
}

// Board returns the session's board.
func (s *Session) Board() *board.Board { return s.board }

// Tracker returns the session's execution tracker.
func (s *Session) Tracker() *execution.Tracker { return s.tracker }

// Stats returns the current execution stats.
func (s *Session) Stats() execution.Stats { return s.tracker.Stats() }

// Flags returns the current feature toggles.
func (s *Session) Flags() dispatch.Flags { return s.dispatcher.Flags() }

// SetWebSearch toggles web search. It applies to the next dispatch.
func (s *Session) SetWebSearch(on bool) { s.dispatcher.SetWebSearch(on) }

// SetPhoneCalls toggles phone calls. It applies to the next dispatch.
func (s *Session) SetPhoneCalls(on bool) { s.dispatcher.SetPhoneCalls(on) }

// CreateTask adds a user task to the todo column.
func (s *Session) CreateTask(title, description string) (board.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return board.Task{}, errors.New("title is required")
	}
	return s.board.AddTask(board.Task{
		ID:          "task-" + s.newID(),
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      board.StatusTodo,
	})
}

// Drag applies a manual column move.
func (s *Session) Drag(id string, target board.Status) (board.Task, error) {
	return s.board.Drag(id, target)
}

// Execute runs a single task again, typically after it failed back into
// todo. A top-level task without sub-tasks is decomposed; anything else is
// dispatched on its own.
func (s *Session) Execute(ctx context.Context, id string) error {
	task, ok := s.board.Task(id)
	if !ok {
		return fmt.Errorf("%w: %s", board.ErrTaskNotFound, id)
	}
	if !task.IsSubTask && !task.IsParent() {
		_, err := s.Process(ctx, id)
		return err
	}
	if task.IsParent() {
		return fmt.Errorf("task %s already has sub-tasks", id)
	}

	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.executeTask(ctx, task)
}

// Process decomposes the task and runs the resulting batch. Per-task
// failures are recorded on the board and in the report, never returned.
// The returned error covers the decomposition step only.
func (s *Session) Process(ctx context.Context, taskID string) (*Report, error) {
	ctx, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	parent, ok := s.board.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", board.ErrTaskNotFound, taskID)
	}
	if parent.IsParent() {
		return nil, fmt.Errorf("task %s was already decomposed", taskID)
	}
	log := s.logger.WithField("task", taskID)

	s.tracker.StartExecution(taskID, board.ExecutionAIProcessing, "")
	if err := s.begin(taskID); err != nil {
		s.tracker.FailExecution(taskID, err.Error())
		return nil, err
	}

	resp, err := s.decomposer.CreateNewCardFromPrompt(ctx, promptFor(parent), api.CardContext{
		Card: api.CardRef{ID: parent.ID, Title: parent.Title, Description: parent.Description},
	})
	if err != nil {
		s.fail(taskID, err)
		return nil, fmt.Errorf("decompose %s: %w", taskID, err)
	}

	report := &Report{ParentID: taskID, BatchID: "batch-" + s.newID()}
	if len(resp.CardData) == 0 {
		log.Info("decomposition returned no sub-tasks")
		s.complete(taskID, resp.AgentID, "No sub-tasks were created.")
		return report, nil
	}

	added, err := s.board.AddBatch(taskID, report.BatchID, s.buildBatch(resp))
	if err != nil {
		s.fail(taskID, err)
		return nil, fmt.Errorf("add batch: %w", err)
	}
	log.WithFields(logrus.Fields{"batch": report.BatchID, "sub_tasks": len(added)}).Info("task decomposed")

	seq := s.seq.Plan(added)
	report.Order = seq.Order
	report.Cycles = seq.Cycles
	if err := seq.Err(); err != nil && s.cfg.Sequencer.OnCycle == config.OnCycleReject {
		report.Rejected = true
		s.fail(taskID, err)
		s.recordRun(report, store.RunRejected, 0)
		return report, nil
	}
	s.complete(taskID, resp.AgentID, fmt.Sprintf("Created %d sub-tasks.", len(added)))

	runID := s.startRun(report, len(added))
	report.Results = s.seq.Run(ctx, seq.Order, s.executeTask)
	status := store.RunCompleted
	if ctx.Err() != nil {
		status = store.RunCancelled
	}
	s.endRun(runID, status, report.Failed())
	return report, nil
}

// Stop cancels any running batch between tasks and releases the tracker and
// the journal. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.runMu.Lock()
		defer s.runMu.Unlock()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.tracker.Close()
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.logger.WithError(err).Warn("close journal")
			}
		}
	})
}

// acquire takes the batch lock and derives a context that also ends with
// the session.
func (s *Session) acquire(ctx context.Context) (context.Context, func(), error) {
	if s.ctx.Err() != nil {
		return nil, nil, ErrStopped
	}
	s.runMu.Lock()
	if s.ctx.Err() != nil {
		s.runMu.Unlock()
		return nil, nil, ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		s.runMu.Unlock()
	}, nil
}

// executeTask runs one sub-task through its capability. Failures land on the
// card and are returned for the report.
func (s *Session) executeTask(ctx context.Context, task board.Task) error {
	if task.Status == board.StatusDone {
		s.logger.WithField("task", task.ID).Info("sub-task already done, skipping")
		return nil
	}
	c := dispatch.Classify(task)
	s.tracker.StartExecution(task.ID, c.ExecutionType(), "")
	if err := s.begin(task.ID); err != nil {
		s.tracker.FailExecution(task.ID, err.Error())
		return err
	}

	// Re-read so prompts see the latest dependency results.
	if fresh, ok := s.board.Task(task.ID); ok {
		task = fresh
	}
	out, err := s.dispatcher.Dispatch(ctx, task, c)
	if err != nil {
		s.fail(task.ID, err)
		return err
	}
	s.complete(task.ID, out.AgentID, out.Result)
	return nil
}

func (s *Session) begin(taskID string) error {
	exec, _ := s.tracker.Execution(taskID)
	_, err := s.board.BeginExecution(taskID, exec)
	return err
}

func (s *Session) complete(taskID, agentID, result string) {
	exec, ok := s.tracker.CompleteExecution(taskID)
	if !ok {
		exec = board.Execution{TaskID: taskID, Status: board.ExecutionCompleted}
	}
	if agentID != "" {
		exec.AgentID = agentID
	}
	if _, err := s.board.CompleteExecution(taskID, exec, result); err != nil {
		s.logger.WithError(err).WithField("task", taskID).Warn("complete execution on board")
	}
}

func (s *Session) fail(taskID string, cause error) {
	msg := cause.Error()
	exec, ok := s.tracker.FailExecution(taskID, msg)
	if !ok {
		exec = board.Execution{TaskID: taskID, Status: board.ExecutionFailed}
	}
	if _, err := s.board.FailExecution(taskID, exec, msg); err != nil {
		s.logger.WithError(err).WithField("task", taskID).Warn("fail execution on board")
	}
}

// buildBatch turns decomposition cards into board tasks. Card ids are local
// to the response, so every card gets a fresh board id and dependencies are
// rewritten through the mapping. Unknown ids are kept so AddBatch rejects
// them as cross-batch edges.
func (s *Session) buildBatch(resp *api.NewCardResponse) []board.Task {
	ids := make(map[string]string, len(resp.CardData))
	for i, card := range resp.CardData {
		key := card.CardID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		ids[key] = "task-" + s.newID()
	}

	tasks := make([]board.Task, 0, len(resp.CardData))
	for i, card := range resp.CardData {
		key := card.CardID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		deps := make([]string, 0, len(card.Dependencies))
		for _, dep := range card.Dependencies {
			if mapped, ok := ids[dep]; ok {
				deps = append(deps, mapped)
			} else {
				deps = append(deps, dep)
			}
		}

		params := make(map[string]any, len(card.Parameters)+1)
		for k, v := range card.Parameters {
			params[k] = v
		}
		params[dispatch.DependenciesParam] = append([]string(nil), deps...)

		tasks = append(tasks, board.Task{
			ID:          ids[key],
			Title:       card.Title,
			Description: card.Description,
			DependsOn:   deps,
			BlockedBy:   append([]string(nil), deps...),
			AutoCreated: true,
			AIMetadata: &board.AIMetadata{
				TaskType:      card.TaskType,
				Parameters:    params,
				AgentID:       resp.AgentID,
				ExecutionTime: resp.ExecutionTime,
			},
		})
	}
	return tasks
}

func (s *Session) startRun(r *Report, count int) int64 {
	if s.journal == nil {
		return 0
	}
	id, err := s.journal.StartRun(r.BatchID, r.ParentID, count)
	if err != nil {
		s.logger.WithError(err).Warn("record run start")
	}
	return id
}

func (s *Session) endRun(id int64, status store.RunStatus, failed int) {
	if s.journal == nil || id == 0 {
		return
	}
	if err := s.journal.EndRun(id, status, failed); err != nil {
		s.logger.WithError(err).Warn("record run end")
	}
}

func (s *Session) recordRun(r *Report, status store.RunStatus, failed int) {
	s.endRun(s.startRun(r, len(r.Order)), status, failed)
}

func promptFor(t board.Task) string {
	if t.Description == "" {
		return t.Title
	}
	return t.Title + "\n\n" + t.Description
}
