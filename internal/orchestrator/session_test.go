package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/board"
	"github.com/imkarma/cardflow/internal/config"
	"github.com/imkarma/cardflow/internal/dispatch"
	cflog "github.com/imkarma/cardflow/internal/log"
	"github.com/imkarma/cardflow/internal/sequencer"
	"github.com/imkarma/cardflow/internal/store"
)

// fakeDecomposer returns the cards registered for a parent title.
type fakeDecomposer struct {
	mu    sync.Mutex
	cards map[string][]api.CardData
	err   error
	seen  []api.CardContext
}

func (f *fakeDecomposer) CreateNewCardFromPrompt(_ context.Context, _ string, cardCtx api.CardContext) (*api.NewCardResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, cardCtx)
	if f.err != nil {
		return nil, f.err
	}
	return &api.NewCardResponse{
		CardData:      f.cards[cardCtx.Card.Title],
		AgentID:       "new-card-func-test",
		ExecutionTime: 0.5,
	}, nil
}

// fakeBackend implements the search, call and agent services.
type fakeBackend struct {
	mu       sync.Mutex
	searches []string
	calls    []api.OutboundCallRequest
	prompts  []string

	inflight    atomic.Int32
	maxInflight atomic.Int32
	searchErr   error
}

func (f *fakeBackend) enter() func() {
	n := f.inflight.Add(1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { f.inflight.Add(-1) }
}

func (f *fakeBackend) PerformDeepSearch(_ context.Context, prompt string) (*api.DeepSearchResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, prompt)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &api.DeepSearchResponse{Response: "EV demand grows 30% a year", AgentID: "search-agent"}, nil
}

func (f *fakeBackend) TriggerOutboundCall(_ context.Context, req api.OutboundCallRequest) (*api.OutboundCallResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return &api.OutboundCallResponse{Success: true, CallID: fmt.Sprintf("call-%d", len(f.calls)), AssistantID: "voice"}, nil
}

func (f *fakeBackend) TriggerAgent(_ context.Context, prompt string, _ map[string]any) (*api.AgentResponse, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return &api.AgentResponse{Response: "draft written", AgentID: "agent"}, nil
}

type fixture struct {
	session *Session
	decomp  *fakeDecomposer
	backend *fakeBackend
	sleeps  *[]time.Duration
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Features.PhoneCalls = true
	cfg.Contacts = []config.Contact{
		{Name: "Alice", Number: "+100"},
		{Name: "Bob", Number: "+200"},
	}
	cfg.Journal = ""
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, journal *store.Store) *fixture {
	t.Helper()
	f := &fixture{
		decomp:  &fakeDecomposer{cards: map[string][]api.CardData{}},
		backend: &fakeBackend{},
		sleeps:  new([]time.Duration),
	}
	var mu sync.Mutex
	var n int
	s, err := New(cfg, Deps{
		Decomposer: f.decomp,
		Searcher:   f.backend,
		Caller:     f.backend,
		Agent:      f.backend,
		Journal:    journal,
		Logger:     cflog.Discard(),
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			*f.sleeps = append(*f.sleeps, d)
			return nil
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("%04d", n)
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	f.session = s
	return f
}

func (f *fixture) byTitle(t *testing.T, title string) board.Task {
	t.Helper()
	for _, col := range f.session.Board().Snapshot() {
		for _, task := range col {
			if task.Title == title {
				return task
			}
		}
	}
	t.Fatalf("no task titled %q", title)
	return board.Task{}
}

var launchCards = []api.CardData{
	{CardID: "c1", Title: "Research EV market", TaskType: dispatch.TaskTypeResearch},
	{CardID: "c2", Title: "Call dealer", TaskType: dispatch.TaskTypePhone, Dependencies: []string{"c1"}},
	{CardID: "c3", Title: "Write summary", TaskType: "writing_task", Dependencies: []string{"c2"}},
}

func TestProcess_RunsBatchToCompletion(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.cards["Launch EV"] = launchCards

	parent, err := f.session.CreateTask("Launch EV", "Germany first")
	require.NoError(t, err)

	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, report.Order, 3)
	assert.Empty(t, report.Cycles)
	assert.Zero(t, report.Failed())

	research := f.byTitle(t, "Research EV market")
	call := f.byTitle(t, "Call dealer")
	summary := f.byTitle(t, "Write summary")
	assert.Equal(t, []string{research.ID, call.ID, summary.ID}, report.Order)

	for _, task := range []board.Task{research, call, summary} {
		assert.Equal(t, board.StatusDone, task.Status, task.Title)
		assert.Equal(t, "done", task.ContainerID)
		assert.True(t, task.AutoCreated)
		assert.True(t, task.IsSubTask)
		assert.Equal(t, report.BatchID, task.BatchID)
		assert.Empty(t, task.DependsOn)
		assert.Empty(t, task.BlockedBy)
		require.Len(t, task.ExecutionHistory, 1)
		assert.Equal(t, board.ExecutionCompleted, task.ExecutionHistory[0].Status)
	}
	assert.Equal(t, "EV demand grows 30% a year", research.AIResponse)
	assert.Equal(t, board.ExecutionWebSearch, research.ExecutionHistory[0].Type)
	assert.Equal(t, board.ExecutionPhoneCall, call.ExecutionHistory[0].Type)
	assert.Equal(t, board.ExecutionAIProcessing, summary.ExecutionHistory[0].Type)

	got := f.byTitle(t, "Launch EV")
	assert.Equal(t, board.StatusDone, got.Status)
	assert.Contains(t, got.AIResponse, "All 3 sub-tasks completed.")
	require.Len(t, got.ExecutionHistory, 1)
	assert.Equal(t, "new-card-func-test", got.ExecutionHistory[0].AgentID)

	require.Len(t, f.backend.calls, 1)
	assert.Equal(t, "Alice", f.backend.calls[0].Name)
	assert.Contains(t, f.backend.calls[0].MarketOverview, "EV demand grows 30% a year")

	assert.Empty(t, f.session.Tracker().ExecutingTasks())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *f.sleeps)
	require.NoError(t, f.session.Board().Validate())
}

func TestProcess_PhoneCallsDisabledFailsOnlyThatTask(t *testing.T) {
	cfg := testConfig()
	cfg.Features.PhoneCalls = false
	f := newFixture(t, cfg, nil)
	f.decomp.cards["Launch EV"] = launchCards

	parent, _ := f.session.CreateTask("Launch EV", "")
	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	require.Len(t, report.Results, 3)
	assert.ErrorIs(t, report.Results[1].Err, dispatch.ErrPhoneCallsDisabled)

	call := f.byTitle(t, "Call dealer")
	assert.Equal(t, board.StatusTodo, call.Status)
	assert.Equal(t, "todo", call.ContainerID)
	assert.Equal(t, "Error: Phone calls are disabled", call.AIResponse)
	require.Len(t, call.ExecutionHistory, 1)
	assert.Equal(t, board.ExecutionFailed, call.ExecutionHistory[0].Status)
	assert.Equal(t, "Phone calls are disabled", call.ExecutionHistory[0].Error)
	assert.Empty(t, f.backend.calls)

	// Best effort: the dependent still ran.
	assert.Equal(t, board.StatusDone, f.byTitle(t, "Write summary").Status)
	assert.Equal(t, board.StatusDoing, f.byTitle(t, "Launch EV").Status)
	assert.Empty(t, f.session.Tracker().ExecutingTasks())
}

func TestProcess_PhoneTasksRotateContacts(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.cards["Outreach"] = []api.CardData{
		{CardID: "a", Title: "Call first", TaskType: dispatch.TaskTypePhone},
		{CardID: "b", Title: "Call second", TaskType: dispatch.TaskTypePhone, Dependencies: []string{"a"}},
	}

	parent, _ := f.session.CreateTask("Outreach", "")
	_, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)

	require.Len(t, f.backend.calls, 2)
	assert.Equal(t, "+100", f.backend.calls[0].TargetNumber)
	assert.Equal(t, "+200", f.backend.calls[1].TargetNumber)
}

func TestProcess_CycleProceedsByDefault(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.cards["Loop"] = []api.CardData{
		{CardID: "a", Title: "A", Dependencies: []string{"b"}},
		{CardID: "b", Title: "B", Dependencies: []string{"a"}},
	}

	parent, _ := f.session.CreateTask("Loop", "")
	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Len(t, report.Order, 2)
	require.Len(t, report.Cycles, 1)
	assert.False(t, report.Rejected)
	assert.Len(t, report.Results, 2)
	assert.Equal(t, board.StatusDone, f.byTitle(t, "Loop").Status)
}

func TestProcess_CycleRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Sequencer.OnCycle = config.OnCycleReject
	f := newFixture(t, cfg, nil)
	f.decomp.cards["Loop"] = []api.CardData{
		{CardID: "a", Title: "A", Dependencies: []string{"b"}},
		{CardID: "b", Title: "B", Dependencies: []string{"a"}},
	}

	parent, _ := f.session.CreateTask("Loop", "")
	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.True(t, report.Rejected)
	assert.Empty(t, report.Results)
	assert.Empty(t, f.backend.prompts)

	got := f.byTitle(t, "Loop")
	assert.Equal(t, board.StatusTodo, got.Status)
	assert.Contains(t, got.AIResponse, sequencer.ErrCycle.Error())
	assert.Equal(t, board.StatusTodo, f.byTitle(t, "A").Status)
}

func TestProcess_UnknownDependencyRejectsBatch(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.cards["Broken"] = []api.CardData{
		{CardID: "a", Title: "A", Dependencies: []string{"elsewhere"}},
	}

	parent, _ := f.session.CreateTask("Broken", "")
	_, err := f.session.Process(context.Background(), parent.ID)
	require.Error(t, err)
	var cerr *board.CrossBatchError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "elsewhere", cerr.DependencyID)
	assert.ErrorIs(t, err, board.ErrCrossBatchDependency)

	got := f.byTitle(t, "Broken")
	assert.Equal(t, board.StatusTodo, got.Status)
	assert.Empty(t, got.SubTaskIDs)
	assert.Len(t, f.session.Board().Column(board.StatusTodo), 1)
}

func TestProcess_NoCardsCompletesParent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	parent, _ := f.session.CreateTask("Nothing to do", "")

	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Order)
	assert.Equal(t, board.StatusDone, f.byTitle(t, "Nothing to do").Status)
}

func TestProcess_DecompositionFailure(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.err = &api.StatusError{Code: 503, Body: "down"}
	parent, _ := f.session.CreateTask("Launch EV", "")

	_, err := f.session.Process(context.Background(), parent.ID)
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)

	got := f.byTitle(t, "Launch EV")
	assert.Equal(t, board.StatusTodo, got.Status)
	assert.Contains(t, got.AIResponse, "Error: ")
	assert.Empty(t, f.session.Tracker().ExecutingTasks())
}

func TestProcess_PassesCardContext(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	parent, _ := f.session.CreateTask("Launch EV", "Germany first")
	_, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)

	require.Len(t, f.decomp.seen, 1)
	assert.Equal(t, api.CardRef{ID: parent.ID, Title: "Launch EV", Description: "Germany first"}, f.decomp.seen[0].Card)
}

func TestProcess_CancelStopsBetweenTasks(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.decomp.cards["Launch EV"] = launchCards

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.session.seq = sequencer.New(f.session.board.Task,
		sequencer.WithLogger(cflog.Discard()),
		sequencer.WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	parent, _ := f.session.CreateTask("Launch EV", "")
	report, err := f.session.Process(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, board.StatusDone, f.byTitle(t, "Research EV market").Status)
	assert.Equal(t, board.StatusTodo, f.byTitle(t, "Call dealer").Status)
	assert.Equal(t, board.StatusDoing, f.byTitle(t, "Launch EV").Status)
}

func TestProcess_BatchesNeverOverlap(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	for _, title := range []string{"P1", "P2"} {
		f.decomp.cards[title] = []api.CardData{
			{CardID: "a", Title: title + " search", TaskType: dispatch.TaskTypeResearch},
			{CardID: "b", Title: title + " write"},
		}
	}
	p1, _ := f.session.CreateTask("P1", "")
	p2, _ := f.session.CreateTask("P2", "")

	var wg sync.WaitGroup
	for _, id := range []string{p1.ID, p2.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.session.Process(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.backend.maxInflight.Load())
	assert.Equal(t, board.StatusDone, f.byTitle(t, "P1").Status)
	assert.Equal(t, board.StatusDone, f.byTitle(t, "P2").Status)
}

func TestExecute_RetriesFailedSubTask(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.backend.searchErr = errors.New("connection refused")
	f.decomp.cards["Launch EV"] = launchCards[:1]

	parent, _ := f.session.CreateTask("Launch EV", "")
	_, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)
	research := f.byTitle(t, "Research EV market")
	require.Equal(t, board.StatusTodo, research.Status)
	assert.Equal(t, "Error: connection refused", research.AIResponse)

	f.backend.searchErr = nil
	require.NoError(t, f.session.Execute(context.Background(), research.ID))

	research = f.byTitle(t, "Research EV market")
	assert.Equal(t, board.StatusDone, research.Status)
	assert.Len(t, research.ExecutionHistory, 2)
	assert.Equal(t, board.StatusDone, f.byTitle(t, "Launch EV").Status)
}

func TestDrag_DoneUnblocksTodoDependents(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.session.SetWebSearch(false)
	f.session.SetPhoneCalls(false)
	f.decomp.cards["Launch EV"] = launchCards[:2]

	parent, _ := f.session.CreateTask("Launch EV", "")
	_, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)

	research := f.byTitle(t, "Research EV market")
	call := f.byTitle(t, "Call dealer")
	require.Equal(t, []string{research.ID}, call.DependsOn)

	_, err = f.session.Drag(research.ID, board.StatusDone)
	require.NoError(t, err)

	call = f.byTitle(t, "Call dealer")
	assert.Equal(t, board.StatusTodo, call.Status)
	assert.Empty(t, call.DependsOn)
	assert.Empty(t, call.BlockedBy)
}

func TestSession_FeatureToggles(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	assert.Equal(t, dispatch.Flags{WebSearch: true, PhoneCalls: true}, f.session.Flags())
	f.session.SetWebSearch(false)
	assert.False(t, f.session.Flags().WebSearch)
}

func TestSession_CreateTaskRequiresTitle(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	_, err := f.session.CreateTask("   ", "desc")
	assert.Error(t, err)
}

func TestSession_StopRejectsNewWork(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	parent, _ := f.session.CreateTask("Launch EV", "")
	f.session.Stop()
	f.session.Stop()

	_, err := f.session.Process(context.Background(), parent.ID)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSession_JournalsRun(t *testing.T) {
	journal, err := store.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	f := newFixture(t, testConfig(), journal)
	f.decomp.cards["Launch EV"] = launchCards

	parent, _ := f.session.CreateTask("Launch EV", "")
	report, err := f.session.Process(context.Background(), parent.ID)
	require.NoError(t, err)

	runs, err := journal.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunCompleted, runs[0].Status)
	assert.Equal(t, report.BatchID, runs[0].BatchID)
	assert.Equal(t, 3, runs[0].TaskCount)

	events, err := journal.GetEvents(parent.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, string(board.EventParentCompleted), events[len(events)-1].Type)

	execs, err := journal.ListExecutions("", 10)
	require.NoError(t, err)
	assert.Len(t, execs, 4)

	interrupted, _ := journal.ListInterruptedRuns()
	assert.Empty(t, interrupted)
}
