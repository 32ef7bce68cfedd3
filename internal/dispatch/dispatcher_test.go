package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/board"
	cflog "github.com/imkarma/cardflow/internal/log"
)

type fakeServices struct {
	searches []string
	calls    []api.OutboundCallRequest
	prompts  []string
	err      error
}

func (f *fakeServices) PerformDeepSearch(_ context.Context, prompt string) (*api.DeepSearchResponse, error) {
	f.searches = append(f.searches, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &api.DeepSearchResponse{Response: "search says hi", AgentID: "searcher"}, nil
}

func (f *fakeServices) TriggerOutboundCall(_ context.Context, req api.OutboundCallRequest) (*api.OutboundCallResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &api.OutboundCallResponse{Success: true, CallID: "c1", Message: "queued", AssistantID: "voice"}, nil
}

func (f *fakeServices) TriggerAgent(_ context.Context, prompt string, _ map[string]any) (*api.AgentResponse, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &api.AgentResponse{Response: "agent result", AgentID: "generic"}, nil
}

var contacts = []Contact{{Name: "Alice", Number: "+1000"}, {Name: "Bob", Number: "+2000"}}

func typed(id, taskType string) board.Task {
	return board.Task{ID: id, Title: "Task " + id, AIMetadata: &board.AIMetadata{TaskType: taskType}}
}

func newDispatcher(f *fakeServices, flags Flags, tasks ...board.Task) *Dispatcher {
	byID := map[string]board.Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return New(Config{
		Searcher: f,
		Caller:   f,
		Agent:    f,
		Contacts: contacts,
		Flags:    flags,
		Lookup:   func(id string) (board.Task, bool) { t, ok := byID[id]; return t, ok },
		Logger:   cflog.Discard(),
	})
}

func TestClassify(t *testing.T) {
	assert.IsType(t, WebSearch{}, Classify(typed("a", TaskTypeResearch)))
	assert.IsType(t, PhoneCall{}, Classify(typed("a", TaskTypePhone)))
	assert.Equal(t, AIProcessing{TaskType: "email_task"}, Classify(typed("a", "email_task")))
	assert.Equal(t, AIProcessing{}, Classify(board.Task{ID: "manual"}))

	c := Classify(board.Task{Title: "Find suppliers", Description: "in Lyon", AIMetadata: &board.AIMetadata{TaskType: TaskTypeResearch}})
	assert.Equal(t, WebSearch{Query: "Find suppliers: in Lyon"}, c)
	assert.Equal(t, board.ExecutionWebSearch, c.ExecutionType())
}

func TestDispatch_WebSearch(t *testing.T) {
	f := &fakeServices{}
	d := newDispatcher(f, Flags{WebSearch: true})
	task := typed("r", TaskTypeResearch)

	out, err := d.Dispatch(context.Background(), task, Classify(task))
	require.NoError(t, err)
	assert.Equal(t, board.ExecutionWebSearch, out.Type)
	assert.Equal(t, "search says hi", out.Result)
	assert.Equal(t, "searcher", out.AgentID)
	require.Len(t, f.searches, 1)
	assert.Contains(t, f.searches[0], "Task r")
}

func TestDispatch_WebSearchDisabled(t *testing.T) {
	f := &fakeServices{}
	d := newDispatcher(f, Flags{})
	task := typed("r", TaskTypeResearch)

	_, err := d.Dispatch(context.Background(), task, Classify(task))
	assert.ErrorIs(t, err, ErrWebSearchDisabled)
	assert.Equal(t, "Web search is disabled", err.Error())
	assert.Empty(t, f.searches)
}

func TestDispatch_PhoneCallsDisabledBeforeAnyNetworkCall(t *testing.T) {
	f := &fakeServices{}
	d := newDispatcher(f, Flags{WebSearch: true})
	task := typed("p", TaskTypePhone)

	_, err := d.Dispatch(context.Background(), task, Classify(task))
	require.Error(t, err)
	assert.Equal(t, "Phone calls are disabled", err.Error())
	assert.Empty(t, f.calls)
	assert.Zero(t, d.CallCount(), "a refused call does not advance the rotation")
}

func TestDispatch_ContactRotation(t *testing.T) {
	f := &fakeServices{}
	d := newDispatcher(f, Flags{PhoneCalls: true})

	for _, id := range []string{"p1", "p2", "p3"} {
		task := typed(id, TaskTypePhone)
		_, err := d.Dispatch(context.Background(), task, Classify(task))
		require.NoError(t, err)
	}

	require.Len(t, f.calls, 3)
	assert.Equal(t, "+1000", f.calls[0].TargetNumber)
	assert.Equal(t, "Alice", f.calls[0].Name)
	assert.Equal(t, "+2000", f.calls[1].TargetNumber)
	assert.Equal(t, "+2000", f.calls[2].TargetNumber)
}

func TestDispatch_SingleContact(t *testing.T) {
	f := &fakeServices{}
	d := New(Config{Caller: f, Contacts: contacts[:1], Flags: Flags{PhoneCalls: true}, Logger: cflog.Discard()})
	for range 2 {
		task := typed("p", TaskTypePhone)
		_, err := d.Dispatch(context.Background(), task, Classify(task))
		require.NoError(t, err)
	}
	assert.Equal(t, "+1000", f.calls[1].TargetNumber)
}

func TestDispatch_NoContacts(t *testing.T) {
	d := New(Config{Caller: &fakeServices{}, Flags: Flags{PhoneCalls: true}, Logger: cflog.Discard()})
	task := typed("p", TaskTypePhone)
	_, err := d.Dispatch(context.Background(), task, Classify(task))
	assert.ErrorIs(t, err, ErrNoContacts)
}

func TestDispatch_MarketOverviewFromDependencies(t *testing.T) {
	parent := board.Task{ID: "P", Title: "Launch", Description: "Launch in France"}
	research := board.Task{ID: "r", Title: "Market study", AIResponse: "Demand is high", ParentTaskID: "P"}
	call := typed("c", TaskTypePhone)
	call.ParentTaskID = "P"
	call.Description = "ask for a quote"
	call.AIMetadata.Parameters = map[string]any{DependenciesParam: []string{"r"}}

	f := &fakeServices{}
	d := newDispatcher(f, Flags{PhoneCalls: true}, parent, research, call)

	out, err := d.Dispatch(context.Background(), call, Classify(call))
	require.NoError(t, err)
	require.Len(t, f.calls, 1)
	assert.Contains(t, f.calls[0].MarketOverview, "Demand is high")
	assert.Equal(t, "Task c: ask for a quote", f.calls[0].ActionToTake)
	assert.Contains(t, out.Result, "Alice")
	assert.Equal(t, "voice", out.AgentID)
}

func TestDispatch_MarketOverviewFallsBackToParent(t *testing.T) {
	parent := board.Task{ID: "P", Title: "Launch", Description: "Launch in France"}
	call := typed("c", TaskTypePhone)
	call.ParentTaskID = "P"

	f := &fakeServices{}
	d := newDispatcher(f, Flags{PhoneCalls: true}, parent, call)
	_, err := d.Dispatch(context.Background(), call, Classify(call))
	require.NoError(t, err)
	assert.Equal(t, "Launch in France", f.calls[0].MarketOverview)
}

func TestDispatch_AIProcessingFallback(t *testing.T) {
	f := &fakeServices{}
	d := newDispatcher(f, Flags{})
	task := typed("x", "write_email")

	out, err := d.Dispatch(context.Background(), task, Classify(task))
	require.NoError(t, err)
	assert.Equal(t, board.ExecutionAIProcessing, out.Type)
	assert.Equal(t, "agent result", out.Result)
	require.Len(t, f.prompts, 1)
	assert.Contains(t, f.prompts[0], "Type: write_email")
}

func TestDispatch_ServiceErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeServices{err: boom}
	d := newDispatcher(f, Flags{})
	task := typed("x", "")
	_, err := d.Dispatch(context.Background(), task, Classify(task))
	assert.ErrorIs(t, err, boom)
}

func TestToggles(t *testing.T) {
	d := newDispatcher(&fakeServices{}, Flags{WebSearch: true})
	d.SetPhoneCalls(true)
	d.SetWebSearch(false)
	assert.Equal(t, Flags{PhoneCalls: true}, d.Flags())
}

func TestDispatch_OverHTTP(t *testing.T) {
	var got api.OutboundCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/outbound-call", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success": false, "message": "line busy"}`))
	}))
	defer srv.Close()

	client := api.New(srv.URL, api.WithLogger(cflog.Discard()))
	d := New(Config{Caller: client, Contacts: contacts, Flags: Flags{PhoneCalls: true}, Logger: cflog.Discard()})
	task := typed("p", TaskTypePhone)

	_, err := d.Dispatch(context.Background(), task, Classify(task))
	assert.ErrorIs(t, err, api.ErrCallRejected)
	assert.Equal(t, "+1000", got.TargetNumber)
}
