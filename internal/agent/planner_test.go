package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/config"
	cflog "github.com/imkarma/cardflow/internal/log"
)

// scriptedRunner returns its responses in order.
type scriptedRunner struct {
	responses []*Response
	requests  []Request
}

func (r *scriptedRunner) Run(_ context.Context, req Request) (*Response, error) {
	r.requests = append(r.requests, req)
	resp := r.responses[0]
	if len(r.responses) > 1 {
		r.responses = r.responses[1:]
	}
	return resp, nil
}

func (r *scriptedRunner) Name() string { return "scripted" }
func (r *scriptedRunner) Mode() string { return "cli" }

const twoCards = `{"cards": [
	{"card_id": "task-1", "title": "Research", "task_type": "research_task"},
	{"card_id": "task-2", "title": "Call", "task_type": "phone_task", "dependencies": ["task-1"]}
]}`

func newTestPlanner(r Runner, delays *[]time.Duration) *Planner {
	return NewPlanner(r,
		WithLogger(cflog.Discard()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		}),
	)
}

func TestPlanner_CreateNewCardFromPrompt(t *testing.T) {
	runner := &scriptedRunner{responses: []*Response{{Output: "```json\n" + twoCards + "\n```", Model: "m1"}}}
	var delays []time.Duration
	p := newTestPlanner(runner, &delays)

	resp, err := p.CreateNewCardFromPrompt(context.Background(), "research the EV market", api.CardContext{
		Card: api.CardRef{ID: "task-root", Title: "EV launch", Description: "Germany first"},
	})
	require.NoError(t, err)
	require.Len(t, resp.CardData, 2)
	assert.Equal(t, []string{"task-1"}, resp.CardData[1].Dependencies)
	assert.True(t, strings.HasPrefix(resp.AgentID, "new-card-func-"))
	assert.Equal(t, 1, resp.Metadata["attempts_made"])
	assert.Equal(t, "m1", resp.Metadata["model_used"])
	assert.Empty(t, delays)

	require.Len(t, runner.requests, 1)
	assert.Contains(t, runner.requests[0].System, `"cards"`)
	assert.Contains(t, runner.requests[0].Prompt, "EV launch")
	assert.Contains(t, runner.requests[0].Prompt, "research the EV market")
	assert.Equal(t, "task-root", runner.requests[0].TaskID)
}

func TestPlanner_RetriesOverloadWithBackoff(t *testing.T) {
	overloaded := &Response{ExitCode: 529, Error: errors.New("API returned status 529: overloaded")}
	runner := &scriptedRunner{responses: []*Response{overloaded, overloaded, {Output: twoCards}}}
	var delays []time.Duration
	p := newTestPlanner(runner, &delays)

	resp, err := p.CreateNewCardFromPrompt(context.Background(), "plan", api.CardContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Metadata["attempts_made"])
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestPlanner_GivesUpAfterMaxAttempts(t *testing.T) {
	limited := &Response{ExitCode: 429, Error: errors.New("API returned status 429")}
	runner := &scriptedRunner{responses: []*Response{limited}}
	var delays []time.Duration
	p := newTestPlanner(runner, &delays)

	_, err := p.CreateNewCardFromPrompt(context.Background(), "plan", api.CardContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, runner.requests, 3)
	assert.Len(t, delays, 2)
}

func TestPlanner_NonRetryableFailsImmediately(t *testing.T) {
	runner := &scriptedRunner{responses: []*Response{{ExitCode: 401, Error: errors.New("API returned status 401")}}}
	var delays []time.Duration
	_, err := newTestPlanner(runner, &delays).CreateNewCardFromPrompt(context.Background(), "plan", api.CardContext{})
	require.Error(t, err)
	assert.Len(t, runner.requests, 1)
}

func TestPlanner_RejectsDanglingDependency(t *testing.T) {
	runner := &scriptedRunner{responses: []*Response{{Output: `{"cards": [{"card_id": "a", "title": "A", "dependencies": ["zzz"]}]}`}}}
	var delays []time.Duration
	_, err := newTestPlanner(runner, &delays).CreateNewCardFromPrompt(context.Background(), "plan", api.CardContext{})
	assert.ErrorContains(t, err, "non-existent card_id")
}

func TestPlanner_InvalidOutput(t *testing.T) {
	runner := &scriptedRunner{responses: []*Response{{Output: "no json here"}}}
	var delays []time.Duration
	_, err := newTestPlanner(runner, &delays).CreateNewCardFromPrompt(context.Background(), "plan", api.CardContext{})
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestPlanner_TriggerAgent(t *testing.T) {
	runner := &scriptedRunner{responses: []*Response{{Output: "  the answer \n", Duration: 1.5}}}
	var delays []time.Duration
	p := newTestPlanner(runner, &delays)

	resp, err := p.TriggerAgent(context.Background(), "do it", map[string]any{"task_id": "t9"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Response)
	assert.Equal(t, p.AgentID(), resp.AgentID)
	assert.Equal(t, "t9", runner.requests[0].TaskID)
}

func TestAPIRunner_Anthropic(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"model": "claude-x", "content": [{"text": "hello"}]}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_LLM_KEY", "secret")
	r, err := NewAPIRunner("planner", config.LLM{Mode: "api", Provider: "anthropic", Model: "claude-x", APIKeyEnv: "TEST_LLM_KEY"})
	require.NoError(t, err)
	r.endpoint = srv.URL

	resp, err := r.Run(context.Background(), Request{System: "be brief", Prompt: "hi"})
	require.NoError(t, err)
	require.NoError(t, resp.Error)
	assert.Equal(t, "hello", resp.Output)
	assert.Equal(t, "claude-x", resp.Model)
	assert.Equal(t, "be brief", body["system"])
}

func TestAPIRunner_StatusIsExitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"error": "overloaded"}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_LLM_KEY", "secret")
	r, err := NewAPIRunner("planner", config.LLM{Mode: "api", Provider: "openai", APIKeyEnv: "TEST_LLM_KEY"})
	require.NoError(t, err)
	r.endpoint = srv.URL

	resp, err := r.Run(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 529, resp.ExitCode)
	assert.True(t, retryable(resp))
}

func TestNewAPIRunner_MissingKey(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "")
	_, err := NewAPIRunner("planner", config.LLM{Mode: "api", Provider: "openai", APIKeyEnv: "TEST_LLM_KEY"})
	assert.ErrorContains(t, err, "TEST_LLM_KEY")
}

func TestNewRunner_UnknownMode(t *testing.T) {
	_, err := NewRunner("x", config.LLM{Mode: "telepathy"})
	assert.Error(t, err)
}

func TestNewRunner_MissingCLI(t *testing.T) {
	_, err := NewRunner("planner", config.LLM{Mode: "cli", Cmd: "cardflow-no-such-binary"})
	assert.ErrorContains(t, err, "not found in PATH")
}

func TestPreview_KeepsRunesWhole(t *testing.T) {
	got := preview("ab€cd", 3)
	assert.Equal(t, "ab...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "abc", preview("abc", 3))
}
