package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/api"
	cflog "github.com/imkarma/cardflow/internal/log"
)

const plannerSystemPrompt = `You are an expert project manager. Your job is to analyze a user's request and break it down into a series of logical, actionable task cards with dependencies.

You MUST respond with a single JSON object with a single key, "cards", containing a list of task card objects.

For EACH card in the list, you MUST:
1. Assign a unique "card_id" string (e.g. "task-1", "task-2"). This id is local to this response.
2. Fill out "title" and "description".
3. Set "task_type": "research_task" for investigation, "phone_task" for calling experts or team members to share results. Anything else is handled by a generic agent.
4. For any card that depends on another, list the prerequisite card_id in its "dependencies". The first card(s) have an empty list.

Example:
{
  "cards": [
    {"card_id": "task-1", "title": "Research German EV Market", "description": "Analyze the German market for electric vehicles.", "task_type": "research_task", "status": "todo", "parameters": {"scope": "Market Analysis"}, "dependencies": []},
    {"card_id": "task-2", "title": "Call Supervisor", "description": "Inform supervisor of the research results.", "task_type": "phone_task", "status": "todo", "parameters": null, "dependencies": ["task-1"]}
  ]
}`

const agentSystemPrompt = `You are a capable assistant executing one task of a larger plan. Reply with the result of the task only, without preamble.`

// Planner turns a model runner into the decomposition service and the generic
// agent, so a board can run without the remote backend.
type Planner struct {
	runner    Runner
	agentID   string
	attempts  int
	baseDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    logrus.FieldLogger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithRetry sets the number of attempts and the base backoff delay.
func WithRetry(attempts int, base time.Duration) PlannerOption {
	return func(p *Planner) {
		if attempts < 1 {
			attempts = 1
		}
		p.attempts = attempts
		p.baseDelay = base
	}
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PlannerOption {
	return func(p *Planner) { p.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner wraps runner.
func NewPlanner(runner Runner, opts ...PlannerOption) *Planner {
	p := &Planner{
		runner:    runner,
		agentID:   "new-card-func-" + uuid.New().String()[:8],
		attempts:  3,
		baseDelay: 2 * time.Second,
		sleep:     sleepContext,
		logger:    cflog.GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AgentID identifies this planner in task metadata.
func (p *Planner) AgentID() string { return p.agentID }

// CreateNewCardFromPrompt asks the model to decompose prompt into cards and
// validates the dependency graph it returns.
func (p *Planner) CreateNewCardFromPrompt(ctx context.Context, prompt string, cardCtx api.CardContext) (*api.NewCardResponse, error) {
	start := time.Now()
	p.logger.WithField("task", cardCtx.Card.ID).Infof("planner processing prompt: %q", preview(prompt, 70))

	var user strings.Builder
	if cardCtx.Card.Title != "" {
		user.WriteString(fmt.Sprintf("Card: %s\n", cardCtx.Card.Title))
		if cardCtx.Card.Description != "" {
			user.WriteString(cardCtx.Card.Description + "\n")
		}
		user.WriteString("\n")
	}
	user.WriteString(prompt)

	resp, attempts, err := p.run(ctx, Request{TaskID: cardCtx.Card.ID, System: plannerSystemPrompt, Prompt: user.String()})
	if err != nil {
		return nil, err
	}

	cards, err := ParseCards(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("model returned invalid data: %w", err)
	}
	if err := ValidateDependencies(cards); err != nil {
		return nil, err
	}

	return &api.NewCardResponse{
		CardData:      cards,
		AgentID:       p.agentID,
		ExecutionTime: time.Since(start).Seconds(),
		Metadata: map[string]any{
			"model_used":    resp.Model,
			"card_count":    len(cards),
			"attempts_made": attempts,
		},
	}, nil
}

// TriggerAgent runs prompt through the model as the generic agent.
func (p *Planner) TriggerAgent(ctx context.Context, prompt string, agentCtx map[string]any) (*api.AgentResponse, error) {
	taskID, _ := agentCtx["task_id"].(string)
	resp, _, err := p.run(ctx, Request{TaskID: taskID, System: agentSystemPrompt, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	return &api.AgentResponse{
		Response:      strings.TrimSpace(resp.Output),
		AgentID:       p.agentID,
		ExecutionTime: resp.Duration,
		Metadata:      map[string]any{"model_used": resp.Model},
	}, nil
}

// run calls the model, backing off exponentially on overload and rate limits.
func (p *Planner) run(ctx context.Context, req Request) (*Response, int, error) {
	for attempt := 0; attempt < p.attempts; attempt++ {
		resp, err := p.runner.Run(ctx, req)
		if err != nil {
			return nil, attempt + 1, err
		}
		if resp.Error == nil {
			return resp, attempt + 1, nil
		}
		if !retryable(resp) || attempt == p.attempts-1 {
			return nil, attempt + 1, fmt.Errorf("model unavailable after %d attempts: %w", attempt+1, resp.Error)
		}

		delay := p.baseDelay * time.Duration(1<<attempt)
		p.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"of":      p.attempts,
			"delay":   delay,
		}).Warn("model overloaded or rate limited, retrying")
		if err := p.sleep(ctx, delay); err != nil {
			return nil, attempt + 1, err
		}
	}
	return nil, p.attempts, fmt.Errorf("model unavailable after %d attempts", p.attempts)
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
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
