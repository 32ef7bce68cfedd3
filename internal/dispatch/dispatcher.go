package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/imkarma/cardflow/internal/api"
	"github.com/imkarma/cardflow/internal/board"
	cflog "github.com/imkarma/cardflow/internal/log"
)

var (
	ErrWebSearchDisabled  = errors.New("Web search is disabled")
	ErrPhoneCallsDisabled = errors.New("Phone calls are disabled")
	ErrNoContacts         = errors.New("no phone contacts configured")
)

// Searcher performs deep web searches.
type Searcher interface {
	PerformDeepSearch(ctx context.Context, prompt string) (*api.DeepSearchResponse, error)
}

// Caller places outbound phone calls.
type Caller interface {
	TriggerOutboundCall(ctx context.Context, req api.OutboundCallRequest) (*api.OutboundCallResponse, error)
}

// Agent is the generic AI fallback.
type Agent interface {
	TriggerAgent(ctx context.Context, prompt string, agentCtx map[string]any) (*api.AgentResponse, error)
}

// Contact is a phone call target.
type Contact struct {
	Name   string
	Number string
}

// Flags are the runtime feature toggles read at dispatch time.
type Flags struct {
	WebSearch  bool
	PhoneCalls bool
}

// Outcome is the normalized result of a successful dispatch.
type Outcome struct {
	Type    board.ExecutionType
	Result  string
	AgentID string
}

// Config holds what a Dispatcher needs to reach the external services.
type Config struct {
	Searcher Searcher
	Caller   Caller
	Agent    Agent
	Contacts []Contact
	Flags    Flags
	Lookup   Lookup
	Logger   logrus.FieldLogger
}

// Dispatcher executes a classified task against its external capability.
type Dispatcher struct {
	searcher Searcher
	caller   Caller
	agent    Agent
	contacts []Contact
	prompts  *PromptBuilder
	logger   logrus.FieldLogger

	webSearch  atomic.Bool
	phoneCalls atomic.Bool
	calls      atomic.Int64
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		searcher: cfg.Searcher,
		caller:   cfg.Caller,
		agent:    cfg.Agent,
		contacts: append([]Contact(nil), cfg.Contacts...),
		prompts:  NewPromptBuilder(cfg.Lookup),
		logger:   cfg.Logger,
	}
	if d.logger == nil {
		d.logger = cflog.GetLogger()
	}
	d.webSearch.Store(cfg.Flags.WebSearch)
	d.phoneCalls.Store(cfg.Flags.PhoneCalls)
	return d
}

// Flags returns the current toggles.
func (d *Dispatcher) Flags() Flags {
	return Flags{WebSearch: d.webSearch.Load(), PhoneCalls: d.phoneCalls.Load()}
}

// SetWebSearch enables or disables web search.
func (d *Dispatcher) SetWebSearch(on bool) { d.webSearch.Store(on) }

// SetPhoneCalls enables or disables phone calls.
func (d *Dispatcher) SetPhoneCalls(on bool) { d.phoneCalls.Store(on) }

// Dispatch runs task against the capability c. Disabled features fail before
// any network call.
func (d *Dispatcher) Dispatch(ctx context.Context, task board.Task, c Capability) (Outcome, error) {
	log := d.logger.WithFields(logrus.Fields{"task": task.ID, "type": c.ExecutionType()})

	switch c := c.(type) {
	case WebSearch:
		if !d.webSearch.Load() {
			return Outcome{}, ErrWebSearchDisabled
		}
		if d.searcher == nil {
			return Outcome{}, errors.New("no search service configured")
		}
		log.Debug("dispatching web search")
		resp, err := d.searcher.PerformDeepSearch(ctx, d.prompts.SearchPrompt(task, c))
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Type: board.ExecutionWebSearch, Result: resp.Text(), AgentID: resp.AgentID}, nil

	case PhoneCall:
		if !d.phoneCalls.Load() {
			return Outcome{}, ErrPhoneCallsDisabled
		}
		if d.caller == nil {
			return Outcome{}, errors.New("no call service configured")
		}
		contact, err := d.nextContact()
		if err != nil {
			return Outcome{}, err
		}
		log.WithField("contact", contact.Name).Info("placing outbound call")
		resp, err := d.caller.TriggerOutboundCall(ctx, api.OutboundCallRequest{
			TargetNumber:   contact.Number,
			MarketOverview: d.prompts.MarketOverview(task),
			Name:           contact.Name,
			ActionToTake:   c.Action,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Type:    board.ExecutionPhoneCall,
			Result:  callResult(contact, resp),
			AgentID: resp.AssistantID,
		}, nil

	case AIProcessing:
		if d.agent == nil {
			return Outcome{}, errors.New("no agent service configured")
		}
		log.Debug("dispatching to agent")
		resp, err := d.agent.TriggerAgent(ctx, d.prompts.AgentPrompt(task, c), map[string]any{
			"task_id":   task.ID,
			"task_type": c.TaskType,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Type: board.ExecutionAIProcessing, Result: resp.Response, AgentID: resp.AgentID}, nil

	default:
		return Outcome{}, fmt.Errorf("unsupported capability %T", c)
	}
}

// nextContact picks contacts[0] for the first call and contacts[1] for every
// call after it. With a single contact every call goes to it.
func (d *Dispatcher) nextContact() (Contact, error) {
	if len(d.contacts) == 0 {
		return Contact{}, ErrNoContacts
	}
	n := d.calls.Add(1) - 1
	if n == 0 || len(d.contacts) == 1 {
		return d.contacts[0], nil
	}
	return d.contacts[1], nil
}

// CallCount returns how many calls have been attempted.
func (d *Dispatcher) CallCount() int64 { return d.calls.Load() }

func callResult(contact Contact, resp *api.OutboundCallResponse) string {
	msg := fmt.Sprintf("Call placed to %s (%s)", contact.Name, contact.Number)
	if resp.CallID != "" {
		msg += fmt.Sprintf(", call id %s", resp.CallID)
	}
	if resp.Message != "" {
		msg += ": " + resp.Message
	}
	return msg
}
