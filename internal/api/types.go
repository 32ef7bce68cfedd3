package api

// CardRef identifies the card a prompt was written on.
type CardRef struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CardContext is the context sent with a decomposition request.
type CardContext struct {
	Card CardRef `json:"card"`
}

// NewCardRequest is the body of POST /chat/new-card.
type NewCardRequest struct {
	Prompt  string      `json:"prompt"`
	Context CardContext `json:"context"`
}

// CardData is one sub-task proposed by the decomposition service. CardID and
// Dependencies are local to the response.
type CardData struct {
	CardID       string         `json:"card_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	TaskType     string         `json:"task_type"`
	Status       string         `json:"status,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// NewCardResponse is the decomposition result.
type NewCardResponse struct {
	CardData      []CardData     `json:"card_data"`
	AgentID       string         `json:"agent_id"`
	ExecutionTime float64        `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DeepSearchRequest is the body of POST /chat/deep-search.
type DeepSearchRequest struct {
	Prompt string `json:"prompt"`
}

// DeepSearchResponse carries the search answer in Response or Message.
type DeepSearchResponse struct {
	Response      string         `json:"response,omitempty"`
	Message       string         `json:"message,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Text returns whichever of Response or Message is set.
func (r *DeepSearchResponse) Text() string {
	if r.Response != "" {
		return r.Response
	}
	return r.Message
}

// OutboundCallRequest is the body of POST /chat/outbound-call.
type OutboundCallRequest struct {
	TargetNumber   string `json:"target_number"`
	MarketOverview string `json:"market_overview"`
	Name           string `json:"name"`
	ActionToTake   string `json:"action_to_take"`
}

// OutboundCallResponse is the call placement result.
type OutboundCallResponse struct {
	Success       bool           `json:"success"`
	CallID        string         `json:"call_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	AssistantID   string         `json:"assistant_id,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AgentRequest is the body of POST /chat/agent.
type AgentRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// AgentResponse is the generic agent's reply.
type AgentResponse struct {
	Response      string         `json:"response"`
	AgentID       string         `json:"agent_id,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
