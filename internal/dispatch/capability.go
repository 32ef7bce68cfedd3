// Package dispatch routes a classified sub-task to the external capability
// that executes it: web search, outbound phone call or the generic agent.
package dispatch

import (
	"strings"

	"github.com/imkarma/cardflow/internal/board"
)

// Task types produced by the decomposition service.
const (
	TaskTypeResearch = "research_task"
	TaskTypePhone    = "phone_task"
)

// Capability is one of WebSearch, PhoneCall or AIProcessing.
type Capability interface {
	ExecutionType() board.ExecutionType
	isCapability()
}

// WebSearch runs a deep search for Query.
type WebSearch struct {
	Query string
}

// PhoneCall places an outbound call asking the contact to carry out Action.
type PhoneCall struct {
	Action string
}

// AIProcessing sends the task to the generic agent. TaskType is the
// unrecognized type it fell back from, if any.
type AIProcessing struct {
	TaskType string
}

func (WebSearch) ExecutionType() board.ExecutionType    { return board.ExecutionWebSearch }
func (PhoneCall) ExecutionType() board.ExecutionType    { return board.ExecutionPhoneCall }
func (AIProcessing) ExecutionType() board.ExecutionType { return board.ExecutionAIProcessing }

func (WebSearch) isCapability()    {}
func (PhoneCall) isCapability()    {}
func (AIProcessing) isCapability() {}

// Classify maps a task's decomposition type to its capability. Anything that
// is not a research or phone task falls back to AIProcessing.
func Classify(task board.Task) Capability {
	switch task.TaskType() {
	case TaskTypeResearch:
		return WebSearch{Query: joinNonEmpty(task.Title, task.Description)}
	case TaskTypePhone:
		return PhoneCall{Action: joinNonEmpty(task.Title, task.Description)}
	default:
		return AIProcessing{TaskType: task.TaskType()}
	}
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ": ")
}
