package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/imkarma/cardflow/internal/board"
)

// maxContextLen caps each dependency result pasted into a prompt.
const maxContextLen = 4000

// Lookup resolves a task id to the board's current copy of the task.
type Lookup func(id string) (board.Task, bool)

// PromptBuilder assembles type-specific prompts from a task, its parent and
// the results of the tasks it depends on.
type PromptBuilder struct {
	lookup Lookup
}

// NewPromptBuilder creates a builder that reads related tasks through lookup.
func NewPromptBuilder(lookup Lookup) *PromptBuilder {
	return &PromptBuilder{lookup: lookup}
}

// SearchPrompt is sent to the deep search service.
func (b *PromptBuilder) SearchPrompt(task board.Task, c WebSearch) string {
	parts := []string{"Research the following and report concrete, sourced findings.", c.Query}
	if parent := b.parentSection(task); parent != "" {
		parts = append(parts, parent)
	}
	return strings.Join(parts, "\n\n")
}

// AgentPrompt is sent to the generic agent.
func (b *PromptBuilder) AgentPrompt(task board.Task, c AIProcessing) string {
	var parts []string
	parts = append(parts, taskSection(task, c.TaskType))
	if parent := b.parentSection(task); parent != "" {
		parts = append(parts, parent)
	}
	if deps := b.dependencySection(task); deps != "" {
		parts = append(parts, deps)
	}
	parts = append(parts, "## Instructions\nComplete the task and reply with the result only.")
	return strings.Join(parts, "\n\n")
}

// MarketOverview summarizes what is known before a call: the results of the
// tasks this one depends on, or the parent's description when there are none.
func (b *PromptBuilder) MarketOverview(task board.Task) string {
	if deps := b.dependencyResults(task); len(deps) > 0 {
		return strings.Join(deps, "\n\n")
	}
	if parent, ok := b.parent(task); ok && parent.Description != "" {
		return parent.Description
	}
	if task.Description != "" {
		return task.Description
	}
	return task.Title
}

func taskSection(task board.Task, taskType string) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(fmt.Sprintf("**%s**\n", task.Title))
	if taskType != "" {
		sb.WriteString(fmt.Sprintf("Type: %s\n", taskType))
	}
	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", task.Description))
	}
	return sb.String()
}

func (b *PromptBuilder) parent(task board.Task) (board.Task, bool) {
	if task.ParentTaskID == "" || b.lookup == nil {
		return board.Task{}, false
	}
	return b.lookup(task.ParentTaskID)
}

func (b *PromptBuilder) parentSection(task board.Task) string {
	parent, ok := b.parent(task)
	if !ok {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Parent Task (for context)\n")
	sb.WriteString(fmt.Sprintf("**%s**\n", parent.Title))
	if parent.Description != "" {
		sb.WriteString(parent.Description + "\n")
	}
	return sb.String()
}

// dependencyResults reads the results of the tasks named in the original
// decomposition. Unblocking clears DependsOn, so the edge list is kept in the
// task's metadata parameters under "dependencies" by the orchestrator.
func (b *PromptBuilder) dependencyResults(task board.Task) []string {
	if b.lookup == nil {
		return nil
	}
	var out []string
	for _, id := range sourceDependencies(task) {
		dep, ok := b.lookup(id)
		if !ok || dep.AIResponse == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s:\n%s", dep.Title, truncate(dep.AIResponse)))
	}
	return out
}

func (b *PromptBuilder) dependencySection(task board.Task) string {
	results := b.dependencyResults(task)
	if len(results) == 0 {
		return ""
	}
	return "## Results of previous tasks\n" + strings.Join(results, "\n\n")
}

// sourceDependencies returns the dependency ids recorded at decomposition
// time, falling back to the live relation.
func sourceDependencies(task board.Task) []string {
	if task.AIMetadata != nil {
		if ids, ok := task.AIMetadata.Parameters[DependenciesParam].([]string); ok {
			return ids
		}
	}
	return task.Dependencies()
}

// DependenciesParam is the metadata parameter holding the board ids a
// sub-task depended on when it was created.
const DependenciesParam = "dependencies"

func truncate(s string) string {
	if len(s) <= maxContextLen {
		return s
	}
	return s[:runeBoundary(s, maxContextLen)] + "\n... (truncated)"
}

// runeBoundary backs n off to the start of the rune it falls in.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
