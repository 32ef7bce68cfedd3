// Package agent runs a local LLM, either as a CLI process or over a
// provider's HTTP API, and uses it as the task decomposer and generic agent.
package agent

import (
	"context"
	"fmt"

	"github.com/imkarma/cardflow/internal/config"
)

// Request contains everything a model needs for one completion.
type Request struct {
	TaskID     string // Task ID for tracking
	System     string // Optional system prompt
	Prompt     string // The user prompt with context
	TimeoutSec int    // Max execution time
}

// Response is what we get back from a model.
type Response struct {
	Output   string  // Model's text output
	Model    string  // Model that answered, when the provider reports it
	ExitCode int     // 0 = success, HTTP status or process exit code otherwise
	Duration float64 // Execution time in seconds
	Error    error   // Any execution error
}

// Runner is the interface that all model adapters must implement.
type Runner interface {
	// Run executes the model with the given request and returns the response.
	Run(ctx context.Context, req Request) (*Response, error)

	// Name returns the runner's configured name.
	Name() string

	// Mode returns "cli" or "api".
	Mode() string
}

// NewRunner creates the appropriate runner based on the llm config.
func NewRunner(name string, cfg config.LLM) (Runner, error) {
	switch cfg.Mode {
	case "cli":
		if !CLIAvailable(cfg.Cmd) {
			return nil, fmt.Errorf("llm %s: command %q not found in PATH", name, cfg.Cmd)
		}
		return NewCLIRunner(name, cfg), nil
	case "api":
		return NewAPIRunner(name, cfg)
	default:
		return nil, fmt.Errorf("unknown llm mode: %s", cfg.Mode)
	}
}
