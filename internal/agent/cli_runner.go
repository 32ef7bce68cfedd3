package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/cardflow/internal/config"
)

// CLIRunner spawns an external CLI process (claude, codex, ollama, etc.)
// and passes the prompt as its last argument.
type CLIRunner struct {
	name string
	cfg  config.LLM
}

// NewCLIRunner creates a runner that spawns CLI processes.
func NewCLIRunner(name string, cfg config.LLM) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return "cli" }

// Run spawns the CLI process with the prompt.
//
// CLI tools have no separate system channel, so a system prompt is prepended
// to the user prompt. For example, with cmd="claude" and args=["--model",
// "sonnet"] the full command becomes: claude --print --model sonnet "<prompt>"
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	prompt := req.Prompt
	if req.System != "" {
		prompt = strings.TrimSpace(req.System) + "\n\n" + req.Prompt
	}
	args := append(r.cfg.EffectiveArgs(), prompt)

	timeout := time.Duration(r.cfg.DefaultTimeout()) * time.Second
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	resp := &Response{
		Output:   stdout.String(),
		Model:    r.cfg.Model,
		Duration: time.Since(start).Seconds(),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			resp.Error = fmt.Errorf("llm %s timed out after %ds", r.name, int(timeout.Seconds()))
			resp.ExitCode = -1
			return resp, resp.Error
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
		}

		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			resp.Error = fmt.Errorf("llm %s exited with code %d: %s", r.name, resp.ExitCode, stderrStr)
		} else {
			resp.Error = fmt.Errorf("llm %s exited with code %d: %w", r.name, resp.ExitCode, err)
		}

		// Partial output may still hold the answer.
		return resp, nil
	}

	return resp, nil
}

// CLIAvailable checks if the CLI command exists in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
