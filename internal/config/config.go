package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the per-project state directory.
	Dir = ".cardflow"
	// File is the config file name inside Dir.
	File = "config.yaml"

	// EnvAPIURL overrides api.base_url.
	EnvAPIURL = "CARDFLOW_API_URL"
)

// Decomposer backends.
const (
	DecomposerAPI = "api"
	DecomposerLLM = "llm"
)

// Cycle policies.
const (
	OnCycleProceed = "proceed"
	OnCycleReject  = "reject"
)

// Config is the root configuration for a cardflow project.
type Config struct {
	Version    int       `yaml:"version"`
	API        API       `yaml:"api"`
	Features   Features  `yaml:"features"`
	Contacts   []Contact `yaml:"contacts,omitempty"`
	Sequencer  Sequencer `yaml:"sequencer"`
	Decomposer string    `yaml:"decomposer"`             // "api" or "llm"
	LLM        *LLM      `yaml:"llm,omitempty"`          // required when decomposer is llm
	Journal    string    `yaml:"journal,omitempty"`      // sqlite path, empty disables
	Metrics    string    `yaml:"metrics_addr,omitempty"` // listen address for /metrics, empty disables
}

// API describes the agent backend.
type API struct {
	BaseURL           string  `yaml:"base_url"`
	TimeoutSec        int     `yaml:"timeout_sec,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// Timeout returns the per-request timeout.
func (a API) Timeout() time.Duration {
	if a.TimeoutSec > 0 {
		return time.Duration(a.TimeoutSec) * time.Second
	}
	return 120 * time.Second
}

// Features are the startup values of the runtime toggles.
type Features struct {
	WebSearch  bool `yaml:"web_search"`
	PhoneCalls bool `yaml:"phone_calls"`
}

// Contact is a phone call target. The first contact receives the first call
// of a session, the second receives every call after it.
type Contact struct {
	Name   string `yaml:"name"`
	Number string `yaml:"number"`
}

// Sequencer controls batch execution.
type Sequencer struct {
	IdleDelayMS int    `yaml:"idle_delay_ms"`
	OnCycle     string `yaml:"on_cycle"` // "proceed" or "reject"
}

// IdleDelay returns the pause between two tasks of a batch.
func (s Sequencer) IdleDelay() time.Duration {
	return time.Duration(s.IdleDelayMS) * time.Millisecond
}

// LLM describes the local model used when decomposer is "llm".
type LLM struct {
	Mode       string   `yaml:"mode"`                  // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty"`         // CLI command to spawn
	Args       []string `yaml:"args,omitempty"`        // CLI arguments
	Provider   string   `yaml:"provider,omitempty"`    // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty"`       // Model name for API mode
	APIKeyEnv  string   `yaml:"api_key_env,omitempty"` // Env var name containing API key
	TimeoutSec int      `yaml:"timeout_sec,omitempty"` // Timeout in seconds (0 = default 300)
}

// EffectiveArgs returns the final args for a CLI model, injecting the
// non-interactive flag known CLI tools need to print a single answer.
//
//   - claude: --print
//   - codex:  exec
func (l LLM) EffectiveArgs() []string {
	if l.Mode != "cli" {
		return l.Args
	}

	args := make([]string, len(l.Args))
	copy(args, l.Args)

	switch l.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
	case "codex":
		if !containsAny(args, "exec", "e") {
			args = appendFront(args, "exec")
		}
	}
	return args
}

// DefaultTimeout returns the effective timeout in seconds.
func (l LLM) DefaultTimeout() int {
	if l.TimeoutSec > 0 {
		return l.TimeoutSec
	}
	return 300
}

// Path returns the config path under root.
func Path(root string) string {
	return filepath.Join(root, Dir, File)
}

// Load reads and parses the config file at the given path. Missing fields
// keep their defaults and the environment is applied on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config pointing at a local backend.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		API: API{
			BaseURL:           "http://localhost:8000",
			TimeoutSec:        120,
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Features:   Features{WebSearch: true, PhoneCalls: false},
		Sequencer:  Sequencer{IdleDelayMS: 1000, OnCycle: OnCycleProceed},
		Decomposer: DecomposerAPI,
		Journal:    filepath.Join(Dir, "journal.db"),
	}
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api: base_url is required")
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("api: requests_per_second must not be negative")
	}
	if c.Sequencer.IdleDelayMS < 0 {
		return fmt.Errorf("sequencer: idle_delay_ms must not be negative")
	}
	switch c.Sequencer.OnCycle {
	case OnCycleProceed, OnCycleReject:
	default:
		return fmt.Errorf("sequencer: on_cycle must be 'proceed' or 'reject', got %q", c.Sequencer.OnCycle)
	}
	for i, contact := range c.Contacts {
		if contact.Number == "" {
			return fmt.Errorf("contact %d (%q): number is required", i, contact.Name)
		}
	}

	switch c.Decomposer {
	case DecomposerAPI:
	case DecomposerLLM:
		if c.LLM == nil {
			return fmt.Errorf("decomposer %q: llm block is required", c.Decomposer)
		}
	default:
		return fmt.Errorf("decomposer must be 'api' or 'llm', got %q", c.Decomposer)
	}

	if l := c.LLM; l != nil {
		if l.Mode == "" {
			return fmt.Errorf("llm: mode is required (cli or api)")
		}
		if l.Mode != "cli" && l.Mode != "api" {
			return fmt.Errorf("llm: mode must be 'cli' or 'api', got %q", l.Mode)
		}
		if l.Mode == "cli" && l.Cmd == "" {
			return fmt.Errorf("llm: cmd is required for cli mode")
		}
		if l.Mode == "api" && l.Provider == "" {
			return fmt.Errorf("llm: provider is required for api mode")
		}
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, s := range slice {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}
