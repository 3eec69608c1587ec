// Package runner drives external coding-agent processes and normalizes
// their wire protocols into the canonical event stream. Two adaptation
// strategies exist: claude (event-driven SDK surface) and codex
// (line-oriented subprocess).
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AgentType selects which external agent an execution targets.
type AgentType string

const (
	AgentClaude AgentType = "claude"
	AgentCodex  AgentType = "codex"
)

// Defaults applied by NewRunner when the corresponding Config field is zero.
const (
	DefaultCancelGrace      = 3000 * time.Millisecond
	DefaultMaxStreamUpdates = 80
	DefaultTypingDelay      = 16 * time.Millisecond
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultCodexBinary      = "codex"
)

// Params describes one execution request.
type Params struct {
	Agent   AgentType
	Prompt  string
	WorkDir string

	// ResumeExternalID resumes a prior external conversation when set.
	ResumeExternalID string

	// Capability registry payload, supplied by the caller and passed through
	// to the external agent untouched.
	AllowedTools []string
	ToolServers  map[string]interface{}
}

// Config holds runner configuration.
type Config struct {
	// CancelGrace bounds how long a graceful cancel may take before the
	// execution is aborted.
	CancelGrace      time.Duration
	MaxStreamUpdates int
	TypingDelay      time.Duration

	// Claude strategy
	Claude       ClaudeClient
	PollInterval time.Duration

	// Codex strategy
	CodexBinary string
	CodexArgs   []string

	Logger zerolog.Logger
}

// Runner creates executions. One Runner serves many concurrent executions.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewRunner creates a runner with defaults filled in.
func NewRunner(cfg Config) *Runner {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.MaxStreamUpdates <= 0 {
		cfg.MaxStreamUpdates = DefaultMaxStreamUpdates
	}
	if cfg.TypingDelay <= 0 {
		cfg.TypingDelay = DefaultTypingDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CodexBinary == "" {
		cfg.CodexBinary = DefaultCodexBinary
	}

	return &Runner{cfg: cfg, logger: cfg.Logger}
}

// Execute prepares an execution for the given params. The underlying
// process or SDK session does not start until the returned execution's
// Events channel is first requested.
func (r *Runner) Execute(ctx context.Context, params Params) (*Execution, error) {
	var strat strategy

	switch params.Agent {
	case AgentClaude:
		if r.cfg.Claude == nil {
			return nil, fmt.Errorf("claude client is not configured")
		}
		strat = &claudeStrategy{client: r.cfg.Claude, params: params, poll: r.cfg.PollInterval}
	case AgentCodex:
		strat = &codexStrategy{binary: r.cfg.CodexBinary, baseArgs: r.cfg.CodexArgs, params: params}
	default:
		return nil, fmt.Errorf("unknown agent type %q", params.Agent)
	}

	return newExecution(ctx, strat, r.cfg, params, r.logger), nil
}
