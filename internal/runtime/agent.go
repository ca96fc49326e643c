package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mstolin/foreman/internal/queue"
)

// AgentConfig configures the CLI agent that executes tasks.
type AgentConfig struct {
	Command      string   // Agent binary (e.g., "claude")
	Args         []string // Extra args appended to every invocation
	Model        string   // Model override
	SystemPrompt string   // Role prompt prepended to the instruction
	WorkDir      string   // Working directory for invocations
	Capability   string   // Breaker key; defaults to Command
}

// agentResponse is the JSON envelope emitted by agent CLIs in JSON output
// mode. Plain-text output is accepted as a fallback.
type agentResponse struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// AgentExecutor executes one task per invocation of an external coding-agent
// CLI. Invocations run under per-path locks, exponential backoff retry, and
// a per-capability circuit breaker.
type AgentExecutor struct {
	cfg      AgentConfig
	procMgr  *ProcessManager
	locks    *PathLocks
	breakers *BreakerRegistry
	retry    RetryConfig
}

// NewAgentExecutor creates an agent executor. The ProcessManager is optional;
// if nil, subprocesses are not tracked for shutdown cleanup.
func NewAgentExecutor(cfg AgentConfig, procMgr *ProcessManager) *AgentExecutor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.Capability == "" {
		cfg.Capability = cfg.Command
	}
	return &AgentExecutor{
		cfg:      cfg,
		procMgr:  procMgr,
		locks:    NewPathLocks(),
		breakers: NewBreakerRegistry(),
		retry:    DefaultRetryConfig(),
	}
}

// Execute runs the agent CLI for one payload and returns its output.
func (e *AgentExecutor) Execute(ctx context.Context, p queue.Payload) (string, error) {
	e.locks.LockAll(p.TargetPaths)
	defer e.locks.UnlockAll(p.TargetPaths)

	prompt := e.buildPrompt(p)
	cb := e.breakers.Get(e.cfg.Capability)

	return invokeWithRetry(ctx, cb, e.retry, func() (string, error) {
		return e.invoke(ctx, prompt)
	})
}

// buildPrompt renders the task payload into the instruction handed to the
// agent.
func (e *AgentExecutor) buildPrompt(p queue.Payload) string {
	var b strings.Builder
	if e.cfg.SystemPrompt != "" {
		b.WriteString(e.cfg.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Task: %s\n", p.Title)
	fmt.Fprintf(&b, "Instruction: %s\n", p.Instruction)
	if p.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", p.Branch)
	}
	if len(p.TargetPaths) > 0 {
		fmt.Fprintf(&b, "Target files: %s\n", strings.Join(p.TargetPaths, ", "))
	}
	return b.String()
}

// invoke runs the agent CLI once and parses its output.
func (e *AgentExecutor) invoke(ctx context.Context, prompt string) (string, error) {
	args := []string{"-p", prompt, "--output-format", "json"}
	if e.cfg.Model != "" {
		args = append(args, "--model", e.cfg.Model)
	}
	args = append(args, e.cfg.Args...)

	cmd := newCommand(ctx, e.cfg.Command, args...)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}

	stdout, _, err := executeCommand(ctx, cmd, e.procMgr)
	if err != nil {
		return "", fmt.Errorf("agent command failed: %w", err)
	}

	var resp agentResponse
	if jsonErr := json.Unmarshal(stdout, &resp); jsonErr != nil {
		// Not JSON; treat raw stdout as the result.
		return strings.TrimSpace(string(stdout)), nil
	}
	if resp.IsError {
		return "", fmt.Errorf("agent reported error: %s", resp.Result)
	}
	return resp.Result, nil
}
