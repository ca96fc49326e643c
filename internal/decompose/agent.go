package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mstolin/foreman/internal/runtime"
)

const decomposePrompt = `Analyze this goal/PRD and break it into detailed, actionable tasks with dependencies.

Goal: %s

Output a JSON array of tasks, each with:
- id: unique string identifier
- title: short title
- instruction: detailed instruction for the developer
- branch: a descriptive branch name (e.g., feature/add-user-model)
- target_paths: array of file paths the task will write
- priority: "high", "medium", or "low"
- depends_on: array of task ids this depends on (empty for independent tasks)

Order tasks logically, foundational tasks first, so every task appears after its dependencies.
Only output the JSON array, no other text.`

// AgentDecomposer invokes a planner agent CLI to decompose a goal into
// tasks. Malformed JSON from the model is retried with backoff a bounded
// number of times before surfacing a parse error.
type AgentDecomposer struct {
	Command string
	Args    []string
	Model   string
	WorkDir string
	ProcMgr *runtime.ProcessManager
}

// Decompose implements Decomposer.
func (d *AgentDecomposer) Decompose(ctx context.Context, goal string) ([]TaskSpec, error) {
	command := d.Command
	if command == "" {
		command = "claude"
	}

	var specs []TaskSpec
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		args := []string{"-p", fmt.Sprintf(decomposePrompt, goal)}
		if d.Model != "" {
			args = append(args, "--model", d.Model)
		}
		args = append(args, d.Args...)

		out, err := runtime.RunCommand(ctx, d.ProcMgr, d.WorkDir, command, args...)
		if err != nil {
			return err
		}

		parsed, err := parseSpecs(out)
		if err != nil {
			// Model emitted invalid JSON; worth one more attempt.
			return err
		}
		specs = parsed
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("decomposing goal: %w", err)
	}
	return specs, nil
}

// parseSpecs extracts the JSON task array from model output, tolerating
// surrounding prose by trimming to the outermost brackets.
func parseSpecs(out []byte) ([]TaskSpec, error) {
	text := strings.TrimSpace(string(out))
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in decomposer output")
	}

	var specs []TaskSpec
	if err := json.Unmarshal([]byte(text[start:end+1]), &specs); err != nil {
		return nil, fmt.Errorf("invalid decomposer JSON: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("decomposer returned no tasks")
	}
	return specs, nil
}
