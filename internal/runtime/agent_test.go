package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mstolin/foreman/internal/queue"
)

// fakeAgent writes a shell script that stands in for the agent CLI.
func fakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake agent: %v", err)
	}
	return path
}

func fastExecutor(cfg AgentConfig) *AgentExecutor {
	e := NewAgentExecutor(cfg, nil)
	e.retry = fastRetryConfig()
	return e
}

func TestAgentExecutorParsesJSONResponse(t *testing.T) {
	agent := fakeAgent(t, `echo '{"result":"files written","is_error":false}'`)
	e := fastExecutor(AgentConfig{Command: agent, Capability: "json-agent"})

	out, err := e.Execute(context.Background(), queue.Payload{ID: "a", Title: "t", Instruction: "do it"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "files written" {
		t.Errorf("expected parsed result, got %q", out)
	}
}

func TestAgentExecutorFallsBackToPlainText(t *testing.T) {
	agent := fakeAgent(t, `echo 'plain output'`)
	e := fastExecutor(AgentConfig{Command: agent, Capability: "text-agent"})

	out, err := e.Execute(context.Background(), queue.Payload{ID: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "plain output" {
		t.Errorf("expected raw stdout, got %q", out)
	}
}

func TestAgentExecutorSurfacesAgentError(t *testing.T) {
	agent := fakeAgent(t, `echo '{"result":"could not comply","is_error":true}'`)
	e := fastExecutor(AgentConfig{Command: agent, Capability: "err-agent"})

	_, err := e.Execute(context.Background(), queue.Payload{ID: "a"})
	if err == nil {
		t.Fatal("expected error when agent reports is_error")
	}
	if !strings.Contains(err.Error(), "could not comply") {
		t.Errorf("expected agent message in error, got %v", err)
	}
}

func TestAgentExecutorFailsOnNonZeroExit(t *testing.T) {
	agent := fakeAgent(t, `echo 'broken' >&2; exit 3`)
	e := fastExecutor(AgentConfig{Command: agent, Capability: "exit-agent"})

	_, err := e.Execute(context.Background(), queue.Payload{ID: "a"})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestBuildPrompt(t *testing.T) {
	e := NewAgentExecutor(AgentConfig{SystemPrompt: "You are a careful developer."}, nil)

	prompt := e.buildPrompt(queue.Payload{
		ID:          "a",
		Title:       "Add login",
		Instruction: "Implement the login handler",
		Branch:      "feature/add-login",
		TargetPaths: []string{"login.go", "login_test.go"},
	})

	for _, want := range []string{
		"You are a careful developer.",
		"Task: Add login",
		"Instruction: Implement the login handler",
		"Branch: feature/add-login",
		"login.go, login_test.go",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	e := NewAgentExecutor(AgentConfig{}, nil)
	prompt := e.buildPrompt(queue.Payload{ID: "a", Title: "t", Instruction: "i"})

	if strings.Contains(prompt, "Branch:") {
		t.Error("prompt must omit empty branch")
	}
	if strings.Contains(prompt, "Target files:") {
		t.Error("prompt must omit empty target files")
	}
}
