// Package decompose turns a goal/PRD text into an ordered sequence of task
// descriptions with dependency references. The scheduler treats decomposer
// output as untrusted input: cycle and unknown-dependency validation happens
// at ingestion, not here.
package decompose

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mstolin/foreman/internal/task"
)

// TaskSpec is one decomposed task description.
type TaskSpec struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Instruction string   `json:"instruction"`
	Branch      string   `json:"branch"`
	TargetPaths []string `json:"target_paths"`
	Priority    string   `json:"priority"`
	DependsOn   []string `json:"depends_on"`
}

// Decomposer produces task specs for a goal, ordered so that every task
// appears after its dependencies.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) ([]TaskSpec, error)
}

// ToTask converts a spec into a store task record. Missing ids get a
// generated one; missing branches get a feature branch derived from the
// title.
func ToTask(spec TaskSpec) *task.Task {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	branch := spec.Branch
	if branch == "" {
		branch = "feature/" + slugify(spec.Title)
	}
	return &task.Task{
		ID:          id,
		Title:       spec.Title,
		Instruction: spec.Instruction,
		Branch:      branch,
		TargetPaths: append([]string(nil), spec.TargetPaths...),
		Priority:    task.ParsePriority(spec.Priority),
		DependsOn:   append([]string(nil), spec.DependsOn...),
	}
}

// slugify renders a title into a branch-safe label.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fmt.Sprintf("task-%s", uuid.NewString()[:8])
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}
