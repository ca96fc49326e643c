package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// StaticDecomposer reads a pre-written plan from a JSON file: an array of
// task specs in dependency order. Used for offline runs and tests, where
// invoking a planner agent is unwanted.
type StaticDecomposer struct {
	Path string
}

// Decompose implements Decomposer.
func (d *StaticDecomposer) Decompose(ctx context.Context, goal string) ([]TaskSpec, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", d.Path, err)
	}

	var specs []TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", d.Path, err)
	}
	return specs, nil
}
