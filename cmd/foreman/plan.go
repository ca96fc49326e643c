package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mstolin/foreman/internal/decompose"
	"github.com/mstolin/foreman/internal/runtime"
)

func newPlanCmd(root *rootFlags) *cobra.Command {
	var goal string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Decompose a goal into a task plan without executing it",
		Long:  "Invokes the planner agent on the goal and prints the resulting JSON task array. The output can be reviewed, edited, and fed back to 'foreman run --plan'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if goal == "" {
				return fmt.Errorf("--goal is required")
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			pm := runtime.NewProcessManager()
			defer pm.KillAll()

			d := &decompose.AgentDecomposer{
				Command: cfg.Agent.Command,
				Args:    cfg.Agent.Args,
				Model:   cfg.Agent.Model,
				WorkDir: cfg.Agent.WorkDir,
				ProcMgr: pm,
			}
			specs, err := d.Decompose(cmd.Context(), goal)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(specs)
		},
	}

	cmd.Flags().StringVar(&goal, "goal", "", "Goal/PRD text to decompose")
	return cmd
}
