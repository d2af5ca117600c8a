package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
	"github.com/cuemby/fleetctl/pkg/workflow"
)

const defaultProbeTimeout = 5 * time.Second

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run an ordered multi-step workflow against a fleet selector",
}

func init() {
	workflowRunCmd.Flags().StringP("file", "f", "", "YAML workflow plan file (required)")
	_ = workflowRunCmd.MarkFlagRequired("file")
	addSelectorFlags(workflowRunCmd)
	workflowRunCmd.Flags().Int("max-workers", 10, "Bound on concurrent SSH calls per step")
	workflowCmd.AddCommand(workflowRunCmd)
}

// workflowPlan is the on-disk YAML shape of a workflow, mirroring the
// teacher's "apply -f resource.yaml" manifest convention.
type workflowPlan struct {
	Name  string         `yaml:"name"`
	Steps []workflowStep `yaml:"steps"`
}

type workflowStep struct {
	Name            string   `yaml:"name"`
	Command         string   `yaml:"command"`
	Condition       string   `yaml:"condition,omitempty"`
	DependsOn       []string `yaml:"depends_on,omitempty"`
	Parallel        bool     `yaml:"parallel,omitempty"`
	RetryOnFailure  bool     `yaml:"retry_on_failure,omitempty"`
	ContinueOnError bool     `yaml:"continue_on_error,omitempty"`
}

func toWorkflowSteps(steps []workflowStep) []types.WorkflowStep {
	out := make([]types.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, types.WorkflowStep{
			Name:            s.Name,
			Command:         s.Command,
			Condition:       s.Condition,
			DependsOn:       s.DependsOn,
			Parallel:        s.Parallel,
			RetryOnFailure:  s.RetryOnFailure,
			ContinueOnError: s.ContinueOnError,
		})
	}
	return out
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow plan against selected fleet VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		var plan workflowPlan
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("parse workflow file: %w", err)
		}

		targets, err := selectedTargets(cmd, a)
		if err != nil {
			return err
		}

		maxWorkers, _ := cmd.Flags().GetInt("max-workers")
		orchestrator := workflow.New(a.transport, maxWorkers, defaultProbeTimeout, func(vm types.VMRecord) transport.Endpoint {
			return endpointFor(a, vm)
		})

		results, err := orchestrator.Execute(context.Background(), toWorkflowSteps(plan.Steps), targets, func(message string) {
			fmt.Println(message)
		})
		if err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			status := "ok"
			switch {
			case r.Skipped:
				status = "skipped: " + r.SkipReason
			case !r.Success:
				status = "failed"
				failed++
			}
			fmt.Printf("%-20s %s\n", r.StepName, status)
		}
		if failed > 0 {
			return fmt.Errorf("%d workflow steps failed", failed)
		}
		return nil
	},
}
