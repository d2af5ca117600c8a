/*
Package workflow runs a DAG of WorkflowSteps respecting depends_on,
conditionally targeting VMs via a fresh Metrics Probe, retrying failed
targets, and propagating failure by skipping the remainder of the plan.
Scheduling repeatedly collects the ready set (all dependencies completed),
executes it, and loops until nothing remains or nothing is ready.
*/
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/fleet"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/probe"
	"github.com/cuemby/fleetctl/pkg/selector"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

// ProgressSink receives a human-readable status line as the workflow
// progresses.
type ProgressSink func(message string)

// StepResult is the outcome of one WorkflowStep.
type StepResult struct {
	StepName   string
	Success    bool
	Results    []types.OpResult
	Skipped    bool
	SkipReason string
}

// Orchestrator executes workflows against a fixed set of candidate VMs.
type Orchestrator struct {
	executor   *fleet.Executor
	prober     *probe.Prober
	maxWorkers int
	probeTimeout time.Duration
	endpointFor  func(types.VMRecord) transport.Endpoint
}

// New returns an Orchestrator. endpointFor builds the SSH endpoint for a
// target VMRecord (host, key path, etc. are deployment-specific).
func New(t transport.SSHTransport, maxWorkers int, probeTimeout time.Duration, endpointFor func(types.VMRecord) transport.Endpoint) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = fleet.DefaultMaxWorkers
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Orchestrator{
		// Workflow steps only ever issue OpCommand, which never touches
		// the provider client, so a nil client here is safe.
		executor:     fleet.New(nil, t),
		prober:       probe.New(t),
		maxWorkers:   maxWorkers,
		probeTimeout: probeTimeout,
		endpointFor:  endpointFor,
	}
}

// Execute runs steps in dependency order against vms.
func (o *Orchestrator) Execute(ctx context.Context, steps []types.WorkflowStep, vms []types.VMRecord, sink ProgressSink) ([]StepResult, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	if err := validateDAG(steps); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkflowDuration)

	results := map[string]StepResult{}
	executed := map[string]bool{}
	remaining := append([]types.WorkflowStep(nil), steps...)

	for len(remaining) > 0 {
		ready, notReady := partitionReady(remaining, executed, results)
		if len(ready) == 0 {
			names := make([]string, 0, len(notReady))
			for _, s := range notReady {
				names = append(names, s.Name)
			}
			return nil, &CycleOrMissingDependencyError{Steps: names}
		}

		for _, step := range ready {
			res := o.executeStep(ctx, step, vms, sink)
			results[step.Name] = res
			executed[step.Name] = true
			remaining = removeStep(remaining, step.Name)

			if !res.Success && !step.ContinueOnError {
				for _, rest := range remaining {
					results[rest.Name] = StepResult{
						StepName:   rest.Name,
						Success:    false,
						Skipped:    true,
						SkipReason: "dependency failure: " + step.Name,
					}
					metrics.WorkflowStepsTotal.WithLabelValues("skipped").Inc()
				}
				return ordered(results, steps), nil
			}
		}
	}

	return ordered(results, steps), nil
}

func ordered(results map[string]StepResult, steps []types.WorkflowStep) []StepResult {
	out := make([]StepResult, 0, len(steps))
	for _, s := range steps {
		if r, ok := results[s.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

func partitionReady(remaining []types.WorkflowStep, executed map[string]bool, results map[string]StepResult) (ready, notReady []types.WorkflowStep) {
	for _, step := range remaining {
		if canExecute(step, executed, results) {
			ready = append(ready, step)
		} else {
			notReady = append(notReady, step)
		}
	}
	return ready, notReady
}

func canExecute(step types.WorkflowStep, executed map[string]bool, results map[string]StepResult) bool {
	for _, dep := range step.DependsOn {
		if !executed[dep] {
			return false
		}
	}
	return true
}

func removeStep(steps []types.WorkflowStep, name string) []types.WorkflowStep {
	out := make([]types.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) executeStep(ctx context.Context, step types.WorkflowStep, vms []types.VMRecord, sink ProgressSink) (result StepResult) {
	if sink != nil {
		sink("Executing step: " + step.Name)
	}
	defer func() {
		outcome := "failure"
		switch {
		case result.Skipped:
			outcome = "skipped"
		case result.Success:
			outcome = "success"
		}
		metrics.WorkflowStepsTotal.WithLabelValues(outcome).Inc()
	}()

	targets := vms
	if step.Condition != "" {
		pred, err := selector.ParsePredicate(step.Condition)
		if err != nil {
			return StepResult{StepName: step.Name, Success: false, SkipReason: err.Error()}
		}
		targets = o.filterByCondition(ctx, vms, pred)
		if len(targets) == 0 {
			if sink != nil {
				sink(fmt.Sprintf("Step %s skipped: no VMs meet condition %q", step.Name, step.Condition))
			}
			return StepResult{
				StepName:   step.Name,
				Success:    true,
				Skipped:    true,
				SkipReason: "no VMs meet condition: " + step.Condition,
			}
		}
	}

	op := types.FleetOp{Kind: types.OpCommand, Cmdline: step.Command, Timeout: 30 * time.Second}
	results := o.executor.Execute(ctx, op, targets, o.maxWorkers, nil)

	if step.RetryOnFailure {
		results = o.retryFailed(ctx, step, targets, results)
	}

	return StepResult{
		StepName: step.Name,
		Success:  fleet.Summarize(results).AllSucceeded(),
		Results:  results,
	}
}

func (o *Orchestrator) retryFailed(ctx context.Context, step types.WorkflowStep, targets []types.VMRecord, results []types.OpResult) []types.OpResult {
	failedIdx := map[string]int{}
	var failedTargets []types.VMRecord
	for i, r := range results {
		if !r.Success {
			failedIdx[r.VMName] = i
			for _, t := range targets {
				if t.Name == r.VMName {
					failedTargets = append(failedTargets, t)
					break
				}
			}
		}
	}
	if len(failedTargets) == 0 {
		return results
	}

	op := types.FleetOp{Kind: types.OpCommand, Cmdline: step.Command, Timeout: 30 * time.Second}
	retryResults := o.executor.Execute(ctx, op, failedTargets, o.maxWorkers, nil)
	for _, rr := range retryResults {
		if i, ok := failedIdx[rr.VMName]; ok {
			results[i] = rr
		}
	}
	return results
}

func (o *Orchestrator) filterByCondition(ctx context.Context, vms []types.VMRecord, pred selector.Predicate) []types.VMRecord {
	var matched []types.VMRecord
	for _, vm := range vms {
		if !vm.HasPublicIP() {
			continue
		}
		sample := o.prober.Sample(ctx, vm.Name, o.endpointFor(vm), o.probeTimeout)
		if pred.Eval(sample) {
			matched = append(matched, vm)
		}
	}
	return matched
}

func validateDAG(steps []types.WorkflowStep) error {
	names := map[string]bool{}
	for _, s := range steps {
		names[s.Name] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return &errs.ValidationError{Field: "depends_on", Reason: "step " + s.Name + " depends on unknown step " + dep}
			}
		}
	}
	return nil
}

// CycleOrMissingDependencyError reports steps that never became ready.
type CycleOrMissingDependencyError struct {
	Steps []string
}

func (e *CycleOrMissingDependencyError) Error() string {
	return fmt.Sprintf("cycle or missing dependency among steps: %v", e.Steps)
}
