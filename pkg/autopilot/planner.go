package autopilot

import (
	"sort"
	"time"

	"github.com/cuemby/fleetctl/pkg/types"
)

// VMContext pairs a learned UsagePattern with the tags and work-hours
// configuration the planner needs to decide whether to act on that VM.
type VMContext struct {
	Pattern   types.UsagePattern
	Tags      map[string]string
	WorkHours types.WorkHours
}

// RecommendActions returns no actions unless the budget status demands
// it, skips VMs with a protected tag value (a VM with no tags is not
// protected), and proposes Stop for
// idle-outside-work-hours VMs and Downsize for chronically low-CPU VMs,
// ordered by estimated savings descending.
func RecommendActions(contexts []VMContext, status types.BudgetStatus, cfg Config, now time.Time) []types.Action {
	if !status.NeedsAction {
		return nil
	}

	var actions []types.Action
	for _, c := range contexts {
		if isProtected(c.Tags, cfg.ProtectedTags) {
			continue
		}

		p := c.Pattern
		if p.AvgIdleMinutes > cfg.IdleThresholdMinutes && !IsWorkHours(c.WorkHours, now) {
			actions = append(actions, types.Action{
				ActionType:              types.ActionStop,
				VMName:                  p.VMName,
				Reason:                  "VM idle for extended period outside work hours",
				EstimatedSavingsMonthly: 50,
				RequiresConfirmation:    true,
				Tags:                    c.Tags,
			})
		}
		if p.CPUAvgPercent < cfg.CPUThresholdPercent {
			actions = append(actions, types.Action{
				ActionType:              types.ActionDownsize,
				VMName:                  p.VMName,
				Reason:                  "low average CPU utilization",
				EstimatedSavingsMonthly: 30,
				RequiresConfirmation:    true,
				Tags:                    c.Tags,
			})
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].EstimatedSavingsMonthly > actions[j].EstimatedSavingsMonthly
	})
	return actions
}
