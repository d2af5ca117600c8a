package autopilot

import (
	"context"
	"time"

	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

// TickResult is what one autopilot tick learned, decided, and did.
type TickResult struct {
	ResourceGroup string
	Patterns      []types.UsagePattern
	Budget        types.BudgetStatus
	Planned       []types.Action
	Executed      []types.ActionResult
}

// Loop is the periodic learn -> check budget -> recommend -> execute ->
// audit control loop described by the Autopilot component. It shares
// nothing with the Fleet Executor or Workflow Orchestrator beyond the
// ProviderClient and the process-local rate limiter inside its Executor.
type Loop struct {
	dir       *directory.Directory
	client    provider.ProviderClient
	learner   *Learner
	executor  *Executor
	cfg       Config
	workHours types.WorkHours
	days      int
	now       func() time.Time
}

// NewLoop wires a Directory, Learner, and Executor into one control loop.
// days is the lookback window passed to AnalyzeVMHistory on every tick.
func NewLoop(dir *directory.Directory, client provider.ProviderClient, learner *Learner, executor *Executor, cfg Config, workHours types.WorkHours, days int) *Loop {
	if days <= 0 {
		days = 30
	}
	return &Loop{dir: dir, client: client, learner: learner, executor: executor, cfg: cfg, workHours: workHours, days: days, now: time.Now}
}

// Tick runs one learn/check/recommend/execute pass over every VM in
// resourceGroup. dryRun and requireConfirmation are forwarded to the
// Executor unchanged; a dry run never contacts the ProviderClient for
// lifecycle actions and never consumes rate-limit tokens.
func (l *Loop) Tick(ctx context.Context, resourceGroup string, dryRun, requireConfirmation bool) (TickResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AutopilotTickDuration)

	logger := log.WithComponent("autopilot")

	vms, err := l.dir.List(ctx, resourceGroup, true)
	if err != nil {
		return TickResult{}, err
	}

	status, err := CheckBudget(ctx, l.client, resourceGroup, l.cfg)
	if err != nil {
		return TickResult{}, err
	}

	result := TickResult{ResourceGroup: resourceGroup, Budget: status}
	if !status.NeedsAction {
		logger.Info().Float64("current", status.CurrentMonthlyCost).Float64("budget", status.BudgetMonthly).Msg("autopilot: within budget, no action needed")
		return result, nil
	}

	contexts := make([]VMContext, 0, len(vms))
	for _, vm := range vms {
		pattern, perr := l.learner.AnalyzeVMHistory(ctx, resourceGroup, vm.Name, l.days)
		if perr != nil {
			logger.Warn().Err(perr).Str("vm", vm.Name).Msg("autopilot: usage analysis failed, skipping VM this tick")
			continue
		}
		result.Patterns = append(result.Patterns, pattern)
		contexts = append(contexts, VMContext{Pattern: pattern, Tags: vm.Tags, WorkHours: l.workHours})
	}

	result.Planned = RecommendActions(contexts, status, l.cfg, l.now())
	result.Executed = l.executor.ExecuteActions(ctx, result.Planned, resourceGroup, dryRun, requireConfirmation)
	return result, nil
}

// Run ticks the loop every interval until ctx is cancelled, reporting each
// TickResult on onTick (which may be nil). A tick error is logged and never
// stops the loop, the same "log but continue" posture the teacher's
// reconciliation loop uses for a single bad cycle.
func (l *Loop) Run(ctx context.Context, interval time.Duration, resourceGroup string, dryRun, requireConfirmation bool, onTick func(TickResult)) {
	logger := log.WithComponent("autopilot-loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Msg("autopilot loop started")
	for {
		result, err := l.Tick(ctx, resourceGroup, dryRun, requireConfirmation)
		if err != nil {
			logger.Error().Err(err).Msg("autopilot tick failed")
		} else if onTick != nil {
			onTick(result)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.Info().Msg("autopilot loop stopped")
			return
		}
	}
}
