package autopilot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

type loopFakeProvider struct {
	fakeProvider
	vms []provider.VMInfo
}

func (f *loopFakeProvider) ListVMs(ctx context.Context, rg string, includeStopped bool) ([]provider.VMInfo, error) {
	return f.vms, nil
}

func TestLoop_DryRunProposesSingleStopAndSkipsRateLimit(t *testing.T) {
	base := time.Date(2026, 7, 27, 9, 0, 0, 0, time.UTC) // Monday, outside work hours below
	fp := &loopFakeProvider{
		fakeProvider: fakeProvider{
			spend: 95,
			events: []provider.ActivityEvent{
				{OperationName: "Start Virtual Machine", Timestamp: base.Add(-48 * time.Hour)},
				{OperationName: "Deallocate Virtual Machine", Timestamp: base.Add(-44 * time.Hour)},
			},
			metrics: []provider.MetricPoint{{Average: 50}},
		},
		vms: []provider.VMInfo{
			{Name: "vm-idle", ResourceGroup: "rg-1", PowerState: "Running", Tags: map[string]string{"env": "dev"}},
		},
	}

	dir := directory.New(fp)
	learner := NewLearner(fp)
	learner.now = func() time.Time { return base }
	executor := NewExecutor(fp, nil)

	cfg := Config{BudgetMonthly: 100, IdleThresholdMinutes: 180, CPUThresholdPercent: 15, ProtectedTags: []string{"protected"}}
	workHours := types.WorkHours{Days: map[string]bool{"mon": true, "tue": true, "wed": true, "thu": true, "fri": true}, StartHour: 9, EndHour: 17}

	loop := NewLoop(dir, fp, learner, executor, cfg, workHours, 30)
	loop.now = func() time.Time { return base.Add(20 * time.Hour) } // 5am next day, outside work hours

	result, err := loop.Tick(context.Background(), "rg-1", true, false)
	require.NoError(t, err)

	require.Len(t, result.Executed, 1)
	assert.Equal(t, types.ActionStop, result.Executed[0].Action.ActionType)
	assert.Equal(t, "vm-idle", result.Executed[0].Action.VMName)
	assert.True(t, result.Executed[0].Success)
	assert.True(t, strings.HasPrefix(result.Executed[0].Message, "[DRY-RUN]"))
	assert.True(t, result.Executed[0].DryRun)

	// A dry run must never consume the rate limiter's tokens.
	for i := 0; i < maxActionsPerHour; i++ {
		assert.True(t, executor.limiter.Allow(), "dry run must not have consumed rate-limit tokens")
	}
}

func TestLoop_BelowBudgetSkipsEntirely(t *testing.T) {
	fp := &loopFakeProvider{
		fakeProvider: fakeProvider{spend: 10},
		vms: []provider.VMInfo{
			{Name: "vm-1", ResourceGroup: "rg-1", PowerState: "Running"},
		},
	}
	dir := directory.New(fp)
	learner := NewLearner(fp)
	executor := NewExecutor(fp, nil)
	cfg := Config{BudgetMonthly: 100}

	loop := NewLoop(dir, fp, learner, executor, cfg, types.WorkHours{}, 30)
	result, err := loop.Tick(context.Background(), "rg-1", true, false)
	require.NoError(t, err)
	assert.False(t, result.Budget.NeedsAction)
	assert.Empty(t, result.Planned)
	assert.Empty(t, result.Executed)
}

func TestLoop_RunTicksUntilCancelledAndReportsEachResult(t *testing.T) {
	fp := &loopFakeProvider{
		fakeProvider: fakeProvider{spend: 10},
		vms: []provider.VMInfo{
			{Name: "vm-1", ResourceGroup: "rg-1", PowerState: "Running"},
		},
	}
	dir := directory.New(fp)
	learner := NewLearner(fp)
	executor := NewExecutor(fp, nil)
	cfg := Config{BudgetMonthly: 100}

	loop := NewLoop(dir, fp, learner, executor, cfg, types.WorkHours{}, 30)

	ctx, cancel := context.WithCancel(context.Background())
	var ticks int
	loop.Run(ctx, time.Millisecond, "rg-1", true, false, func(result TickResult) {
		ticks++
		if ticks >= 2 {
			cancel()
		}
	})

	assert.GreaterOrEqual(t, ticks, 2)
}
