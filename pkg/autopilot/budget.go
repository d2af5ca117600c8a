package autopilot

import (
	"context"

	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

// CheckBudget pulls current monthly spend and flags NeedsAction once
// spend reaches 90% of the configured budget.
func CheckBudget(ctx context.Context, client provider.ProviderClient, resourceGroup string, cfg Config) (types.BudgetStatus, error) {
	current, err := client.MonthlySpend(ctx, resourceGroup)
	if err != nil {
		return types.BudgetStatus{}, err
	}

	overage := current - cfg.BudgetMonthly
	if overage < 0 {
		overage = 0
	}
	overagePercent := 0.0
	if cfg.BudgetMonthly > 0 {
		overagePercent = (overage / cfg.BudgetMonthly) * 100
	}

	return types.BudgetStatus{
		CurrentMonthlyCost: current,
		BudgetMonthly:      cfg.BudgetMonthly,
		Overage:            overage,
		OveragePercent:     overagePercent,
		NeedsAction:        current >= cfg.BudgetMonthly*0.9,
	}, nil
}
