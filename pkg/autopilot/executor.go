package autopilot

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/fleetctl/pkg/audit"
	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

const maxActionsPerHour = 5

// Executor executes planned Actions with a rolling rate limit and an
// append-only audit trail.
//
// The rolling "5 per hour" limit is enforced with golang.org/x/time/rate:
// burst=5 refilling one token per hour guarantees no sliding hour-long
// window ever admits more than 5 actions.
type Executor struct {
	client  provider.ProviderClient
	limiter *rate.Limiter
	audit   *audit.Log
	now     func() time.Time
}

// NewExecutor returns an Executor backed by client, logging executed
// actions to auditLog (may be nil).
func NewExecutor(client provider.ProviderClient, auditLog *audit.Log) *Executor {
	return &Executor{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Hour), maxActionsPerHour),
		audit:   auditLog,
		now:     time.Now,
	}
}

// ExecuteAction runs one Action. On dryRun it never contacts the
// ProviderClient. A rate-limit violation does not consume a token.
func (e *Executor) ExecuteAction(ctx context.Context, action types.Action, resourceGroup string, dryRun bool) types.ActionResult {
	if !dryRun && !e.limiter.Allow() {
		return types.ActionResult{
			Action:    action,
			Success:   false,
			Message:   "Rate limit exceeded (max 5 actions per hour)",
			Timestamp: e.now(),
			DryRun:    dryRun,
		}
	}

	result := e.dispatch(ctx, action, resourceGroup, dryRun)
	e.logAction(result)
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.AutopilotActionsTotal.WithLabelValues(string(action.ActionType), outcome).Inc()
	return result
}

func (e *Executor) dispatch(ctx context.Context, action types.Action, resourceGroup string, dryRun bool) types.ActionResult {
	ts := e.now()
	if dryRun {
		return types.ActionResult{
			Action:    action,
			Success:   true,
			Message:   fmt.Sprintf("[DRY-RUN] Would %s VM: %s", action.ActionType, action.VMName),
			Timestamp: ts,
			DryRun:    true,
		}
	}

	switch action.ActionType {
	case types.ActionStop:
		if err := e.client.StopVM(ctx, action.VMName, resourceGroup, true, true); err != nil {
			return types.ActionResult{Action: action, Success: false, Message: "stop failed: " + err.Error(), Timestamp: ts}
		}
		return types.ActionResult{Action: action, Success: true, Message: "Successfully stopped VM: " + action.VMName, Timestamp: ts}
	case types.ActionDownsize:
		return types.ActionResult{Action: action, Success: false, Message: "downsize not yet implemented for: " + action.VMName, Timestamp: ts}
	case types.ActionAlert:
		alertLog := log.WithComponent("autopilot")
		alertLog.Warn().Str("vm", action.VMName).Str("reason", action.Reason).Msg("autopilot alert")
		return types.ActionResult{Action: action, Success: true, Message: "Sent alert for: " + action.VMName, Timestamp: ts}
	default:
		return types.ActionResult{Action: action, Success: false, Message: "unknown action type: " + string(action.ActionType), Timestamp: ts}
	}
}

func (e *Executor) logAction(result types.ActionResult) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Append(audit.Record{
		Action: "autopilot_" + string(result.Action.ActionType),
		Detail: map[string]interface{}{
			"vm_name": result.Action.VMName,
			"success": result.Success,
			"message": result.Message,
			"dry_run": result.DryRun,
		},
	})
}

// ExecuteActions refuses to run (logging a warning) when confirmation is
// required and this is not a dry run; otherwise it executes actions in
// order, stopping at the first non-dry-run failure.
func (e *Executor) ExecuteActions(ctx context.Context, actions []types.Action, resourceGroup string, dryRun, requireConfirmation bool) []types.ActionResult {
	if len(actions) == 0 {
		return nil
	}

	if requireConfirmation && !dryRun {
		confirmLog := log.WithComponent("autopilot")
		confirmLog.Warn().Msg("confirmation required; actions not executed")
		return nil
	}

	var results []types.ActionResult
	for _, action := range actions {
		result := e.ExecuteAction(ctx, action, resourceGroup, dryRun)
		results = append(results, result)
		if !result.Success && !dryRun {
			break
		}
	}
	return results
}
