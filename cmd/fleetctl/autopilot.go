package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetctl/pkg/autopilot"
	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/metrics"
)

// autopilotCmd implements the CLI contract's "Autopilot" group (spec.md
// §6): dry run by default, --execute to apply. --watch turns one-shot
// invocation into the periodic Autopilot Control Loop described in
// spec.md §1/§4.13; --listen exposes it to Prometheus while it runs.
var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run one autopilot tick: learn usage, check budget, propose and apply lifecycle actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		execute, _ := cmd.Flags().GetBool("execute")
		yes, _ := cmd.Flags().GetBool("yes")
		watch, _ := cmd.Flags().GetDuration("watch")
		listen, _ := cmd.Flags().GetString("listen")

		cfg := autopilot.Config{
			BudgetMonthly:        a.cfg.Autopilot.BudgetMonthly,
			IdleThresholdMinutes: a.cfg.Autopilot.IdleThresholdMinutes,
			CPUThresholdPercent:  a.cfg.Autopilot.CPUThresholdPercent,
			ProtectedTags:        a.cfg.Autopilot.ProtectedTags,
		}
		workHours := a.cfg.Autopilot.WorkHours.ToWorkHours()

		learner := autopilot.NewLearner(a.client)
		executor := autopilot.NewExecutor(a.client, a.auditLog)
		loop := autopilot.NewLoop(a.dir, a.client, learner, executor, cfg, workHours, 30)

		if listen != "" {
			startMetricsServer(a, listen)
		}

		if watch <= 0 {
			return runAutopilotTick(context.Background(), loop, a.resourceGroup, execute, yes)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dryRun, requireConfirmation := !execute, execute && !yes
		loop.Run(ctx, watch, a.resourceGroup, dryRun, requireConfirmation, printTickResult)
		return nil
	},
}

func runAutopilotTick(ctx context.Context, loop *autopilot.Loop, resourceGroup string, execute, yes bool) error {
	result, err := loop.Tick(ctx, resourceGroup, !execute, execute && !yes)
	if err != nil {
		return err
	}
	printTickResult(result)
	return nil
}

func printTickResult(result autopilot.TickResult) {
	fmt.Printf("budget: $%.2f / $%.2f (%.1f%% over: %v)\n",
		result.Budget.CurrentMonthlyCost, result.Budget.BudgetMonthly,
		result.Budget.OveragePercent, result.Budget.NeedsAction)

	for _, r := range result.Executed {
		prefix := ""
		if r.DryRun {
			prefix = "[DRY-RUN] "
		}
		fmt.Printf("%s%s %s: %s\n", prefix, r.Action.ActionType, r.Action.VMName, r.Message)
	}

	if len(result.Planned) == 0 {
		fmt.Println("no action needed")
	}
}

// startMetricsServer mounts the fleet-wide Prometheus collectors (pkg/metrics)
// plus health/ready/live endpoints on addr, and starts the background
// Directory collector that keeps the inventory gauges fresh between ticks.
func startMetricsServer(a *app, addr string) {
	collector := newMetricsCollector(a.client, nil, a.resourceGroup, 15*time.Second)
	collector.Start()
	metrics.UpdateComponent("provider", true, "")
	metrics.UpdateComponent("statefile", true, "")
	metrics.UpdateComponent("transport", true, "")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	srvLog := log.WithComponent("metrics-server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvLog.Error().Err(err).Msg("metrics server exited")
		}
	}()
	srvLog.Info().Str("addr", addr).Msg("metrics server listening")
}

// auditVerifyCmd recomputes the audit log's sha256 checksum chain and
// reports whether it still matches the sidecar file, surfacing
// pkg/audit.Log.Verify() to an operator who suspects the log was tampered
// with or truncated.
var auditVerifyCmd = &cobra.Command{
	Use:   "audit-verify",
	Short: "Verify the audit log's checksum chain has not been tampered with or truncated",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		ok, err := a.auditLog.Verify()
		if err != nil {
			return fmt.Errorf("verify audit log: %w", err)
		}
		if !ok {
			fmt.Println("audit log: TAMPERED (checksum chain does not match)")
			return fmt.Errorf("audit log checksum mismatch")
		}
		fmt.Println("audit log: OK (checksum chain intact)")
		return nil
	},
}

func init() {
	autopilotCmd.Flags().Bool("execute", false, "Apply proposed actions instead of only reporting them")
	autopilotCmd.Flags().Bool("yes", false, "Bypass the confirmation requirement on actions marked RequiresConfirmation")
	autopilotCmd.Flags().Duration("watch", 0, "Run continuously, ticking at this interval instead of exiting after one tick")
	autopilotCmd.Flags().String("listen", "", "Address to serve /metrics, /health, /ready, /live on (requires --watch)")
	autopilotCmd.AddCommand(auditVerifyCmd)
}
