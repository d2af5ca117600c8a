package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetctl/pkg/diff"
	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/fleet"
	"github.com/cuemby/fleetctl/pkg/probe"
	"github.com/cuemby/fleetctl/pkg/selector"
	"github.com/cuemby/fleetctl/pkg/types"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "List and operate on fleet VMs",
}

func init() {
	for _, c := range []*cobra.Command{fleetListCmd, fleetStatusCmd, fleetStartCmd, fleetStopCmd, fleetCommandCmd, fleetSyncCmd, fleetTopCmd} {
		addSelectorFlags(c)
		fleetCmd.AddCommand(c)
	}

	fleetStopCmd.Flags().Bool("deallocate", false, "Deallocate instead of stop")
	fleetCommandCmd.Flags().String("cmdline", "", "Remote command line to run")
	fleetCommandCmd.Flags().Duration("timeout", 30*time.Second, "Per-target command timeout")
	fleetSyncCmd.Flags().Bool("dry-run", false, "Report planned sync without transferring")
	fleetTopCmd.Flags().Duration("timeout", 10*time.Second, "Per-target probe timeout")

	for _, c := range []*cobra.Command{fleetListCmd, fleetStartCmd, fleetStopCmd, fleetCommandCmd, fleetSyncCmd, fleetTopCmd} {
		c.Flags().Int("max-workers", fleet.DefaultMaxWorkers, "Bound on concurrent SSH calls")
	}
}

func addSelectorFlags(c *cobra.Command) {
	c.Flags().String("tag", "", "Select VMs by tag key=value")
	c.Flags().String("pattern", "", "Select VMs by glob over name")
	c.Flags().Bool("running-only", false, "Select only running VMs")
}

func selectorFromFlags(cmd *cobra.Command) (selector.Selector, error) {
	tag, _ := cmd.Flags().GetString("tag")
	pattern, _ := cmd.Flags().GetString("pattern")
	runningOnly, _ := cmd.Flags().GetBool("running-only")

	if tag != "" {
		idx := indexOfByte(tag, '=')
		if idx < 0 {
			return selector.Selector{}, fmt.Errorf("--tag must be key=value")
		}
		return selector.NewTagSelector(tag[:idx], tag[idx+1:])
	}
	if pattern != "" {
		return selector.NewPatternSelector(pattern), nil
	}
	if runningOnly {
		return selector.Selector{Kind: selector.RunningOnly}, nil
	}
	return selector.Selector{Kind: selector.All}, nil
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func selectedTargets(cmd *cobra.Command, a *app) ([]types.VMRecord, error) {
	sel, err := selectorFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	records, err := a.dir.List(context.Background(), a.resourceGroup, true)
	if err != nil {
		return nil, err
	}
	return sel.Apply(records), nil
}

var fleetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fleet VMs matching a selector",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		targets, err := selectedTargets(cmd, a)
		if err != nil {
			return err
		}
		for _, vm := range directory.SortByCreatedTime(targets) {
			fmt.Printf("%-24s %-10s %-12s %s\n", vm.Name, vm.PowerState, vm.VMSize, vm.Location)
		}
		return nil
	},
}

var fleetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show power state for selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		targets, err := selectedTargets(cmd, a)
		if err != nil {
			return err
		}
		for _, vm := range targets {
			ip := "-"
			if vm.HasPublicIP() {
				ip = *vm.PublicIP
			}
			fmt.Printf("%-24s %-12s %s\n", vm.Name, vm.PowerState, ip)
		}
		return nil
	},
}

func executeFleetOp(cmd *cobra.Command, op types.FleetOp) ([]types.OpResult, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}
	targets, err := selectedTargets(cmd, a)
	if err != nil {
		return nil, err
	}
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")

	executor := fleet.New(a.client, a.transport)
	return executor.Execute(context.Background(), op, targets, maxWorkers, func(vmName, status string) {
		fmt.Printf("%s: %s\n", vmName, status)
	}), nil
}

func runFleetOp(cmd *cobra.Command, op types.FleetOp) error {
	results, err := executeFleetOp(cmd, op)
	if err != nil {
		return err
	}

	summary := fleet.Summarize(results)
	fmt.Printf("\n%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
	if !summary.AllSucceeded() {
		return fmt.Errorf("%d of %d targets failed", summary.Failed, len(results))
	}
	return nil
}

var fleetStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFleetOp(cmd, types.FleetOp{Kind: types.OpStart})
	},
}

var fleetStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop (or deallocate) selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		deallocate, _ := cmd.Flags().GetBool("deallocate")
		return runFleetOp(cmd, types.FleetOp{Kind: types.OpStop, Deallocate: deallocate})
	},
}

var fleetCommandCmd = &cobra.Command{
	Use:   "command",
	Short: "Run a command on selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdline, _ := cmd.Flags().GetString("cmdline")
		if cmdline == "" {
			return fmt.Errorf("--cmdline is required")
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		results, err := executeFleetOp(cmd, types.FleetOp{Kind: types.OpCommand, Cmdline: cmdline, Timeout: timeout})
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println(diff.Report(results))

		summary := fleet.Summarize(results)
		fmt.Printf("\n%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
		if !summary.AllSucceeded() {
			return fmt.Errorf("%d of %d targets failed", summary.Failed, len(results))
		}
		return nil
	},
}

var fleetSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync files to selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runFleetOp(cmd, types.FleetOp{Kind: types.OpSync, DryRun: dryRun})
	},
}

var fleetTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Sample load, memory, and top-CPU processes on selected VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		targets, err := selectedTargets(cmd, a)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		prober := probe.New(a.transport)
		var outputs []string
		for _, vm := range targets {
			if !vm.HasPublicIP() {
				continue
			}
			sample := prober.Sample(context.Background(), vm.Name, endpointFor(a, vm), timeout)
			outputs = append(outputs, formatSample(sample))
		}
		fmt.Println(diff.Sanitize(joinReports(outputs)))
		return nil
	},
}

func formatSample(s types.MetricsSample) string {
	if !s.Success {
		return fmt.Sprintf("%s: probe failed: %s", s.VMName, s.ErrorMessage)
	}
	return fmt.Sprintf("%s: load %.2f/%.2f/%.2f cpu %.1f%% mem %.1f%%",
		s.VMName, s.Load1m, s.Load5m, s.Load15m, s.CPUPercent, s.MemPercent)
}

func joinReports(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
