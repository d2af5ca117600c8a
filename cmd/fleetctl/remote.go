package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetctl/pkg/session"
	"github.com/cuemby/fleetctl/pkg/types"
)

// remoteCmd exposes the Remote Session Broker (spec.md §4.8). It is not
// part of the minimal CLI contract in spec.md §6, but the broker is a
// first-class component and needs a real entry point to be exercised
// end to end rather than just by its unit tests.
var remoteCmd = &cobra.Command{
	Use:   "remote-session",
	Short: "Create, track, and kill hosted remote sessions on fleet VMs",
}

func init() {
	remoteSessionCreateCmd.Flags().String("vm", "", "Target VM name")
	remoteSessionCreateCmd.Flags().String("prompt", "", "Session prompt")
	remoteSessionCreateCmd.Flags().String("command-mode", "auto", "Command mode")
	remoteSessionCreateCmd.Flags().Int("max-turns", 10, "Maximum turns")
	remoteSessionCreateCmd.Flags().Int("memory-mb", 16384, "Memory budget in MB")

	remoteSessionListCmd.Flags().String("status", "", "Filter by status (Pending, Running, Completed, Failed, Killed)")

	remoteSessionKillCmd.Flags().Bool("force", false, "Hard-kill instead of graceful")

	remoteSessionCaptureCmd.Flags().Int("lines", 100, "Number of trailing lines to capture")

	remoteCmd.AddCommand(
		remoteSessionCreateCmd, remoteSessionStartCmd, remoteSessionListCmd,
		remoteSessionGetCmd, remoteSessionKillCmd, remoteSessionStatusCmd, remoteSessionCaptureCmd,
	)
}

func broker(a *app) (*session.Broker, error) {
	return session.New(a.cfg.HomeDir, a.transport)
}

var remoteSessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a Pending remote session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		vm, _ := cmd.Flags().GetString("vm")
		prompt, _ := cmd.Flags().GetString("prompt")
		mode, _ := cmd.Flags().GetString("command-mode")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")
		memoryMB, _ := cmd.Flags().GetInt("memory-mb")

		s, err := b.Create(vm, &prompt, mode, maxTurns, memoryMB)
		if err != nil {
			return err
		}
		fmt.Printf("created session %s (workspace %s)\n", s.SessionID, s.WorkspacePath)
		return nil
	},
}

var remoteSessionStartCmd = &cobra.Command{
	Use:   "start <session-id>",
	Short: "Transition a Pending session to Running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		s, err := b.Start(args[0], nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", s.SessionID, s.Status)
		return nil
	},
}

var remoteSessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote sessions, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		statusFlag, _ := cmd.Flags().GetString("status")
		var filter *types.SessionStatus
		if statusFlag != "" {
			s := types.SessionStatus(statusFlag)
			filter = &s
		}
		sessions, err := b.List(filter)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%-36s %-10s %s\n", s.SessionID, s.Status, s.VMName)
		}
		return nil
	},
}

var remoteSessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one remote session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		s, ok, err := b.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s not found", args[0])
		}
		fmt.Printf("%+v\n", s)
		return nil
	},
}

var remoteSessionKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Kill a remote session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		killed, err := b.Kill(args[0], force)
		if err != nil {
			return err
		}
		if !killed {
			return fmt.Errorf("session %s not found", args[0])
		}
		fmt.Println("killed", args[0])
		return nil
	},
}

var remoteSessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Check a remote session's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		status, err := b.CheckStatus(args[0])
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

var remoteSessionCaptureCmd = &cobra.Command{
	Use:   "capture-output <session-id>",
	Short: "Capture trailing multiplexer output for a session's VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		b, err := broker(a)
		if err != nil {
			return err
		}
		s, ok, err := b.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("session %s not found", args[0])
		}
		lines, _ := cmd.Flags().GetInt("lines")

		records, err := a.dir.List(context.Background(), a.resourceGroup, true)
		if err != nil {
			return err
		}
		var ep = endpointForName(a, records, s.VMName)

		out, err := b.CaptureOutput(context.Background(), args[0], lines, ep)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}
