package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetctl/pkg/keyrotate"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the fleet's managed SSH keypair",
}

func init() {
	keysRotateCmd.Flags().Bool("no-backup", false, "Skip the timestamped backup before rotating")
	keysRotateCmd.Flags().Bool("no-rollback", false, "Do not roll VMs back to the old key on partial failure")

	keysCmd.AddCommand(keysEnsureCmd, keysRotateCmd)
}

var keysEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Ensure the managed keypair exists with correct file modes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		kp, err := a.credentials.EnsureKeyExists()
		if err != nil {
			return err
		}
		fmt.Println("public key:", kp.PublicPath)
		return nil
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the fleet's SSH key, updating every VM, rolling back on partial failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		noBackup, _ := cmd.Flags().GetBool("no-backup")
		noRollback, _ := cmd.Flags().GetBool("no-rollback")

		rotator := keyrotate.New(a.credentials, a.client, a.cfg.KeyBackupDir(), a.auditLog)
		result, err := rotator.RotateKeys(context.Background(), a.resourceGroup, !noBackup, !noRollback)
		if err != nil {
			return err
		}
		fmt.Println(result.Message)
		fmt.Printf("updated: %v\nfailed: %v\nrolled back: %v\n", result.VMsUpdated, result.VMsFailed, result.RolledBack)
		if !result.AllSucceeded() {
			return fmt.Errorf("%d VMs failed key rotation", len(result.VMsFailed))
		}
		return nil
	},
}
