/*
Package keyrotate takes a timestamped backup of the current SSH keypair,
fans out parallel key updates across a fleet via ProviderClient, and rolls
back to the backed-up key on partial failure.
*/
package keyrotate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/fleetctl/pkg/audit"
	"github.com/cuemby/fleetctl/pkg/credential"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

const maxUpdateParallelism = 10

// KeyRotationError signals a precondition failure (empty resource group,
// missing backup root) distinct from a per-VM update failure.
type KeyRotationError struct {
	Reason string
}

func (e *KeyRotationError) Error() string {
	return "key rotation precondition failed: " + e.Reason
}

// Rotator rotates the fleet's SSH credential and keeps a backup history.
type Rotator struct {
	store     *credential.Store
	client    provider.ProviderClient
	backupDir string
	audit     *audit.Log
	now       func() time.Time
}

// New returns a Rotator. backupDir is the designated backup root
// (typically "<user_home>/<tool>/key_backups").
func New(store *credential.Store, client provider.ProviderClient, backupDir string, auditLog *audit.Log) *Rotator {
	return &Rotator{store: store, client: client, backupDir: backupDir, audit: auditLog, now: time.Now}
}

// BackupKeys copies the current keypair into a fresh timestamped
// subdirectory (mode 0700) of the backup root.
func (r *Rotator) BackupKeys() (types.RotationBackup, error) {
	if r.backupDir == "" {
		return types.RotationBackup{}, &KeyRotationError{Reason: "missing backup root"}
	}

	current, err := r.store.EnsureKeyExists()
	if err != nil {
		return types.RotationBackup{}, fmt.Errorf("load current key for backup: %w", err)
	}

	ts := r.now().UTC()
	dir := filepath.Join(r.backupDir, ts.Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return types.RotationBackup{}, fmt.Errorf("create backup dir: %w", err)
	}

	privData, err := os.ReadFile(current.PrivatePath)
	if err != nil {
		return types.RotationBackup{}, fmt.Errorf("read private key for backup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), privData, 0o600); err != nil {
		return types.RotationBackup{}, fmt.Errorf("write private key backup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key.pub"), []byte(current.PublicKeyContent), 0o644); err != nil {
		return types.RotationBackup{}, fmt.Errorf("write public key backup: %w", err)
	}

	backup := types.RotationBackup{
		BackupDir:     dir,
		Timestamp:     ts,
		OldPrivateKey: string(privData),
		OldPublicKey:  current.PublicKeyContent,
	}
	r.logAudit("backup_keys", map[string]interface{}{"backup_dir": dir})
	return backup, nil
}

// UpdateVMKey submits newPublicKey to the ProviderClient for one VM.
func (r *Rotator) UpdateVMKey(ctx context.Context, vmName, resourceGroup, newPublicKey string) bool {
	err := r.client.UpdateVMKey(ctx, vmName, resourceGroup, newPublicKey)
	return err == nil
}

// UpdateAllVMs fans out UpdateVMKey across vmNames with bounded
// parallelism; per-VM failures are recorded, not raised.
func (r *Rotator) UpdateAllVMs(ctx context.Context, resourceGroup, newPublicKey string, vmNames []string) types.RotationResult {
	parallelism := len(vmNames)
	if parallelism > maxUpdateParallelism {
		parallelism = maxUpdateParallelism
	}
	if parallelism == 0 {
		return types.RotationResult{Success: true}
	}

	type outcome struct {
		name string
		ok   bool
	}
	results := make([]outcome, len(vmNames))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, name := range vmNames {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := r.UpdateVMKey(ctx, name, resourceGroup, newPublicKey)
			results[i] = outcome{name: name, ok: ok}
		}(i, name)
	}
	wg.Wait()

	var result types.RotationResult
	for _, o := range results {
		if o.ok {
			result.VMsUpdated = append(result.VMsUpdated, o.name)
		} else {
			result.VMsFailed = append(result.VMsFailed, o.name)
		}
	}
	result.Success = len(result.VMsFailed) == 0
	return result
}

// RotateKeys backs up the current key (if createBackup), generates a fresh
// keypair, fans out the new public key to every VM in resourceGroup, and
// on partial failure with enableRollback rolls the failing VMs back to the
// old public key.
func (r *Rotator) RotateKeys(ctx context.Context, resourceGroup string, createBackup, enableRollback bool) (types.RotationResult, error) {
	if resourceGroup == "" {
		return types.RotationResult{}, &KeyRotationError{Reason: "empty resource group"}
	}

	oldKey, err := r.store.EnsureKeyExists()
	if err != nil {
		return types.RotationResult{}, fmt.Errorf("capture old key: %w", err)
	}

	var backup types.RotationBackup
	if createBackup {
		backup, err = r.BackupKeys()
		if err != nil {
			return types.RotationResult{}, err
		}
	}

	newKey, err := r.store.Rotate()
	if err != nil {
		return types.RotationResult{}, fmt.Errorf("generate new key: %w", err)
	}

	vms, err := r.client.ListVMs(ctx, resourceGroup, true)
	if err != nil {
		return types.RotationResult{}, fmt.Errorf("enumerate vms: %w", err)
	}
	names := make([]string, 0, len(vms))
	for _, v := range vms {
		names = append(names, v.Name)
	}

	fanOut := r.UpdateAllVMs(ctx, resourceGroup, newKey.PublicKeyContent, names)

	result := types.RotationResult{
		Success:    fanOut.Success,
		NewKeyPath: newKey.PrivatePath,
		BackupPath: backup.BackupDir,
		VMsUpdated: fanOut.VMsUpdated,
		VMsFailed:  fanOut.VMsFailed,
	}

	if len(result.VMsFailed) > 0 && enableRollback {
		for _, name := range result.VMsFailed {
			if r.UpdateVMKey(ctx, name, resourceGroup, oldKey.PublicKeyContent) {
				result.RolledBack = append(result.RolledBack, name)
			}
		}
		result.Success = false
		result.Message = "rotation failed on one or more VMs; rollback attempted"
	} else if !result.Success {
		result.Message = "rotation failed on one or more VMs"
	} else {
		result.Message = "rotation succeeded"
	}

	r.logAudit("rotate_keys", map[string]interface{}{
		"resource_group": resourceGroup,
		"vms_updated":    result.VMsUpdated,
		"vms_failed":     result.VMsFailed,
		"rolled_back":    result.RolledBack,
	})
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.KeyRotationsTotal.WithLabelValues(outcome).Inc()
	return result, nil
}

func (r *Rotator) logAudit(action string, detail map[string]interface{}) {
	if r.audit == nil {
		return
	}
	_ = r.audit.Append(audit.Record{Action: action, Detail: detail})
}
