package keyrotate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/credential"
	"github.com/cuemby/fleetctl/pkg/provider"
)

type fakeProvider struct {
	vms       []provider.VMInfo
	fail      map[string]bool
	calls     map[string]int
	updateLog []string
}

func (f *fakeProvider) ListVMs(ctx context.Context, rg string, includeStopped bool) ([]provider.VMInfo, error) {
	return f.vms, nil
}
func (f *fakeProvider) StartVM(ctx context.Context, name, rg string, wait bool) error { return nil }
func (f *fakeProvider) StopVM(ctx context.Context, name, rg string, deallocate, wait bool) error {
	return nil
}
func (f *fakeProvider) ActivityLog(ctx context.Context, rg, filter string, start time.Time) ([]provider.ActivityEvent, error) {
	return nil, nil
}
func (f *fakeProvider) Metrics(ctx context.Context, resource, metric string, start time.Time, agg, interval string) ([]provider.MetricPoint, error) {
	return nil, nil
}
func (f *fakeProvider) UpdateVMKey(ctx context.Context, name, rg, pubKey string) error {
	f.updateLog = append(f.updateLog, name+":"+pubKey)
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	if f.fail[name] && f.calls[name] == 1 {
		return assert.AnError
	}
	return nil
}
func (f *fakeProvider) MonthlySpend(ctx context.Context, rg string) (float64, error) { return 0, nil }

func TestBackupKeys_CreatesTimestampedDir(t *testing.T) {
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, &fakeProvider{}, t.TempDir(), nil)

	backup, err := r.BackupKeys()
	require.NoError(t, err)
	assert.DirExists(t, backup.BackupDir)
	assert.NotEmpty(t, backup.OldPublicKey)
}

func TestBackupKeys_EmptyBackupRootErrors(t *testing.T) {
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, &fakeProvider{}, "", nil)

	_, err := r.BackupKeys()
	var kre *KeyRotationError
	require.ErrorAs(t, err, &kre)
}

func TestUpdateAllVMs_RecordsPerVMFailures(t *testing.T) {
	fp := &fakeProvider{fail: map[string]bool{"vm-2": true}}
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, fp, t.TempDir(), nil)

	result := r.UpdateAllVMs(context.Background(), "rg-1", "ssh-ed25519 AAAA...", []string{"vm-1", "vm-2", "vm-3"})

	assert.False(t, result.Success)
	assert.Contains(t, result.VMsUpdated, "vm-1")
	assert.Contains(t, result.VMsUpdated, "vm-3")
	assert.Contains(t, result.VMsFailed, "vm-2")
}

func TestRotateKeys_EmptyResourceGroupErrors(t *testing.T) {
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, &fakeProvider{}, t.TempDir(), nil)

	_, err := r.RotateKeys(context.Background(), "", true, true)
	var kre *KeyRotationError
	require.ErrorAs(t, err, &kre)
}

func TestRotateKeys_AllSucceed(t *testing.T) {
	fp := &fakeProvider{vms: []provider.VMInfo{{Name: "vm-1"}, {Name: "vm-2"}}}
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, fp, t.TempDir(), nil)

	result, err := r.RotateKeys(context.Background(), "rg-1", true, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.VMsUpdated, 2)
	assert.Empty(t, result.VMsFailed)
	assert.NotEmpty(t, result.BackupPath)
}

func TestRotateKeys_RollsBackFailedVMs(t *testing.T) {
	fp := &fakeProvider{
		vms:  []provider.VMInfo{{Name: "vm-1"}, {Name: "vm-2"}},
		fail: map[string]bool{"vm-2": true},
	}
	store := credential.NewStore(t.TempDir(), "id_ed25519", nil)
	r := New(store, fp, t.TempDir(), nil)

	result, err := r.RotateKeys(context.Background(), "rg-1", true, true)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.VMsFailed, "vm-2")
	assert.Contains(t, result.RolledBack, "vm-2")
}
