/*
Package directory turns raw ProviderClient output into normalized,
immutable VMRecord snapshots and offers the filter/sort primitives every
other component composes on top of. Every filter returns a fresh slice;
none mutate their input.
*/
package directory

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/types"
)

// Directory lists and classifies VMs within one resource group.
type Directory struct {
	client provider.ProviderClient
}

// New returns a Directory backed by client.
func New(client provider.ProviderClient) *Directory {
	return &Directory{client: client}
}

// List returns every VM visible to the caller in resourceGroup, normalizing
// power state into the closed PowerState enum. includeStopped=false drops
// Stopped and Deallocated VMs at the provider layer already; List applies
// no further filtering.
func (d *Directory) List(ctx context.Context, resourceGroup string, includeStopped bool) ([]types.VMRecord, error) {
	raw, err := d.client.ListVMs(ctx, resourceGroup, includeStopped)
	if err != nil {
		return nil, &DirectoryError{Op: "list", Err: err}
	}

	records := make([]types.VMRecord, 0, len(raw))
	for _, v := range raw {
		var publicIP *string
		if v.PublicIP != "" {
			ip := v.PublicIP
			publicIP = &ip
		}
		records = append(records, types.VMRecord{
			Name:          v.Name,
			ResourceGroup: v.ResourceGroup,
			Location:      v.Location,
			VMSize:        v.VMSize,
			PublicIP:      publicIP,
			PowerState:    normalizePowerState(v.PowerState),
			Tags:          normalizeTags(v.Tags),
			CreatedAt:     v.CreatedAt,
		})
	}
	reportPowerStateGauges(records)
	return records, nil
}

// reportPowerStateGauges refreshes fleetctl_vms_total from the snapshot
// just retrieved, so the gauge always reflects the last directory listing.
func reportPowerStateGauges(records []types.VMRecord) {
	counts := map[types.PowerState]int{}
	for _, r := range records {
		counts[r.PowerState]++
	}
	for _, state := range []types.PowerState{
		types.PowerStateStarting, types.PowerStateRunning, types.PowerStateStopping,
		types.PowerStateStopped, types.PowerStateDeallocated, types.PowerStateUnknown,
	} {
		metrics.VMsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func normalizePowerState(raw string) types.PowerState {
	switch strings.ToLower(raw) {
	case "vm running", "running":
		return types.PowerStateRunning
	case "vm starting", "starting":
		return types.PowerStateStarting
	case "vm stopping", "stopping":
		return types.PowerStateStopping
	case "vm stopped", "stopped":
		return types.PowerStateStopped
	case "vm deallocated", "deallocated":
		return types.PowerStateDeallocated
	default:
		return types.PowerStateUnknown
	}
}

func normalizeTags(raw map[string]string) map[string]string {
	if raw == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// FilterByPrefix keeps records whose Name starts with prefix.
func FilterByPrefix(records []types.VMRecord, prefix string) []types.VMRecord {
	out := make([]types.VMRecord, 0, len(records))
	for _, r := range records {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// FilterByTag keeps records carrying tags[key] == value.
func FilterByTag(records []types.VMRecord, key, value string) []types.VMRecord {
	out := make([]types.VMRecord, 0, len(records))
	for _, r := range records {
		if r.Tags[key] == value {
			out = append(out, r)
		}
	}
	return out
}

// FilterByPattern keeps records whose Name matches the shell glob.
func FilterByPattern(records []types.VMRecord, glob string) []types.VMRecord {
	out := make([]types.VMRecord, 0, len(records))
	for _, r := range records {
		if ok, err := filepath.Match(glob, r.Name); err == nil && ok {
			out = append(out, r)
		}
	}
	return out
}

// FilterRunningOnly keeps records whose PowerState is Running.
func FilterRunningOnly(records []types.VMRecord) []types.VMRecord {
	out := make([]types.VMRecord, 0, len(records))
	for _, r := range records {
		if r.PowerState == types.PowerStateRunning {
			out = append(out, r)
		}
	}
	return out
}

// SortByCreatedTime returns records stably sorted newest-first.
func SortByCreatedTime(records []types.VMRecord) []types.VMRecord {
	out := make([]types.VMRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// DirectoryError wraps a provider failure encountered while listing VMs.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return "directory: " + e.Op + ": " + e.Err.Error()
}

func (e *DirectoryError) Unwrap() error { return e.Err }
