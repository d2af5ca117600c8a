/*
Package provider defines the ProviderClient interface and a CLI-shelling
reference implementation.

ProviderClient is the system's one narrow seam onto the cloud: every other
package that needs to list, start, stop, or query a VM goes through this
interface, never through os/exec directly. The reference implementation
shells out to a provider CLI and parses its JSON, wrapping an external
control surface behind a small Go interface so integrators in other
environments can substitute an SDK client without touching the core.
*/
package provider

import (
	"context"
	"time"
)

// ActivityEvent is one entry from the provider's activity log.
type ActivityEvent struct {
	OperationName string
	Timestamp     time.Time
	VMName        string
	Status        string
}

// MetricPoint is one aggregated sample from the provider's metric store.
type MetricPoint struct {
	Timestamp time.Time
	Average   float64
}

// ProviderClient is the external cloud-control surface. Implementations must
// respect ctx deadlines and surface non-zero exits with their stderr text
// intact.
type ProviderClient interface {
	// ListVMs returns the raw VM inventory for a resource group.
	ListVMs(ctx context.Context, resourceGroup string, includeStopped bool) ([]VMInfo, error)

	// StartVM starts a VM, optionally blocking until the provider reports it running.
	StartVM(ctx context.Context, name, resourceGroup string, wait bool) error

	// StopVM stops (or deallocates) a VM, optionally blocking until confirmed.
	StopVM(ctx context.Context, name, resourceGroup string, deallocate, wait bool) error

	// ActivityLog returns events for a resource group matching filter since startTime.
	ActivityLog(ctx context.Context, resourceGroup, filter string, startTime time.Time) ([]ActivityEvent, error)

	// Metrics returns an aggregated metric series for resource over the window.
	Metrics(ctx context.Context, resource, metricName string, startTime time.Time, aggregation, interval string) ([]MetricPoint, error)

	// UpdateVMKey installs a new authorized SSH public key on the VM.
	UpdateVMKey(ctx context.Context, name, resourceGroup, publicKey string) error

	// MonthlySpend returns the current month's accrued cost for a resource group.
	MonthlySpend(ctx context.Context, resourceGroup string) (float64, error)
}

// VMInfo is the raw inventory record returned by ListVMs, before the
// directory package normalizes it into a types.VMRecord.
type VMInfo struct {
	Name          string
	ResourceGroup string
	Location      string
	VMSize        string
	PublicIP      string
	PowerState    string
	Tags          map[string]string
	CreatedAt     time.Time
}
