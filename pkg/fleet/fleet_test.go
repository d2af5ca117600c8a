package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

type fakeTransport struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	delay       time.Duration
	exitCode    int
	output      string
	err         error
}

func (f *fakeTransport) Connect(ctx context.Context, ep transport.Endpoint, remoteCommand, multiplexSession string) (int, string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	if n > f.maxInFlight {
		f.maxInFlight = n
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.exitCode, f.output, f.err
}

// fakeProvider is a minimal provider.ProviderClient stub exercising only
// StartVM/StopVM, the two calls the fleet Executor makes.
type fakeProvider struct {
	startCalls int32
	stopCalls  int32
	err        error
}

func (f *fakeProvider) ListVMs(ctx context.Context, rg string, includeStopped bool) ([]provider.VMInfo, error) {
	return nil, nil
}
func (f *fakeProvider) StartVM(ctx context.Context, name, rg string, wait bool) error {
	atomic.AddInt32(&f.startCalls, 1)
	return f.err
}
func (f *fakeProvider) StopVM(ctx context.Context, name, rg string, deallocate, wait bool) error {
	atomic.AddInt32(&f.stopCalls, 1)
	return f.err
}
func (f *fakeProvider) ActivityLog(ctx context.Context, rg, filter string, start time.Time) ([]provider.ActivityEvent, error) {
	return nil, nil
}
func (f *fakeProvider) Metrics(ctx context.Context, resource, metric string, start time.Time, agg, interval string) ([]provider.MetricPoint, error) {
	return nil, nil
}
func (f *fakeProvider) UpdateVMKey(ctx context.Context, name, rg, pubKey string) error { return nil }
func (f *fakeProvider) MonthlySpend(ctx context.Context, rg string) (float64, error)   { return 0, nil }

func ipPtr(s string) *string { return &s }

func TestExecute_EmptyTargetsReturnsEmpty(t *testing.T) {
	e := New(&fakeProvider{}, &fakeTransport{})
	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpStart}, nil, 5, nil)
	assert.Empty(t, results)
}

func TestExecute_StartGoesThroughProviderNotTransport(t *testing.T) {
	fp := &fakeProvider{}
	ft := &fakeTransport{exitCode: transport.ExitSuccess}
	e := New(fp, ft)

	// vm-b has no public IP; start must still succeed because it never
	// touches SSH.
	targets := []types.VMRecord{{Name: "vm-b", PublicIP: nil}}
	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpStart}, targets, 5, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fp.startCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.inFlight))
}

func TestExecute_StopGoesThroughProviderAndHonorsDeallocate(t *testing.T) {
	fp := &fakeProvider{}
	e := New(fp, &fakeTransport{})

	targets := []types.VMRecord{{Name: "vm-1", PublicIP: nil}}
	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpStop, Deallocate: true}, targets, 5, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "deallocated", results[0].Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fp.stopCalls))
}

func TestExecute_ProviderErrorFailsStartResult(t *testing.T) {
	fp := &fakeProvider{err: assert.AnError}
	e := New(fp, &fakeTransport{})

	targets := []types.VMRecord{{Name: "vm-1", PublicIP: ipPtr("1.2.3.4")}}
	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpStart}, targets, 5, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestExecute_NoPublicIPSkipsTransport(t *testing.T) {
	ft := &fakeTransport{exitCode: transport.ExitSuccess}
	e := New(&fakeProvider{}, ft)

	targets := []types.VMRecord{{Name: "vm-1", PublicIP: nil}}
	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpCommand, Cmdline: "echo hi"}, targets, 5, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "VM has no public IP", results[0].Message)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.inFlight))
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	ft := &fakeTransport{exitCode: transport.ExitSuccess, delay: 20 * time.Millisecond}
	e := New(&fakeProvider{}, ft)

	var targets []types.VMRecord
	for i := 0; i < 10; i++ {
		targets = append(targets, types.VMRecord{Name: "vm", PublicIP: ipPtr("1.2.3.4")})
	}

	e.Execute(context.Background(), types.FleetOp{Kind: types.OpCommand, Cmdline: "true", Timeout: time.Second}, targets, 3, nil)

	assert.LessOrEqual(t, ft.maxInFlight, int32(3))
}

func TestExecute_OneFailureDoesNotBlockOthers(t *testing.T) {
	e := New(&fakeProvider{}, &fakeTransport{exitCode: 1})
	targets := []types.VMRecord{
		{Name: "vm-1", PublicIP: ipPtr("1.2.3.4")},
		{Name: "vm-2", PublicIP: ipPtr("1.2.3.5")},
	}

	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpCommand, Cmdline: "false", Timeout: time.Second}, targets, 5, nil)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
	}
}

func TestExecute_ProgressSinkCalledStartAndFinish(t *testing.T) {
	e := New(&fakeProvider{}, &fakeTransport{exitCode: transport.ExitSuccess})
	targets := []types.VMRecord{{Name: "vm-1", PublicIP: ipPtr("1.2.3.4")}}

	var mu sync.Mutex
	var statuses []string
	sink := func(vmName, status string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	}

	e.Execute(context.Background(), types.FleetOp{Kind: types.OpStart, Timeout: time.Second}, targets, 5, sink)

	assert.Contains(t, statuses, "starting")
	assert.Contains(t, statuses, "finished")
}

func TestExecute_CommandReportsExitCodeAndOutput(t *testing.T) {
	e := New(&fakeProvider{}, &fakeTransport{exitCode: transport.ExitSuccess, output: "hello"})
	targets := []types.VMRecord{{Name: "vm-1", PublicIP: ipPtr("1.2.3.4")}}

	results := e.Execute(context.Background(), types.FleetOp{Kind: types.OpCommand, Cmdline: "echo hello", Timeout: time.Second}, targets, 5, nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].Output)
	assert.Equal(t, "hello", *results[0].Output)
	assert.Contains(t, results[0].Message, "exit code 0")
}

func TestSummarize(t *testing.T) {
	results := []types.OpResult{
		{Success: true}, {Success: false}, {Success: true},
	}
	s := Summarize(results)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.False(t, s.AllSucceeded())
}
