/*
Package fleet runs one FleetOp across a set of targets with a bounded pool
of concurrent SSH calls, aggregating per-target OpResults without letting
one target's failure block the rest. Concurrency is a buffered-channel
semaphore plus a sync.WaitGroup, not a thread pool library.
*/
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

// DefaultMaxWorkers is the default bound on concurrent outstanding
// transport calls.
const DefaultMaxWorkers = 10

// ProgressSink receives a human-readable status for one target at least
// once on start and once on finish. Delivery order across targets is not
// guaranteed.
type ProgressSink func(vmName, status string)

// Executor runs FleetOps against VMRecord targets. Start and Stop go
// through the cloud provider directly, the same way
// VMLifecycleController.start_vm/stop_vm do in the system this was
// modeled on: a stopped VM has no sshd to reach. Command, Sync, and
// MetricsProbe are the only ops that actually need a reachable VM, so
// only those go over SSH.
type Executor struct {
	client    provider.ProviderClient
	transport transport.SSHTransport
}

// New returns an Executor using client for lifecycle ops and t to reach
// targets for command/sync/probe ops.
func New(client provider.ProviderClient, t transport.SSHTransport) *Executor {
	return &Executor{client: client, transport: t}
}

// Execute runs op against every target, bounded by maxWorkers concurrent
// transport calls. maxWorkers <= 0 is treated as DefaultMaxWorkers. An
// empty target list returns an empty result without starting any workers.
func (e *Executor) Execute(ctx context.Context, op types.FleetOp, targets []types.VMRecord, maxWorkers int, sink ProgressSink) []types.OpResult {
	if len(targets) == 0 {
		return nil
	}
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}

	results := make([]types.OpResult, len(targets))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, target := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, target types.VMRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			if sink != nil {
				sink(target.Name, "starting")
			}
			results[i] = e.executeOne(ctx, op, target)
			if sink != nil {
				sink(target.Name, "finished")
			}
		}(i, target)
	}

	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, op types.FleetOp, target types.VMRecord) (result types.OpResult) {
	start := time.Now()
	timer := metrics.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			result = types.OpResult{
				VMName:          target.Name,
				Success:         false,
				Message:         fmt.Sprintf("panic: %v", r),
				DurationSeconds: time.Since(start).Seconds(),
			}
		}
		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		metrics.FleetOpsTotal.WithLabelValues(op.Kind.String(), outcome).Inc()
		timer.ObserveDurationVec(metrics.FleetOpDuration, op.Kind.String())
	}()

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch op.Kind {
	case types.OpStart:
		return e.runStart(opCtx, target, start)
	case types.OpStop:
		return e.runStop(opCtx, op, target, start)
	}

	// Every remaining op reaches the VM over SSH, so it needs a public IP.
	if !target.HasPublicIP() {
		return types.OpResult{
			VMName:          target.Name,
			Success:         false,
			Message:         "VM has no public IP",
			DurationSeconds: time.Since(start).Seconds(),
		}
	}

	ep := transport.Endpoint{
		Host:                  *target.PublicIP,
		Port:                  22,
		ConnectTimeoutSeconds: int(op.Timeout.Seconds()),
	}

	switch op.Kind {
	case types.OpCommand:
		result = e.runCommand(opCtx, op, target, ep, start)
	case types.OpSync:
		result = e.runSync(opCtx, op, target, ep, start)
	case types.OpMetricsProbe:
		result = e.runMetricsProbe(opCtx, target, ep, start, timeout)
	default:
		result = types.OpResult{
			VMName:          target.Name,
			Success:         false,
			Message:         "unknown operation kind",
			DurationSeconds: time.Since(start).Seconds(),
		}
	}
	return result
}

func (e *Executor) runStart(ctx context.Context, target types.VMRecord, start time.Time) types.OpResult {
	err := e.client.StartVM(ctx, target.Name, target.ResourceGroup, true)
	return resultFromProviderErr(target.Name, "started", err, start)
}

func (e *Executor) runStop(ctx context.Context, op types.FleetOp, target types.VMRecord, start time.Time) types.OpResult {
	err := e.client.StopVM(ctx, target.Name, target.ResourceGroup, op.Deallocate, true)
	msg := "stopped"
	if op.Deallocate {
		msg = "deallocated"
	}
	return resultFromProviderErr(target.Name, msg, err, start)
}

func resultFromProviderErr(vmName, successMsg string, err error, start time.Time) types.OpResult {
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return types.OpResult{VMName: vmName, Success: false, Message: err.Error(), DurationSeconds: elapsed}
	}
	return types.OpResult{VMName: vmName, Success: true, Message: successMsg, DurationSeconds: elapsed}
}

func (e *Executor) runCommand(ctx context.Context, op types.FleetOp, target types.VMRecord, ep transport.Endpoint, start time.Time) types.OpResult {
	exitCode, output, err := e.transport.Connect(ctx, ep, op.Cmdline, "")
	res := resultFromExit(target.Name, exitCode, output, err, start)
	if err == nil {
		res.Message = fmt.Sprintf("exit code %d", exitCode)
	}
	return res
}

func (e *Executor) runSync(ctx context.Context, op types.FleetOp, target types.VMRecord, ep transport.Endpoint, start time.Time) types.OpResult {
	cmd := "rsync --dry-run -a --stats ~/ remote:~/"
	if !op.DryRun {
		cmd = "rsync -a --stats ~/ remote:~/"
	}
	exitCode, output, err := e.transport.Connect(ctx, ep, cmd, "")
	if err != nil {
		return types.OpResult{
			VMName:          target.Name,
			Success:         false,
			Message:         err.Error(),
			DurationSeconds: time.Since(start).Seconds(),
		}
	}
	transferred := countTransferred(output)
	return types.OpResult{
		VMName:          target.Name,
		Success:         exitCode == transport.ExitSuccess,
		Message:         fmt.Sprintf("%d objects transferred", transferred),
		Output:          strPtr(output),
		DurationSeconds: time.Since(start).Seconds(),
	}
}

func (e *Executor) runMetricsProbe(ctx context.Context, target types.VMRecord, ep transport.Endpoint, start time.Time, timeout time.Duration) types.OpResult {
	_ = timeout
	exitCode, output, err := e.transport.Connect(ctx, ep, "uptime && free -m && top -bn1 -o %CPU | head -n 15", "")
	return resultFromExit(target.Name, exitCode, output, err, start)
}

func resultFromExit(vmName string, exitCode int, output string, err error, start time.Time) types.OpResult {
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return types.OpResult{VMName: vmName, Success: false, Message: err.Error(), DurationSeconds: elapsed}
	}
	success := exitCode == transport.ExitSuccess
	msg := "ok"
	if !success {
		msg = fmt.Sprintf("exit code %d", exitCode)
	}
	var out *string
	if output != "" {
		out = strPtr(output)
	}
	return types.OpResult{VMName: vmName, Success: success, Message: msg, Output: out, DurationSeconds: elapsed}
}

func strPtr(s string) *string { return &s }

// countTransferred parses N from the first line of rsync --stats output of
// the form "Number of files transferred: N", returning 0 when there is none.
func countTransferred(output string) int {
	const marker = "Number of files transferred:"
	idx := indexOf(output, marker)
	if idx < 0 {
		return 0
	}
	rest := output[idx+len(marker):]
	var n int
	fmt.Sscanf(rest, "%d", &n)
	return n
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Summary aggregates OpResults into counts and a pass/fail predicate.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize computes a Summary over results.
func Summarize(results []types.OpResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// AllSucceeded reports whether every result succeeded.
func (s Summary) AllSucceeded() bool { return s.Failed == 0 }
