/*
Package probe runs one compound remote command ("uptime && free -m &&
top -bn1 ... ") that returns uptime, memory, and top-by-CPU output, parsed
into a types.MetricsSample without ever propagating a transport error to
the caller.
*/
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

const remoteCommand = "uptime && free -m && top -bn1 -o %CPU | head -n 15"

// Prober runs the Metrics Probe against one VM over SSH.
type Prober struct {
	transport transport.SSHTransport
}

// New returns a Prober using t to reach remote VMs.
func New(t transport.SSHTransport) *Prober {
	return &Prober{transport: t}
}

// Sample runs the probe against endpoint, bounded by timeout. Any failure —
// connection refusal, non-zero exit, parse error, or deadline exceeded —
// is reported as success=false with error_message, never returned as a Go
// error.
func (p *Prober) Sample(ctx context.Context, vmName string, ep transport.Endpoint, timeout time.Duration) (result types.MetricsSample) {
	start := time.Now()
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ProbeDuration)
		if !result.Success {
			metrics.ProbeFailuresTotal.Inc()
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, output, err := p.transport.Connect(probeCtx, ep, remoteCommand, "")
	elapsed := time.Since(start).Seconds()

	if probeCtx.Err() == context.DeadlineExceeded {
		return types.MetricsSample{
			VMName:                vmName,
			Success:               false,
			ErrorMessage:          fmt.Sprintf("Timeout after %ds", int(timeout.Seconds())),
			ProbeDurationSeconds:  timeout.Seconds(),
		}
	}

	if err != nil {
		return types.MetricsSample{
			VMName:               vmName,
			Success:              false,
			ErrorMessage:         err.Error(),
			ProbeDurationSeconds: elapsed,
		}
	}

	if exitCode != transport.ExitSuccess {
		return types.MetricsSample{
			VMName:               vmName,
			Success:              false,
			ErrorMessage:         fmt.Sprintf("remote command exited %d", exitCode),
			ProbeDurationSeconds: elapsed,
		}
	}

	sample := parse(output)
	sample.VMName = vmName
	sample.Success = true
	sample.ProbeDurationSeconds = elapsed
	return sample
}

func parse(output string) types.MetricsSample {
	lines := strings.Split(output, "\n")
	var sample types.MetricsSample

	if len(lines) > 0 {
		if idx := strings.Index(lines[0], "load average:"); idx >= 0 {
			loadPart := lines[0][idx+len("load average:"):]
			fields := strings.Split(loadPart, ",")
			if len(fields) >= 3 {
				l1, e1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
				l5, e5 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
				l15, e15 := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
				if e1 == nil && e5 == nil && e15 == nil {
					sample.Load1m, sample.Load5m, sample.Load15m = l1, l5, l15
				}
			}
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "Mem:") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				total, eT := strconv.ParseFloat(fields[1], 64)
				used, eU := strconv.ParseFloat(fields[2], 64)
				if eT == nil && eU == nil {
					sample.MemTotalMB = total
					sample.MemUsedMB = used
					if total > 0 {
						sample.MemPercent = used / total * 100
					}
				}
			}
			break
		}
	}

	inProcessList := false
	var cpuSum float64
	for _, line := range lines {
		if strings.Contains(line, "PID") && strings.Contains(line, "USER") && strings.Contains(line, "COMMAND") {
			inProcessList = true
			continue
		}
		if !inProcessList || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		cpu, err := strconv.ParseFloat(fields[8], 64)
		if err != nil || cpu <= 0 {
			continue
		}
		if len(sample.TopProcesses) >= 3 {
			continue
		}
		mem, _ := strconv.ParseFloat(fields[9], 64)
		pid, _ := strconv.Atoi(fields[0])
		command := strings.Join(fields[11:], " ")
		if len(command) > 40 {
			command = command[:40]
		}
		sample.TopProcesses = append(sample.TopProcesses, types.ProcessSample{
			PID:     pid,
			User:    fields[1],
			CPU:     cpu,
			Mem:     mem,
			Command: command,
		})
		cpuSum += cpu
	}
	sample.CPUPercent = cpuSum

	return sample
}
