package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/transport"
)

type fakeTransport struct {
	exitCode int
	output   string
	err      error
	delay    time.Duration
}

func (f *fakeTransport) Connect(ctx context.Context, ep transport.Endpoint, remoteCommand, multiplexSession string) (int, string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return transport.ExitDisconnect, "", nil
		}
	}
	return f.exitCode, f.output, f.err
}

const sampleOutput = ` 14:32:01 up 3 days,  2:10,  1 user,  load average: 0.52, 0.58, 0.59
              total        used        free      shared  buff/cache   available
Mem:           7954        3012        1200         120        3742        4500
Swap:             0           0           0
top - 14:32:01 up 3 days
PID USER      PR  NI    VIRT    RES    SHR S  %CPU %MEM     TIME+ COMMAND
  123 root      20   0  123456  12345   1234 S  45.2  1.6   1:23.45 worker-proc
  456 azureuser 20   0   98765   8765    876 S  12.0  0.3   0:45.10 python3 script.py
  789 root      20   0   12345   1234    123 S   0.0  0.1   0:00.10 idle-proc
`

func TestSample_Success(t *testing.T) {
	p := New(&fakeTransport{exitCode: transport.ExitSuccess, output: sampleOutput})

	s := p.Sample(context.Background(), "vm-1", transport.Endpoint{}, 5*time.Second)

	require.True(t, s.Success)
	assert.Equal(t, "vm-1", s.VMName)
	assert.InDelta(t, 0.52, s.Load1m, 0.001)
	assert.InDelta(t, 0.58, s.Load5m, 0.001)
	assert.InDelta(t, 0.59, s.Load15m, 0.001)
	assert.Equal(t, 7954.0, s.MemTotalMB)
	assert.Equal(t, 3012.0, s.MemUsedMB)
	assert.InDelta(t, 3012.0/7954.0*100, s.MemPercent, 0.01)
	require.Len(t, s.TopProcesses, 2)
	assert.Equal(t, "worker-proc", s.TopProcesses[0].Command)
	assert.InDelta(t, 45.2+12.0, s.CPUPercent, 0.01)
}

func TestSample_NonZeroExit(t *testing.T) {
	p := New(&fakeTransport{exitCode: 1, output: ""})

	s := p.Sample(context.Background(), "vm-1", transport.Endpoint{}, 5*time.Second)

	assert.False(t, s.Success)
	assert.Contains(t, s.ErrorMessage, "exited 1")
}

func TestSample_TransportError(t *testing.T) {
	p := New(&fakeTransport{err: errors.New("connection refused")})

	s := p.Sample(context.Background(), "vm-1", transport.Endpoint{}, 5*time.Second)

	assert.False(t, s.Success)
	assert.Equal(t, "connection refused", s.ErrorMessage)
}

func TestSample_Timeout(t *testing.T) {
	p := New(&fakeTransport{delay: 50 * time.Millisecond})

	s := p.Sample(context.Background(), "vm-1", transport.Endpoint{}, 10*time.Millisecond)

	assert.False(t, s.Success)
	assert.Equal(t, "Timeout after 0s", s.ErrorMessage)
	assert.Equal(t, 0.01, s.ProbeDurationSeconds)
}

func TestSample_NoProcessesWithPositiveCPU(t *testing.T) {
	output := `14:00:00 up 1 day, load average: 0.0, 0.0, 0.0
Mem:           1000         500         500           0           0           0
PID USER      PR  NI    VIRT    RES    SHR S  %CPU %MEM     TIME+ COMMAND
  1 root      20   0       0      0      0 S   0.0  0.0   0:00.00 idle
`
	p := New(&fakeTransport{exitCode: transport.ExitSuccess, output: output})

	s := p.Sample(context.Background(), "vm-1", transport.Endpoint{}, 5*time.Second)

	require.True(t, s.Success)
	assert.Empty(t, s.TopProcesses)
	assert.Equal(t, 0.0, s.CPUPercent)
}
