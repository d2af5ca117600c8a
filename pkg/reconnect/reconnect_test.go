package reconnect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/transport"
)

type scriptedTransport struct {
	exitCodes []int
	calls     int
}

func (s *scriptedTransport) Connect(ctx context.Context, ep transport.Endpoint, remoteCommand, multiplexSession string) (int, string, error) {
	idx := s.calls
	if idx >= len(s.exitCodes) {
		idx = len(s.exitCodes) - 1
	}
	code := s.exitCodes[idx]
	s.calls++
	return code, "", nil
}

func alwaysRetry(ctx context.Context, attempt int) bool { return true }

func TestConnectWithReconnect_NoCleanupOnFirstAttempt(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitSuccess}}
	cleanupCalls := 0
	cleanup := func(ctx context.Context) error { cleanupCalls++; return nil }

	h := New(tr, 3, alwaysRetry, cleanup)
	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitSuccess, code)
	assert.Equal(t, 0, cleanupCalls)
}

func TestConnectWithReconnect_CleanupCalledBeforeEachRetry(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitDisconnect, transport.ExitDisconnect, transport.ExitSuccess}}
	cleanupCalls := 0
	cleanup := func(ctx context.Context) error { cleanupCalls++; return nil }

	h := New(tr, 3, alwaysRetry, cleanup)
	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitSuccess, code)
	assert.Equal(t, 2, cleanupCalls)
}

func TestConnectWithReconnect_CleanupErrorIsSwallowed(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitDisconnect, transport.ExitSuccess}}
	cleanup := func(ctx context.Context) error { return errors.New("boom") }

	h := New(tr, 3, alwaysRetry, cleanup)
	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitSuccess, code)
}

func TestConnectWithReconnect_CleanupPanicIsSwallowed(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitDisconnect, transport.ExitSuccess}}
	cleanup := func(ctx context.Context) error { panic("cleanup exploded") }

	h := New(tr, 3, alwaysRetry, cleanup)
	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitSuccess, code)
}

func TestConnectWithReconnect_RetriesExhaustedReturnsLastDisconnect(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitDisconnect}}
	h := New(tr, 2, alwaysRetry, nil)

	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitDisconnect, code)
	assert.Equal(t, 3, tr.calls)
}

func TestConnectWithReconnect_OracleDeclinesReturnsImmediately(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitDisconnect}}
	cleanupCalls := 0
	cleanup := func(ctx context.Context) error { cleanupCalls++; return nil }
	decline := func(ctx context.Context, attempt int) bool { return false }

	h := New(tr, 5, decline, cleanup)
	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitDisconnect, code)
	assert.Equal(t, 0, cleanupCalls)
	assert.Equal(t, 1, tr.calls)
}

func TestConnectWithReconnect_UserExitNotRetried(t *testing.T) {
	tr := &scriptedTransport{exitCodes: []int{transport.ExitUserExit}}
	h := New(tr, 5, alwaysRetry, nil)

	code, _, err := h.ConnectWithReconnect(context.Background(), transport.Endpoint{}, "", "")

	require.NoError(t, err)
	assert.Equal(t, transport.ExitUserExit, code)
	assert.Equal(t, 1, tr.calls)
}
