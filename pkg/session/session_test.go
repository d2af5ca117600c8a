package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

type fakeTransport struct {
	output string
	err    error
}

func (f *fakeTransport) Connect(ctx context.Context, ep transport.Endpoint, remoteCommand, multiplexSession string) (int, string, error) {
	return transport.ExitSuccess, f.output, f.err
}

func strPtr(s string) *string { return &s }

func newBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(t.TempDir(), &fakeTransport{output: "tail output"})
	require.NoError(t, err)
	return b
}

func TestCreate_ValidatesInput(t *testing.T) {
	b := newBroker(t)

	_, err := b.Create("vm-1", nil, "", 10, 16384)
	assert.Error(t, err)

	_, err = b.Create("vm-1", strPtr("   "), "", 10, 16384)
	assert.Error(t, err)

	_, err = b.Create("", strPtr("do a thing"), "", 10, 16384)
	assert.Error(t, err)

	_, err = b.Create("vm-1", strPtr("do a thing"), "", 10, 0)
	assert.Error(t, err)

	_, err = b.Create("vm-1", strPtr("do a thing"), "", 0, 16384)
	assert.Error(t, err)
}

func TestCreate_Success(t *testing.T) {
	b := newBroker(t)

	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)

	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, sess.Status)
	assert.Equal(t, "/workspace/"+sess.SessionID, sess.WorkspacePath)
	assert.Equal(t, sess.SessionID, sess.MultiplexerSession)
	assert.Regexp(t, `^sess-\d{8}-\d{6}-[0-9a-f]{4}$`, sess.SessionID)
	assert.Equal(t, "auto", sess.CommandMode)
}

func TestStart_RequiresPending(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	started, err := b.Start(sess.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = b.Start(sess.SessionID, nil)
	require.Error(t, err)
	var transitionErr *errs.InvalidTransitionError
	assert.ErrorAs(t, err, &transitionErr)
}

func TestGetAndList(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	got, ok, err := b.Get(sess.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.SessionID, got.SessionID)

	_, ok, err = b.Get("sess-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := b.List(nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	pending := types.SessionPending
	filtered, err := b.List(&pending)
	require.NoError(t, err)
	assert.Len(t, filtered, 1)

	running := types.SessionRunning
	filtered, err = b.List(&running)
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestKill_ReturnsFalseWhenMissing(t *testing.T) {
	b := newBroker(t)

	killed, err := b.Kill("sess-missing", false)
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestKill_TransitionsAndPersists(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	killed, err := b.Kill(sess.SessionID, true)
	require.NoError(t, err)
	assert.True(t, killed)

	got, _, err := b.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionKilled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCaptureOutput_RefusesMismatchedMultiplexerSession(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	// Tamper with the stored multiplexer session to simulate a corrupted record.
	var doc document
	require.NoError(t, b.store.WithLock(&doc, func(existed bool) (interface{}, error) {
		doc = normalized(doc)
		s, err := decodeSession(doc.Sessions[sess.SessionID])
		require.NoError(t, err)
		s.MultiplexerSession = "rm -rf /; echo pwned"
		raw, err := encodeSession(doc.Sessions[sess.SessionID], s)
		require.NoError(t, err)
		doc.Sessions[sess.SessionID] = raw
		return doc, nil
	}))

	out, err := b.CaptureOutput(context.Background(), sess.SessionID, 100, transport.Endpoint{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCaptureOutput_ReturnsTransportOutput(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	out, err := b.CaptureOutput(context.Background(), sess.SessionID, 50, transport.Endpoint{})
	require.NoError(t, err)
	assert.Equal(t, "tail output", out)
}

func TestCheckStatus_ErrorsWhenMissing(t *testing.T) {
	b := newBroker(t)

	_, err := b.CheckStatus("sess-missing")
	assert.Error(t, err)
}

func TestStart_PreservesUnknownFieldsOnReadModifyWrite(t *testing.T) {
	b := newBroker(t)
	sess, err := b.Create("vm-1", strPtr("do a thing"), "", 10, 16384)
	require.NoError(t, err)

	// Simulate a field written by a newer broker version that this one
	// does not know about.
	var doc document
	require.NoError(t, b.store.WithLock(&doc, func(existed bool) (interface{}, error) {
		doc = normalized(doc)
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(doc.Sessions[sess.SessionID], &fields))
		fields["cost_center"] = "eng-42"
		raw, err := json.Marshal(fields)
		require.NoError(t, err)
		doc.Sessions[sess.SessionID] = raw
		return doc, nil
	}))

	_, err = b.Start(sess.SessionID, nil)
	require.NoError(t, err)

	var after document
	_, err = b.store.Read(&after)
	require.NoError(t, err)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(after.Sessions[sess.SessionID], &fields))
	assert.Equal(t, "eng-42", fields["cost_center"])
	assert.Equal(t, string(types.SessionRunning), fields["status"])
}
