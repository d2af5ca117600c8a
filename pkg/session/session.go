/*
Package session is a durable registry and state machine for long-running
remote work, backed by pkg/statefile's atomic, lock-serialized JSON
document. Session IDs are a timestamp prefix plus a short random suffix,
falling back to a microsecond-based suffix after repeated collisions. The
state machine is closed: Pending→Running→{Completed|Failed|Killed}.
*/
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/statefile"
	"github.com/cuemby/fleetctl/pkg/transport"
	"github.com/cuemby/fleetctl/pkg/types"
)

var sessionIDRe = regexp.MustCompile(`^sess-\d{8}-\d{6}-[0-9a-f]{4}$`)

const maxIDRetries = 100

// Broker is the Remote Session Broker.
type Broker struct {
	store     *statefile.Store
	transport transport.SSHTransport
	now       func() time.Time
}

// document stores each session as a raw JSON object rather than a typed
// RemoteSession. A read-modify-write cycle decodes only the fields this
// broker knows about, so any field an older or newer broker version wrote
// that this one doesn't recognize survives untouched across the cycle.
type document struct {
	Sessions map[string]json.RawMessage `json:"sessions"`
}

// New returns a Broker persisting to stateDir/remote-state.json.
func New(stateDir string, t transport.SSHTransport) (*Broker, error) {
	store, err := statefile.New(stateDir + "/remote-state.json")
	if err != nil {
		return nil, err
	}
	return &Broker{store: store, transport: t, now: time.Now}, nil
}

func normalized(doc document) document {
	if doc.Sessions == nil {
		doc.Sessions = map[string]json.RawMessage{}
	}
	return doc
}

func decodeSession(raw json.RawMessage) (types.RemoteSession, error) {
	var sess types.RemoteSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return types.RemoteSession{}, &errs.IntegrityError{Path: "session record", Reason: err.Error()}
	}
	return sess, nil
}

// encodeSession merges sess's fields into existing's JSON object rather
// than replacing it outright, so keys existing carries that sess doesn't
// know about (written by a future broker version) are preserved.
func encodeSession(existing json.RawMessage, sess types.RemoteSession) (json.RawMessage, error) {
	overlay := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &overlay); err != nil {
			return nil, &errs.IntegrityError{Path: "session record", Reason: err.Error()}
		}
	}

	known, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	var knownFields map[string]interface{}
	if err := json.Unmarshal(known, &knownFields); err != nil {
		return nil, fmt.Errorf("unmarshal session fields: %w", err)
	}
	for k, v := range knownFields {
		overlay[k] = v
	}

	merged, err := json.Marshal(overlay)
	if err != nil {
		return nil, fmt.Errorf("marshal merged session: %w", err)
	}
	return merged, nil
}

func decodeSessions(doc document) (map[string]types.RemoteSession, error) {
	out := make(map[string]types.RemoteSession, len(doc.Sessions))
	for id, raw := range doc.Sessions {
		sess, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		out[id] = sess
	}
	return out, nil
}

// reportGauges refreshes the fleetctl_sessions_total gauge from the
// current document so it always reflects the last-persisted state.
func reportGauges(sessions map[string]types.RemoteSession) {
	counts := map[types.SessionStatus]int{}
	for _, s := range sessions {
		counts[s.Status]++
	}
	for _, status := range []types.SessionStatus{
		types.SessionPending, types.SessionRunning, types.SessionCompleted,
		types.SessionFailed, types.SessionKilled,
	} {
		metrics.SessionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Create validates input, allocates a session ID, and persists a new
// Pending RemoteSession.
func (b *Broker) Create(vmName string, prompt *string, commandMode string, maxTurns, memoryMB int) (types.RemoteSession, error) {
	if prompt == nil {
		return types.RemoteSession{}, &errs.ValidationError{Field: "prompt", Reason: "must not be null"}
	}
	if strings.TrimSpace(*prompt) == "" {
		return types.RemoteSession{}, &errs.ValidationError{Field: "prompt", Reason: "must be non-empty after trimming"}
	}
	if strings.TrimSpace(vmName) == "" {
		return types.RemoteSession{}, &errs.ValidationError{Field: "vm_name", Reason: "must be non-empty"}
	}
	if memoryMB <= 0 {
		return types.RemoteSession{}, &errs.ValidationError{Field: "memory_mb", Reason: "must be > 0"}
	}
	if maxTurns <= 0 {
		return types.RemoteSession{}, &errs.ValidationError{Field: "max_turns", Reason: "must be > 0"}
	}
	if commandMode == "" {
		commandMode = "auto"
	}

	var created types.RemoteSession
	var doc document
	err := b.store.WithLock(&doc, func(existed bool) (interface{}, error) {
		doc = normalized(doc)

		id, err := b.allocateID(doc)
		if err != nil {
			return nil, err
		}

		created = types.RemoteSession{
			SessionID:          id,
			VMName:             vmName,
			WorkspacePath:      "/workspace/" + id,
			MultiplexerSession: id,
			Prompt:             *prompt,
			CommandMode:        commandMode,
			MaxTurns:           maxTurns,
			MemoryMB:           memoryMB,
			Status:             types.SessionPending,
			CreatedAt:          b.now(),
		}
		raw, err := encodeSession(nil, created)
		if err != nil {
			return nil, err
		}
		doc.Sessions[id] = raw

		sessions, err := decodeSessions(doc)
		if err != nil {
			return nil, err
		}
		reportGauges(sessions)
		return doc, nil
	})
	return created, err
}

func (b *Broker) allocateID(doc document) (string, error) {
	prefix := b.now().UTC().Format("20060102-150405")
	for i := 0; i < maxIDRetries; i++ {
		suffix := make([]byte, 2)
		if _, err := rand.Read(suffix); err != nil {
			return "", fmt.Errorf("generate session id suffix: %w", err)
		}
		id := fmt.Sprintf("sess-%s-%s", prefix, hex.EncodeToString(suffix))
		if _, exists := doc.Sessions[id]; !exists {
			return id, nil
		}
	}
	id := fmt.Sprintf("sess-%s-%06d", prefix, b.now().UTC().Nanosecond()/1000%1000000)
	if _, exists := doc.Sessions[id]; exists {
		return "", &errs.ResourceConflictError{Resource: "session_id", Reason: "id space exhausted after " + fmt.Sprint(maxIDRetries) + " retries and microsecond fallback"}
	}
	return id, nil
}

// Start transitions a Pending session to Running.
func (b *Broker) Start(sessionID string, artifactHandle interface{}) (types.RemoteSession, error) {
	var result types.RemoteSession
	var doc document
	err := b.store.WithLock(&doc, func(existed bool) (interface{}, error) {
		doc = normalized(doc)
		raw, ok := doc.Sessions[sessionID]
		if !ok {
			return nil, &errs.ValidationError{Field: "session_id", Reason: "not found"}
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		if sess.Status != types.SessionPending {
			return nil, &errs.InvalidTransitionError{From: string(sess.Status), To: string(types.SessionRunning)}
		}
		now := b.now()
		sess.Status = types.SessionRunning
		sess.StartedAt = &now

		merged, err := encodeSession(raw, sess)
		if err != nil {
			return nil, err
		}
		doc.Sessions[sessionID] = merged
		result = sess

		sessions, err := decodeSessions(doc)
		if err != nil {
			return nil, err
		}
		reportGauges(sessions)
		return doc, nil
	})
	return result, err
}

// Get returns the session by ID, or ok=false if absent.
func (b *Broker) Get(sessionID string) (types.RemoteSession, bool, error) {
	var doc document
	if _, err := b.store.Read(&doc); err != nil {
		return types.RemoteSession{}, false, err
	}
	doc = normalized(doc)
	raw, ok := doc.Sessions[sessionID]
	if !ok {
		return types.RemoteSession{}, false, nil
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return types.RemoteSession{}, false, err
	}
	return sess, true, nil
}

// List returns all sessions, optionally filtered by status.
func (b *Broker) List(status *types.SessionStatus) ([]types.RemoteSession, error) {
	var doc document
	if _, err := b.store.Read(&doc); err != nil {
		return nil, err
	}
	doc = normalized(doc)
	sessions, err := decodeSessions(doc)
	if err != nil {
		return nil, err
	}
	out := make([]types.RemoteSession, 0, len(sessions))
	for _, s := range sessions {
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Kill transitions the session to Killed from any status. force is accepted
// but not stored, and it does not change which transitions are allowed.
// Returns false if the session does not exist.
func (b *Broker) Kill(sessionID string, force bool) (bool, error) {
	var killed bool
	var doc document
	err := b.store.WithLock(&doc, func(existed bool) (interface{}, error) {
		doc = normalized(doc)
		raw, ok := doc.Sessions[sessionID]
		if !ok {
			return nil, nil
		}
		sess, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		now := b.now()
		sess.Status = types.SessionKilled
		sess.CompletedAt = &now

		merged, err := encodeSession(raw, sess)
		if err != nil {
			return nil, err
		}
		doc.Sessions[sessionID] = merged
		killed = true

		sessions, err := decodeSessions(doc)
		if err != nil {
			return nil, err
		}
		reportGauges(sessions)
		return doc, nil
	})
	return killed, err
}

// CaptureOutput tails the session's terminal-multiplexer buffer. As a
// defense in depth, it refuses to embed MultiplexerSession in a remote
// command unless it matches the session ID regex, returning "" instead of
// invoking the transport.
func (b *Broker) CaptureOutput(ctx context.Context, sessionID string, lines int, ep transport.Endpoint) (string, error) {
	sess, ok, err := b.Get(sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &errs.ValidationError{Field: "session_id", Reason: "not found"}
	}
	if lines <= 0 {
		lines = 100
	}
	if !sessionIDRe.MatchString(sess.MultiplexerSession) {
		return "", nil
	}

	cmd := fmt.Sprintf("tmux capture-pane -p -t %s -S -%d", sess.MultiplexerSession, lines)
	_, output, err := b.transport.Connect(ctx, ep, cmd, "")
	if err != nil {
		return "", &errs.TransportError{Op: "capture_output", Err: err}
	}
	return output, nil
}

// CheckStatus returns the session's current status, erroring if missing.
func (b *Broker) CheckStatus(sessionID string) (types.SessionStatus, error) {
	sess, ok, err := b.Get(sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &errs.ValidationError{Field: "session_id", Reason: "not found"}
	}
	return sess.Status, nil
}
