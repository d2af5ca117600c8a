/*
Package audit provides an append-only JSON-Lines audit log with a sibling
integrity checksum file, used by credential, keyrotate, and autopilot for
every security-relevant action.

Each record's checksum folds in the previous record's checksum, so the
sidecar file lets a verifier detect truncation or edits anywhere in the
history, not just at the tail.
*/
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Record is one audit entry. RecordID lets a downstream consumer (the CLI,
// a SIEM forwarder) reference one specific entry independent of its
// position in the file; the checksum chain is what detects tampering.
type Record struct {
	RecordID  string                 `json:"record_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Log appends Records to a JSON-Lines file with a sibling "<path>.sha256"
// checksum chain file.
type Log struct {
	path string
}

// NewLog returns a Log writing to path, creating parent directories as
// needed.
func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &Log{path: path}, nil
}

func (l *Log) checksumPath() string {
	return l.path + ".sha256"
}

// Append writes one record, then recomputes the checksum chain.
// A missing-permission error writing the checksum sidecar is logged into
// the returned error but does not prevent the record append from having
// happened (callers that must not fail the outer action on audit-log
// trouble should treat a non-nil error here as advisory).
func (l *Log) Append(rec Record) error {
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	return l.rewriteChecksum()
}

func (l *Log) rewriteChecksum() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open audit log for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	running := ""
	for scanner.Scan() {
		h.Reset()
		h.Write([]byte(running))
		h.Write(scanner.Bytes())
		running = hex.EncodeToString(h.Sum(nil))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}

	return os.WriteFile(l.checksumPath(), []byte(running+"\n"), 0o600)
}

// Verify recomputes the checksum chain over the current log contents and
// reports whether it matches the sidecar file.
func (l *Log) Verify() (bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	running := ""
	for scanner.Scan() {
		h.Reset()
		h.Write([]byte(running))
		h.Write(scanner.Bytes())
		running = hex.EncodeToString(h.Sum(nil))
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("scan audit log: %w", err)
	}

	want, err := os.ReadFile(l.checksumPath())
	if err != nil {
		if os.IsNotExist(err) {
			return running == "", nil
		}
		return false, fmt.Errorf("read checksum file: %w", err)
	}

	return string(want) == running+"\n", nil
}
