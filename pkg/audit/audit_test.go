package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_AssignsUniqueRecordIDsAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	require.NoError(t, log.Append(Record{Action: "rotate_keys"}))
	require.NoError(t, log.Append(Record{Action: "rotate_keys"}))

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	lines := splitNonEmptyLines(string(data))
	require.Len(t, lines, 2)
	assert.NotEqual(t, lines[0], lines[1])
	assert.Contains(t, lines[0], `"record_id":"`)
	assert.Contains(t, lines[0], `"timestamp":"`)
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := NewLog(path)
	require.NoError(t, err)

	require.NoError(t, log.Append(Record{Action: "ensure_key"}))
	require.NoError(t, log.Append(Record{Action: "rotate_keys"}))

	ok, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append(data, []byte(`{"action":"injected"}`+"\n")...)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	ok, err = log.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_MissingLogIsValid(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	ok, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
