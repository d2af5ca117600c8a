package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/fleetctl/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestSanitize_RedactsSensitiveKeys(t *testing.T) {
	in := "user=alice password=hunter2 token: abc123 api_key=xyz SECRET=shh"
	out := Sanitize(in)

	assert.Contains(t, out, "user=alice")
	assert.Contains(t, out, "password=***")
	assert.Contains(t, out, "token:***")
	assert.Contains(t, out, "api_key=***")
	assert.Contains(t, out, "SECRET=***")
	assert.NotContains(t, out, "hunter2")
}

func TestReport_IdenticalOutputs(t *testing.T) {
	results := []types.OpResult{
		{VMName: "vm-1", Output: strPtr("ok\n")},
		{VMName: "vm-2", Output: strPtr("ok\n")},
	}

	assert.Equal(t, "All VM outputs are identical - no differences found", Report(results))
}

func TestReport_GroupsByOutput(t *testing.T) {
	results := []types.OpResult{
		{VMName: "vm-1", Output: strPtr("line-a\n")},
		{VMName: "vm-2", Output: strPtr("line-a\n")},
		{VMName: "vm-3", Output: strPtr("line-b\n")},
	}

	report := Report(results)

	assert.Contains(t, report, "vm-1, vm-2")
	assert.Contains(t, report, "vm-3")
	assert.Contains(t, report, "diff between group 1 and group 2")
}

func TestReport_TruncatesLongOutput(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	results := []types.OpResult{
		{VMName: "vm-1", Output: strPtr(string(long))},
		{VMName: "vm-2", Output: strPtr("short\n")},
	}

	report := Report(results)
	assert.Contains(t, report, "truncated")
}
