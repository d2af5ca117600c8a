/*
Package diff groups OpResults by output content, sanitizes
sensitive-looking key/value pairs, and renders a human-readable report
with a unified diff between the two largest groups.
*/
package diff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/cuemby/fleetctl/pkg/types"
)

const truncateLen = 500

var sensitiveKeyRe = regexp.MustCompile(`(?i)\b(password|token|api_key|secret)\s*[=:]\s*\S+`)

// Sanitize replaces the value half of any "key=value" or "key: value" pair
// whose key matches password/token/api_key/secret (case-insensitive) with
// "***".
func Sanitize(content string) string {
	return sensitiveKeyRe.ReplaceAllStringFunc(content, func(match string) string {
		idx := strings.IndexAny(match, "=:")
		if idx < 0 {
			return match
		}
		return match[:idx+1] + "***"
	})
}

type group struct {
	output string
	vms    []string
}

// Report renders the human-readable diff report across results.
func Report(results []types.OpResult) string {
	groups := groupByOutput(results)

	if len(groups) <= 1 {
		return "All VM outputs are identical - no differences found"
	}

	var b strings.Builder
	for i, g := range groups {
		fmt.Fprintf(&b, "Group %d: %s\n", i+1, strings.Join(g.vms, ", "))
		fmt.Fprintf(&b, "%s\n\n", truncate(g.output))
	}

	if len(groups) >= 2 {
		unified, err := unifiedDiff(groups[0], groups[1])
		if err == nil {
			b.WriteString("--- diff between group 1 and group 2 ---\n")
			b.WriteString(unified)
		}
	}

	return b.String()
}

func groupByOutput(results []types.OpResult) []group {
	index := map[string]int{}
	var groups []group

	for _, r := range results {
		output := ""
		if r.Output != nil {
			output = Sanitize(*r.Output)
		}
		if idx, ok := index[output]; ok {
			groups[idx].vms = append(groups[idx].vms, r.VMName)
			continue
		}
		index[output] = len(groups)
		groups = append(groups, group{output: output, vms: []string{r.VMName}})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return len(groups[i].vms) > len(groups[j].vms)
	})

	return groups
}

func truncate(s string) string {
	if len(s) <= truncateLen {
		return s
	}
	return s[:truncateLen] + "... (truncated)"
}

func unifiedDiff(a, b group) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.output),
		B:        difflib.SplitLines(b.output),
		FromFile: strings.Join(a.vms, ","),
		ToFile:   strings.Join(b.vms, ","),
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}
