/*
Package selector provides declarative filters over VMRecords (Selector)
composed by intersection, and a small closed predicate grammar (Condition
Evaluator) evaluated against fresh MetricsSamples.
*/
package selector

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/types"
)

// Kind enumerates the Selector variants.
type Kind int

const (
	All Kind = iota
	Tag
	Pattern
	RunningOnly
)

// Selector is a declarative filter over VMRecords. A zero value with
// Kind == All matches everything.
type Selector struct {
	Kind    Kind
	Key     string
	Value   string
	Pattern string
}

// NewTagSelector builds a Tag selector, requiring key=value syntax with a
// non-empty key.
func NewTagSelector(key, value string) (Selector, error) {
	if key == "" {
		return Selector{}, &errs.ValidationError{Field: "key", Reason: "must be non-empty"}
	}
	return Selector{Kind: Tag, Key: key, Value: value}, nil
}

// NewPatternSelector builds a Pattern selector over the given glob.
func NewPatternSelector(glob string) Selector {
	return Selector{Kind: Pattern, Pattern: glob}
}

// Apply resolves sel against records, with unknown tag keys producing an
// empty match rather than an error.
func (sel Selector) Apply(records []types.VMRecord) []types.VMRecord {
	switch sel.Kind {
	case Tag:
		out := make([]types.VMRecord, 0, len(records))
		for _, r := range records {
			if v, ok := r.Tags[sel.Key]; ok && v == sel.Value {
				out = append(out, r)
			}
		}
		return out
	case Pattern:
		out := make([]types.VMRecord, 0, len(records))
		for _, r := range records {
			if ok, err := filepath.Match(sel.Pattern, r.Name); err == nil && ok {
				out = append(out, r)
			}
		}
		return out
	case RunningOnly:
		out := make([]types.VMRecord, 0, len(records))
		for _, r := range records {
			if r.PowerState == types.PowerStateRunning {
				out = append(out, r)
			}
		}
		return out
	default:
		out := make([]types.VMRecord, len(records))
		copy(out, records)
		return out
	}
}

// Intersect composes selectors by intersection: a record must satisfy every
// selector in sels.
func Intersect(records []types.VMRecord, sels ...Selector) []types.VMRecord {
	result := records
	for _, sel := range sels {
		result = sel.Apply(result)
	}
	return result
}

// Predicate is a parsed condition-evaluator expression.
type Predicate struct {
	clauses []clause
}

type clauseOp int

const (
	opIdle clauseOp = iota
	opCPULT
	opCPUGT
	opLoadLT
	opLoadGT
	opMemLT
	opMemGT
)

type clause struct {
	op  clauseOp
	arg float64
}

// ParsePredicate compiles a closed-grammar condition expression: idle,
// cpu<N, cpu>N, load<X, load>X, mem<N, mem>N, combined with "and".
// Unparseable input is reported as a ValidationError, never silently
// admitted.
func ParsePredicate(expr string) (Predicate, error) {
	parts := strings.Split(expr, " and ")
	var p Predicate
	for _, raw := range parts {
		term := strings.TrimSpace(raw)
		c, err := parseClause(term)
		if err != nil {
			return Predicate{}, &errs.ValidationError{Field: "condition", Reason: "unparseable term \"" + term + "\": " + err.Error()}
		}
		p.clauses = append(p.clauses, c)
	}
	if len(p.clauses) == 0 {
		return Predicate{}, &errs.ValidationError{Field: "condition", Reason: "empty expression"}
	}
	return p, nil
}

func parseClause(term string) (clause, error) {
	if term == "idle" {
		return clause{op: opIdle}, nil
	}
	for _, spec := range []struct {
		prefix string
		op     clauseOp
		sep    byte
	}{
		{"cpu<", opCPULT, '<'},
		{"cpu>", opCPUGT, '>'},
		{"load<", opLoadLT, '<'},
		{"load>", opLoadGT, '>'},
		{"mem<", opMemLT, '<'},
		{"mem>", opMemGT, '>'},
	} {
		if strings.HasPrefix(term, spec.prefix) {
			val, err := strconv.ParseFloat(term[len(spec.prefix):], 64)
			if err != nil {
				return clause{}, err
			}
			return clause{op: spec.op, arg: val}, nil
		}
	}
	return clause{}, errUnparseable(term)
}

type unparseableError struct{ term string }

func (e unparseableError) Error() string { return "unrecognized term: " + e.term }

func errUnparseable(term string) error { return unparseableError{term: term} }

// Eval evaluates p against sample. A failed sample (success=false) always
// evaluates to false.
func (p Predicate) Eval(sample types.MetricsSample) bool {
	if !sample.Success {
		return false
	}
	for _, c := range p.clauses {
		if !evalClause(c, sample) {
			return false
		}
	}
	return true
}

func evalClause(c clause, s types.MetricsSample) bool {
	switch c.op {
	case opIdle:
		return s.CPUPercent < 5 && s.Load1m < 0.5
	case opCPULT:
		return s.CPUPercent < c.arg
	case opCPUGT:
		return s.CPUPercent > c.arg
	case opLoadLT:
		return s.Load1m < c.arg
	case opLoadGT:
		return s.Load1m > c.arg
	case opMemLT:
		return s.MemPercent < c.arg
	case opMemGT:
		return s.MemPercent > c.arg
	default:
		return false
	}
}
