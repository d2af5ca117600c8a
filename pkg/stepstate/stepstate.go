/*
Package stepstate tracks progress through a fixed ordered set of workflow
steps, some mandatory, persisted atomically per session via pkg/statefile.
Skipping a mandatory step without a recorded override is a typed error,
never a silent no-op.
*/
package stepstate

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/fleetctl/pkg/errs"
	"github.com/cuemby/fleetctl/pkg/log"
	"github.com/cuemby/fleetctl/pkg/statefile"
	"github.com/cuemby/fleetctl/pkg/types"
)

// Store persists one WorkflowExecutionState per session under stateDir,
// named state_<session_id>.json.
type Store struct {
	stateDir string
	now      func() time.Time
}

// New returns a Store rooted at stateDir (typically
// "<project_root>/<runtime>/workflow").
func New(stateDir string) *Store {
	return &Store{stateDir: stateDir, now: time.Now}
}

func (s *Store) path(sessionID string) string {
	return s.stateDir + "/state_" + sessionID + ".json"
}

// Create builds an initial WorkflowExecutionState and persists it.
func (s *Store) Create(sessionID, workflowName string, totalSteps int, mandatorySteps []int) (types.WorkflowExecutionState, error) {
	mandatory := map[int]bool{}
	for _, step := range mandatorySteps {
		mandatory[step] = true
	}

	now := s.now()
	state := types.WorkflowExecutionState{
		SessionID:      sessionID,
		WorkflowName:   workflowName,
		TotalSteps:     totalSteps,
		CurrentStep:    0,
		CompletedSteps: map[int]bool{},
		SkippedSteps:   map[int]string{},
		MandatorySteps: mandatory,
		UserOverrides:  map[int]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return state, s.Save(state)
}

// Load returns the persisted state for sessionID, or ok=false if the state
// file is missing. A corrupt state file is logged as an error and also
// returns ok=false, per the graceful-degradation contract.
func (s *Store) Load(sessionID string) (types.WorkflowExecutionState, bool, error) {
	store, err := statefile.New(s.path(sessionID))
	if err != nil {
		return types.WorkflowExecutionState{}, false, err
	}

	var state types.WorkflowExecutionState
	existed, err := store.Read(&state)
	if err != nil {
		if _, ok := err.(*errs.IntegrityError); ok {
			corruptLog := log.WithComponent("stepstate")
			corruptLog.Error().Err(err).Str("session_id", sessionID).Msg("workflow state file is corrupt")
			return types.WorkflowExecutionState{}, false, nil
		}
		return types.WorkflowExecutionState{}, false, err
	}
	if !existed {
		return types.WorkflowExecutionState{}, false, nil
	}
	return normalized(state), true, nil
}

func normalized(state types.WorkflowExecutionState) types.WorkflowExecutionState {
	if state.CompletedSteps == nil {
		state.CompletedSteps = map[int]bool{}
	}
	if state.SkippedSteps == nil {
		state.SkippedSteps = map[int]string{}
	}
	if state.MandatorySteps == nil {
		state.MandatorySteps = map[int]bool{}
	}
	if state.UserOverrides == nil {
		state.UserOverrides = map[int]string{}
	}
	return state
}

// Save persists state atomically (temp file + rename, 0600 mode), setting
// UpdatedAt to now.
func (s *Store) Save(state types.WorkflowExecutionState) error {
	store, err := statefile.New(s.path(state.SessionID))
	if err != nil {
		return err
	}
	state.UpdatedAt = s.now()

	var dst types.WorkflowExecutionState
	return store.WithLock(&dst, func(existed bool) (interface{}, error) {
		return state, nil
	})
}

func validateStep(state types.WorkflowExecutionState, step int) error {
	if step < 0 || step >= state.TotalSteps {
		return &errs.ValidationError{Field: "step", Reason: fmt.Sprintf("step %d out of range [0, %d)", step, state.TotalSteps)}
	}
	return nil
}

// MarkComplete records step as completed, removing any skip entry, and
// advances CurrentStep to the next step not in completed∪skipped.
func MarkComplete(state types.WorkflowExecutionState, step int) (types.WorkflowExecutionState, error) {
	if err := validateStep(state, step); err != nil {
		return state, err
	}
	state = normalized(state)
	state.CompletedSteps[step] = true
	delete(state.SkippedSteps, step)
	state.CurrentStep = nextIncompleteStep(state)
	return state, nil
}

// MarkSkipped records step as skipped with reason, unless step is
// mandatory and has no recorded user override, in which case it returns a
// MandatorySkipError and leaves state unchanged.
func MarkSkipped(state types.WorkflowExecutionState, step int, reason string) (types.WorkflowExecutionState, error) {
	if err := validateStep(state, step); err != nil {
		return state, err
	}
	state = normalized(state)
	if state.MandatorySteps[step] {
		if _, overridden := state.UserOverrides[step]; !overridden {
			return state, &errs.MandatorySkipError{Step: step}
		}
	}
	state.SkippedSteps[step] = reason
	state.CurrentStep = nextIncompleteStep(state)
	return state, nil
}

// RecordUserOverride records an override message for step, permitting a
// later MarkSkipped on a mandatory step.
func RecordUserOverride(state types.WorkflowExecutionState, step int, message string) (types.WorkflowExecutionState, error) {
	if err := validateStep(state, step); err != nil {
		return state, err
	}
	state = normalized(state)
	state.UserOverrides[step] = message
	return state, nil
}

// MarkTodosInitialized flips the TodosInitialized flag.
func MarkTodosInitialized(state types.WorkflowExecutionState) types.WorkflowExecutionState {
	state.TodosInitialized = true
	return state
}

func nextIncompleteStep(state types.WorkflowExecutionState) int {
	for i := 0; i < state.TotalSteps; i++ {
		if state.CompletedSteps[i] || hasSkip(state, i) {
			continue
		}
		return i
	}
	return state.TotalSteps
}

func hasSkip(state types.WorkflowExecutionState, step int) bool {
	_, ok := state.SkippedSteps[step]
	return ok
}

// ValidationResult is the outcome of validating a completed workflow.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// IsValid reports whether Errors is empty.
func (r ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

// ValidateCompletion checks that the final step completed, every
// mandatory step completed or was overridden, and todos were initialized.
// Every skipped non-mandatory step is reported as a warning.
func ValidateCompletion(state types.WorkflowExecutionState) ValidationResult {
	state = normalized(state)
	var result ValidationResult

	if state.TotalSteps > 0 {
		final := state.TotalSteps - 1
		if !state.CompletedSteps[final] {
			result.Errors = append(result.Errors, fmt.Sprintf("final step %d was not completed", final))
		}
	}

	mandatorySteps := sortedKeys(state.MandatorySteps)
	for _, step := range mandatorySteps {
		if state.CompletedSteps[step] {
			continue
		}
		if _, overridden := state.UserOverrides[step]; overridden {
			continue
		}
		result.Errors = append(result.Errors, fmt.Sprintf("mandatory step %d was not completed", step))
	}

	if !state.TodosInitialized {
		result.Errors = append(result.Errors, "todos were never initialized")
	}

	for _, step := range sortedSkipKeys(state.SkippedSteps) {
		if state.MandatorySteps[step] {
			continue
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("step %d skipped: %s", step, state.SkippedSteps[step]))
	}

	return result
}

// NextSteps returns up to k earliest steps not yet completed or skipped.
func NextSteps(state types.WorkflowExecutionState, k int) []int {
	state = normalized(state)
	if k <= 0 {
		k = 3
	}
	var out []int
	for i := 0; i < state.TotalSteps && len(out) < k; i++ {
		if state.CompletedSteps[i] || hasSkip(state, i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedSkipKeys(m map[int]string) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
