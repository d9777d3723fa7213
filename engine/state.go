// ABOUTME: ExecutionState is the serializable progress record of one run: completions, skips, breaker counters.
// ABOUTME: It is owned by a single engine loop; Clone produces the deep copies used for handlers and snapshots.
package engine

import (
	"maps"
	"slices"
	"time"
)

// EndKey is the CurrentOpKey value meaning no step remains eligible.
const EndKey = "__end__"

// ExecutionState is the mutable state of one run.
type ExecutionState struct {
	RunID  string `json:"run_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`

	CompletedIDs []string `json:"completed_ids"`
	SkippedIDs   []string `json:"skipped_ids"`
	UnknownIDs   []string `json:"unknown_ids,omitempty"`

	FailureCounts      map[string]int     `json:"failure_counts"`
	FailureCountsOp    map[string]int     `json:"failure_counts_op"`
	CircuitOpenUntil   map[string]float64 `json:"circuit_open_until"`
	CircuitOpenUntilOp map[string]float64 `json:"circuit_open_until_op"`
	LastErrors         map[string]string  `json:"last_errors,omitempty"`

	CurrentStepID string `json:"current_step_id"`
	CurrentOp     string `json:"current_op"`
	CurrentOpKey  string `json:"current_op_key"`

	// PausedBefore names the step a paused run halted in front of.
	PausedBefore string `json:"paused_before,omitempty"`
}

// NewExecutionState returns an empty state with all maps allocated.
func NewExecutionState() *ExecutionState {
	s := &ExecutionState{}
	s.ensure()
	return s
}

// ensure allocates any nil collections, e.g. after decoding a sparse snapshot.
func (s *ExecutionState) ensure() {
	if s.CompletedIDs == nil {
		s.CompletedIDs = []string{}
	}
	if s.SkippedIDs == nil {
		s.SkippedIDs = []string{}
	}
	if s.FailureCounts == nil {
		s.FailureCounts = make(map[string]int)
	}
	if s.FailureCountsOp == nil {
		s.FailureCountsOp = make(map[string]int)
	}
	if s.CircuitOpenUntil == nil {
		s.CircuitOpenUntil = make(map[string]float64)
	}
	if s.CircuitOpenUntilOp == nil {
		s.CircuitOpenUntilOp = make(map[string]float64)
	}
	if s.LastErrors == nil {
		s.LastErrors = make(map[string]string)
	}
}

// IsCompleted reports whether id has finished (successfully, failed, skipped or unknown).
func (s *ExecutionState) IsCompleted(id string) bool {
	return slices.Contains(s.CompletedIDs, id)
}

// IsSkipped reports whether id was auto-completed because its circuit was open.
func (s *ExecutionState) IsSkipped(id string) bool {
	return slices.Contains(s.SkippedIDs, id)
}

// Done reports whether the dispatcher has reached the terminal state.
func (s *ExecutionState) Done() bool {
	return s.CurrentOpKey == EndKey
}

func (s *ExecutionState) markCompleted(id string) {
	if !s.IsCompleted(id) {
		s.CompletedIDs = append(s.CompletedIDs, id)
	}
}

func (s *ExecutionState) markSkipped(id string) {
	s.markCompleted(id)
	if !s.IsSkipped(id) {
		s.SkippedIDs = append(s.SkippedIDs, id)
	}
}

func (s *ExecutionState) markUnknown(id string) {
	s.markCompleted(id)
	if !slices.Contains(s.UnknownIDs, id) {
		s.UnknownIDs = append(s.UnknownIDs, id)
	}
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedIDs = slices.Clone(s.CompletedIDs)
	c.SkippedIDs = slices.Clone(s.SkippedIDs)
	c.UnknownIDs = slices.Clone(s.UnknownIDs)
	c.FailureCounts = maps.Clone(s.FailureCounts)
	c.FailureCountsOp = maps.Clone(s.FailureCountsOp)
	c.CircuitOpenUntil = maps.Clone(s.CircuitOpenUntil)
	c.CircuitOpenUntilOp = maps.Clone(s.CircuitOpenUntilOp)
	c.LastErrors = maps.Clone(s.LastErrors)
	c.ensure()
	return &c
}

// unixSeconds converts t to fractional Unix seconds, the unit breaker expiries are stored in.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds converts a stored breaker expiry back into a time.
func FromUnixSeconds(v float64) time.Time {
	return time.Unix(0, int64(v*float64(time.Second)))
}
