// ABOUTME: Dispatcher selecting the next eligible step in declaration order, auto-skipping steps behind open circuits.
// ABOUTME: Sets CurrentOpKey to EndKey when nothing remains eligible.
package engine

import (
	"strings"
	"time"
)

// Dispatcher picks the next step to run.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher returns a dispatcher that keys operation breakers by the
// kind reg resolves each step to. A nil registry keys them by the lower-cased
// operation string.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Dispatch is Dispatcher.Dispatch without a registry.
func Dispatch(plan *Plan, state *ExecutionState, now time.Time) *ExecutionState {
	return (&Dispatcher{}).Dispatch(plan, state, now)
}

// Dispatch walks plan steps in order and selects the first step that is not
// completed, whose circuits are closed, and whose dependencies have all
// completed. Steps found behind an open circuit are completed as skipped
// along the way. The state is mutated in place and returned.
func (d *Dispatcher) Dispatch(plan *Plan, state *ExecutionState, now time.Time) *ExecutionState {
	state.ensure()
	if state.Done() {
		return state
	}

	for _, step := range plan.Steps {
		if state.IsCompleted(step.ID) {
			continue
		}
		key := d.opKey(step.Operation)
		if IsOpen(state, step.ID, key, now) {
			state.markSkipped(step.ID)
			continue
		}
		if !depsSatisfied(step, state) {
			continue
		}
		state.CurrentStepID = step.ID
		state.CurrentOp = step.Operation
		state.CurrentOpKey = key
		return state
	}

	state.CurrentStepID = ""
	state.CurrentOp = ""
	state.CurrentOpKey = EndKey
	return state
}

func (d *Dispatcher) opKey(op string) string {
	if d.registry == nil {
		return strings.ToLower(strings.TrimSpace(op))
	}
	kind, _ := d.registry.Resolve(op)
	return string(kind)
}

func depsSatisfied(step Step, state *ExecutionState) bool {
	for _, dep := range step.DependsOn {
		if !state.IsCompleted(dep) {
			return false
		}
	}
	return true
}
