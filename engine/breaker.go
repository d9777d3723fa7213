// ABOUTME: Circuit breaker bookkeeping over ExecutionState at step and operation-kind scope.
// ABOUTME: Pure functions applied once per final outcome of a wrapped call.
package engine

import "time"

// BreakerOptions tunes failure counting.
type BreakerOptions struct {
	// ResetOnClose zeroes a scope's failure counter once its circuit has
	// re-closed, before the next failure is counted. When false, counters only
	// grow for the life of the run, so a scope that tripped once re-opens on
	// its next failure.
	ResetOnClose bool
	// AggregateOp counts every final failure against the operation scope and
	// opens it once that shared total reaches the failing step's threshold.
	// When false, the operation scope is bumped only when a step trips.
	AggregateOp bool
}

// BreakerTrip reports which scopes a failure opened.
type BreakerTrip struct {
	Step      bool
	Operation bool
}

// Any reports whether either scope opened.
func (t BreakerTrip) Any() bool { return t.Step || t.Operation }

// RecordFailure counts one final failure of stepID. When the step's counter
// reaches cfg.FailureThreshold its circuit opens, and the opKey scope is bumped
// and opened alongside it. A zero threshold counts but never opens.
func RecordFailure(state *ExecutionState, stepID, opKey string, cfg CircuitBreaker, now time.Time, opts BreakerOptions) BreakerTrip {
	state.ensure()
	nowSec := unixSeconds(now)

	if opts.ResetOnClose {
		if until, ok := state.CircuitOpenUntil[stepID]; ok && until <= nowSec {
			state.FailureCounts[stepID] = 0
			delete(state.CircuitOpenUntil, stepID)
		}
		if until, ok := state.CircuitOpenUntilOp[opKey]; ok && opKey != "" && until <= nowSec {
			state.FailureCountsOp[opKey] = 0
			delete(state.CircuitOpenUntilOp, opKey)
		}
	}

	state.FailureCounts[stepID]++
	if opKey != "" && opts.AggregateOp {
		state.FailureCountsOp[opKey]++
	}

	var trip BreakerTrip
	if cfg.FailureThreshold <= 0 {
		return trip
	}
	until := nowSec + cfg.ResetSeconds
	if state.FailureCounts[stepID] >= cfg.FailureThreshold {
		state.CircuitOpenUntil[stepID] = until
		trip.Step = true
		if opKey != "" && !opts.AggregateOp {
			state.FailureCountsOp[opKey]++
			state.CircuitOpenUntilOp[opKey] = until
			trip.Operation = true
		}
	}
	if opKey != "" && opts.AggregateOp && state.FailureCountsOp[opKey] >= cfg.FailureThreshold {
		state.CircuitOpenUntilOp[opKey] = until
		trip.Operation = true
	}
	return trip
}

// RecordSuccess marks stepID complete. Failure counters are left untouched.
func RecordSuccess(state *ExecutionState, stepID string) {
	state.ensure()
	state.markCompleted(stepID)
}

// IsOpen reports whether the step's or the operation's circuit expires after now.
func IsOpen(state *ExecutionState, stepID, opKey string, now time.Time) bool {
	nowSec := unixSeconds(now)
	if until, ok := state.CircuitOpenUntil[stepID]; ok && until > nowSec {
		return true
	}
	if opKey == "" {
		return false
	}
	until, ok := state.CircuitOpenUntilOp[opKey]
	return ok && until > nowSec
}
