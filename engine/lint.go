// ABOUTME: Plan lint rules reporting structural problems the engine itself tolerates.
// ABOUTME: Unknown dependencies and cycles leave steps that never run; unregistered ops become no-ops.
package engine

import (
	"fmt"
	"strings"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic is a single lint finding.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	StepID   string   `json:"step_id,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	if d.StepID == "" {
		return fmt.Sprintf("%s [%s] %s", d.Severity, d.Rule, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", d.Severity, d.Rule, d.StepID, d.Message)
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Lint checks plan against reg. A nil reg skips the operation check.
func Lint(plan *Plan, reg *Registry) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintIDs(plan)...)
	diags = append(diags, lintDependencies(plan)...)
	diags = append(diags, lintCycles(plan)...)
	if reg != nil {
		diags = append(diags, lintOperations(plan, reg)...)
	}
	diags = append(diags, plan.adjustments...)
	return diags
}

func lintIDs(plan *Plan) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool, len(plan.Steps))
	for i, s := range plan.Steps {
		if s.ID == "" {
			diags = append(diags, Diagnostic{Rule: "step_id", Severity: SeverityError,
				Message: fmt.Sprintf("step %d has no id", i)})
			continue
		}
		if seen[s.ID] {
			diags = append(diags, Diagnostic{Rule: "step_id", Severity: SeverityError, StepID: s.ID,
				Message: "duplicate step id"})
		}
		seen[s.ID] = true
	}
	return diags
}

func lintDependencies(plan *Plan) []Diagnostic {
	ids := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		ids[s.ID] = true
	}
	var diags []Diagnostic
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				diags = append(diags, Diagnostic{Rule: "depends_on", Severity: SeverityError, StepID: s.ID,
					Message: "step depends on itself and will never run"})
			case !ids[dep]:
				diags = append(diags, Diagnostic{Rule: "depends_on", Severity: SeverityError, StepID: s.ID,
					Message: fmt.Sprintf("depends on unknown step %q and will never run", dep)})
			}
		}
	}
	return diags
}

// lintCycles reports each dependency cycle once, via depth-first search.
func lintCycles(plan *Plan) []Diagnostic {
	deps := make(map[string][]string, len(plan.Steps))
	for _, s := range plan.Steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(plan.Steps))
	var diags []Diagnostic
	var path []string

	var visit func(id string)
	visit = func(id string) {
		mark[id] = visiting
		path = append(path, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known || dep == id {
				continue
			}
			switch mark[dep] {
			case visiting:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				diags = append(diags, Diagnostic{Rule: "cycle", Severity: SeverityError, StepID: dep,
					Message: "dependency cycle: " + strings.Join(cycle, " -> ")})
			case unvisited:
				visit(dep)
			}
		}
		path = path[:len(path)-1]
		mark[id] = done
	}

	for _, s := range plan.Steps {
		if mark[s.ID] == unvisited {
			visit(s.ID)
		}
	}
	return diags
}

func lintOperations(plan *Plan, reg *Registry) []Diagnostic {
	var diags []Diagnostic
	for _, s := range plan.Steps {
		if kind, _ := reg.Resolve(s.Operation); kind == KindUnknown {
			diags = append(diags, Diagnostic{Rule: "operation", Severity: SeverityWarning, StepID: s.ID,
				Message: fmt.Sprintf("operation %q matches no registered kind; the step will complete as a no-op", s.Operation)})
		}
	}
	return diags
}
