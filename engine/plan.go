// ABOUTME: Plan and Step model: parsing JSON/YAML plan documents and normalizing the legacy operation list.
// ABOUTME: Plans are read-only after parsing; Digest fingerprints a plan for checkpoint compatibility.
package engine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// MaxRetriesLimit is the upper bound every retry count is clamped to.
const MaxRetriesLimit = 5

// RetrySpec is the plan-level retry configuration of a step.
type RetrySpec struct {
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
	BackoffSeconds float64 `json:"backoff_seconds" yaml:"backoff_seconds"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

// CircuitBreaker configures failure isolation for a step. A zero FailureThreshold disables it.
type CircuitBreaker struct {
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold"`
	ResetSeconds     float64 `json:"reset_seconds" yaml:"reset_seconds"`
}

// Step is one node of a plan.
type Step struct {
	ID        string   `json:"id" yaml:"id"`
	Operation string   `json:"op" yaml:"op"`
	Inputs    []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs   []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
	// RetryPolicy is nil when the plan leaves retry to the operation's registered default.
	RetryPolicy    *RetrySpec     `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	CircuitBreaker CircuitBreaker `json:"circuit_breaker" yaml:"circuit_breaker"`
	Params         map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Timeout returns the step's hard timeout, or zero when none is configured.
func (s Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Plan is an ordered list of steps forming a DAG through DependsOn.
type Plan struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`

	// adjustments records values normalize had to change, for Lint.
	adjustments []Diagnostic
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepIDs returns step ids in declaration order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Digest returns a hex blake3 hash of the plan's canonical JSON form.
func (p *Plan) Digest() string {
	data, err := json.Marshal(p)
	if err != nil {
		// Params that cannot be encoded still need a stable identity.
		data = []byte(fmt.Sprintf("%#v", p))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PlanError reports a plan document that cannot be turned into a Plan.
type PlanError struct {
	Reason string
	Err    error
}

func (e *PlanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid plan: %s: %v", e.Reason, e.Err)
	}
	return "invalid plan: " + e.Reason
}

func (e *PlanError) Unwrap() error { return e.Err }

// NormalizeLegacy turns a flat list of operation names into a linear chain of
// synthetic steps tp1, tp2, ... each depending on the previous one.
func NormalizeLegacy(ops []string) *Plan {
	plan := &Plan{Steps: make([]Step, 0, len(ops))}
	for i, op := range ops {
		step := Step{
			ID:        fmt.Sprintf("tp%d", i+1),
			Operation: op,
			DependsOn: []string{},
		}
		if i > 0 {
			step.DependsOn = []string{plan.Steps[i-1].ID}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

// ParsePlan decodes a JSON or YAML plan document. The document may be a
// sequence of step mappings, a sequence of bare operation names (the legacy
// form), or a mapping with a steps key.
func ParsePlan(data []byte) (*Plan, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &PlanError{Reason: "decode", Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &PlanError{Reason: "empty document"}
	}

	doc := root.Content[0]
	var plan *Plan
	var err error
	switch doc.Kind {
	case yaml.SequenceNode:
		plan, err = planFromSequence(doc)
	case yaml.MappingNode:
		var raw struct {
			ID    string    `yaml:"id"`
			Name  string    `yaml:"name"`
			Steps yaml.Node `yaml:"steps"`
		}
		if err := doc.Decode(&raw); err != nil {
			return nil, &PlanError{Reason: "decode", Err: err}
		}
		if raw.Steps.Kind != yaml.SequenceNode {
			return nil, &PlanError{Reason: "steps must be a list"}
		}
		plan, err = planFromSequence(&raw.Steps)
		if plan != nil {
			plan.ID, plan.Name = raw.ID, raw.Name
		}
	default:
		return nil, &PlanError{Reason: "document must be a list of steps or a mapping with steps"}
	}
	if err != nil {
		return nil, err
	}

	plan.normalize()
	if err := plan.validateIDs(); err != nil {
		return nil, err
	}
	return plan, nil
}

func planFromSequence(seq *yaml.Node) (*Plan, error) {
	if len(seq.Content) == 0 {
		return &Plan{Steps: []Step{}}, nil
	}

	scalars := 0
	for _, item := range seq.Content {
		if item.Kind == yaml.ScalarNode {
			scalars++
		}
	}

	switch scalars {
	case len(seq.Content):
		ops := make([]string, len(seq.Content))
		for i, item := range seq.Content {
			ops[i] = item.Value
		}
		return NormalizeLegacy(ops), nil
	case 0:
		steps := make([]Step, len(seq.Content))
		for i, item := range seq.Content {
			if item.Kind != yaml.MappingNode {
				return nil, &PlanError{Reason: fmt.Sprintf("step %d is not a mapping", i)}
			}
			if err := item.Decode(&steps[i]); err != nil {
				return nil, &PlanError{Reason: fmt.Sprintf("step %d", i), Err: err}
			}
		}
		return &Plan{Steps: steps}, nil
	default:
		return nil, &PlanError{Reason: "steps mix operation names and step mappings"}
	}
}

// normalize fills nil slices and clamps out-of-range numeric settings.
func (p *Plan) normalize() {
	for i := range p.Steps {
		s := &p.Steps[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.DependsOn == nil {
			s.DependsOn = []string{}
		}
		if s.RetryPolicy != nil {
			if n := clampRetries(s.RetryPolicy.MaxRetries); n != s.RetryPolicy.MaxRetries {
				p.adjust(s.ID, fmt.Sprintf("max_retries %d clamped to %d", s.RetryPolicy.MaxRetries, n))
				s.RetryPolicy.MaxRetries = n
			}
			if s.RetryPolicy.BackoffSeconds < 0 {
				p.adjust(s.ID, "negative backoff_seconds treated as 0")
				s.RetryPolicy.BackoffSeconds = 0
			}
		}
		if s.CircuitBreaker.FailureThreshold < 0 {
			p.adjust(s.ID, "negative failure_threshold treated as 0 (breaker disabled)")
			s.CircuitBreaker.FailureThreshold = 0
		}
		if s.CircuitBreaker.ResetSeconds < 0 {
			p.adjust(s.ID, "negative reset_seconds treated as 0")
			s.CircuitBreaker.ResetSeconds = 0
		}
		if s.TimeoutSeconds < 0 {
			p.adjust(s.ID, "negative timeout_seconds treated as no timeout")
			s.TimeoutSeconds = 0
		}
	}
}

func (p *Plan) adjust(stepID, msg string) {
	p.adjustments = append(p.adjustments, Diagnostic{
		Rule:     "clamped_value",
		Severity: SeverityInfo,
		StepID:   stepID,
		Message:  msg,
	})
}

// validateIDs rejects empty and duplicate ids; everything else is left to Lint.
func (p *Plan) validateIDs() error {
	seen := make(map[string]bool, len(p.Steps))
	var errs []error
	for i, s := range p.Steps {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("step %d has no id", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
	}
	if len(errs) > 0 {
		return &PlanError{Reason: "step ids", Err: errors.Join(errs...)}
	}
	return nil
}

func clampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetriesLimit {
		return MaxRetriesLimit
	}
	return n
}
