// ABOUTME: Operation registry mapping operation kinds to handlers, with prefix resolution of plan op strings.
// ABOUTME: Unmatched operations resolve to the reserved unknown kind and a no-op handler.
package engine

import (
	"context"
	"fmt"
	"strings"
)

// OperationKind names a registered operation family.
type OperationKind string

const (
	KindCollect   OperationKind = "collect"
	KindNormalize OperationKind = "normalize"
	KindAnalyze   OperationKind = "analyze"
	KindSentiment OperationKind = "sentiment"
	KindKeywords  OperationKind = "keywords"
	KindSummarize OperationKind = "summarize"
	KindReport    OperationKind = "report"
	KindNotify    OperationKind = "notify"
	KindShell     OperationKind = "shell"
	KindEcho      OperationKind = "echo"
	KindSleep     OperationKind = "sleep"

	// KindUnknown is reserved for operations no registered kind matches.
	KindUnknown OperationKind = "unknown"
)

// Delta is the partial result a handler contributes to the run's result map.
type Delta map[string]any

// Input is what a handler sees of the run. State and Results are copies; a
// handler contributes only through its returned Delta.
type Input struct {
	RunID   string          `json:"run_id,omitempty"`
	Step    Step            `json:"step"`
	Plan    *Plan           `json:"plan,omitempty"`
	State   *ExecutionState `json:"state,omitempty"`
	Results map[string]any  `json:"results,omitempty"`
}

// Handler executes one operation.
type Handler interface {
	Execute(ctx context.Context, in *Input) (Delta, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in *Input) (Delta, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, in *Input) (Delta, error) {
	return f(ctx, in)
}

// unknownHandler completes a step without touching results or breakers.
var unknownHandler = HandlerFunc(func(context.Context, *Input) (Delta, error) {
	return nil, nil
})

type registration struct {
	kind         OperationKind
	handler      Handler
	defaultRetry *RetryPolicy
	isolate      bool
}

// RegisterOption customizes a registration.
type RegisterOption func(*registration)

// WithDefaultRetry sets the retry policy used when a step's plan entry has none.
func WithDefaultRetry(p RetryPolicy) RegisterOption {
	return func(r *registration) {
		r.defaultRetry = &p
	}
}

// WithIsolation marks the kind as preferring subprocess isolation when a step has a timeout.
func WithIsolation(prefer bool) RegisterOption {
	return func(r *registration) {
		r.isolate = prefer
	}
}

// Registry maps operation kinds to handlers in registration order.
type Registry struct {
	entries []registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds or replaces the handler for kind. Replacing keeps the
// original position, so resolution order is the order kinds first appeared.
// Registering KindUnknown or an empty kind panics.
func (r *Registry) Register(kind OperationKind, h Handler, opts ...RegisterOption) {
	if kind == "" || kind == KindUnknown {
		panic(fmt.Sprintf("engine: cannot register reserved operation kind %q", kind))
	}
	if h == nil {
		panic(fmt.Sprintf("engine: nil handler for operation kind %q", kind))
	}
	reg := registration{kind: kind, handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	for i := range r.entries {
		if r.entries[i].kind == kind {
			r.entries[i] = reg
			return
		}
	}
	r.entries = append(r.entries, reg)
}

// Resolve maps a plan operation string to a kind: the first registered kind
// that is a case-insensitive prefix of op wins. No match yields KindUnknown
// and the no-op handler.
func (r *Registry) Resolve(op string) (OperationKind, Handler) {
	lower := strings.ToLower(strings.TrimSpace(op))
	for _, e := range r.entries {
		if strings.HasPrefix(lower, strings.ToLower(string(e.kind))) {
			return e.kind, e.handler
		}
	}
	return KindUnknown, unknownHandler
}

// Lookup returns the handler registered for exactly kind.
func (r *Registry) Lookup(kind OperationKind) (Handler, bool) {
	if e, ok := r.entry(kind); ok {
		return e.handler, true
	}
	return nil, false
}

// Kinds lists registered kinds in resolution order.
func (r *Registry) Kinds() []OperationKind {
	kinds := make([]OperationKind, len(r.entries))
	for i, e := range r.entries {
		kinds[i] = e.kind
	}
	return kinds
}

func (r *Registry) entry(kind OperationKind) (registration, bool) {
	for _, e := range r.entries {
		if e.kind == kind {
			return e, true
		}
	}
	return registration{}, false
}
