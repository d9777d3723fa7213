// ABOUTME: Coded, user-facing errors for the planrun CLI and server with actionable suggestions.
// ABOUTME: Wraps an underlying cause so errors.Is/As still reach engine sentinels.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Code identifies a class of user-facing failure.
type Code string

const (
	// Plan errors
	CodePlanNotFound Code = "PLAN-001"
	CodePlanInvalid  Code = "PLAN-002"

	// Checkpoint errors
	CodeCheckpointNotFound Code = "CKPT-001"
	CodeStoreConfig        Code = "CKPT-002"
	CodePlanMismatch       Code = "CKPT-003"

	// Run errors
	CodeRunCancelled Code = "RUN-001"
	CodeRunPaused    Code = "RUN-002"

	// Config errors
	CodeConfigInvalid Code = "CFG-001"
)

// Error is a coded error carrying suggestions for the operator.
type Error struct {
	Code        Code
	Message     string
	Suggestions []string
	Cause       error
}

// Error renders the code, message, cause and suggestions.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, s := range e.Suggestions {
			b.WriteString("\n  • " + s)
		}
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithSuggestion appends a suggestion and returns the receiver for chaining.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append(e.Suggestions, s)
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// PlanNotFound reports a plan file that could not be read.
func PlanNotFound(path string, cause error) *Error {
	return Wrap(CodePlanNotFound, fmt.Sprintf("plan file not found: %s", path), cause).
		WithSuggestion("check the path passed to --plan or as the first argument").
		WithSuggestion("plans may be JSON or YAML")
}

// PlanInvalid reports a plan that failed to parse or validate.
func PlanInvalid(cause error) *Error {
	return Wrap(CodePlanInvalid, "plan is invalid", cause).
		WithSuggestion("run `planrun validate <plan>` to list every problem")
}

// CheckpointNotFound reports a token the configured store does not know.
func CheckpointNotFound(token string, cause error) *Error {
	return Wrap(CodeCheckpointNotFound, fmt.Sprintf("checkpoint %q not found", token), cause).
		WithSuggestion("run `planrun checkpoints list` to see saved checkpoints").
		WithSuggestion("make sure --store points at the store that saved it")
}

// StoreConfig reports an unusable checkpoint store configuration.
func StoreConfig(url string, cause error) *Error {
	return Wrap(CodeStoreConfig, fmt.Sprintf("checkpoint store %q is not usable", url), cause).
		WithSuggestion("supported schemes are file://, sqlite://, postgres:// and s3://")
}

// PlanMismatch reports a resume attempted with a different plan.
func PlanMismatch(cause error) *Error {
	return Wrap(CodePlanMismatch, "checkpoint was saved for a different plan", cause).
		WithSuggestion("resume with the plan the run was started with, or omit --plan to use the stored copy")
}

// RunCancelled reports a run stopped by a signal or an API call.
func RunCancelled(cause error) *Error {
	return Wrap(CodeRunCancelled, "run cancelled", cause)
}

// RunPaused reports a run halted at a pause marker.
func RunPaused(step, token string) *Error {
	e := New(CodeRunPaused, fmt.Sprintf("run paused before step %q", step))
	if token != "" {
		e.WithSuggestion(fmt.Sprintf("resume with `planrun run --resume %s`", token))
	}
	return e
}
