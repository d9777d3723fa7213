// ABOUTME: StepStatus enum for the TUI: the display state of one plan step.
// ABOUTME: Provides String/Icon methods and spinner animation frames.
package tui

// StepStatus is the display state of a plan step.
type StepStatus int

const (
	StepPending   StepStatus = iota // not reached yet
	StepRunning                     // handler executing
	StepRetrying                    // waiting out a retry backoff
	StepSucceeded                   // handler returned without error
	StepFailed                      // retries exhausted
	StepSkipped                     // auto-completed behind an open circuit
	StepUnknown                     // operation not registered, completed as a no-op
)

// String returns the lowercase name of the status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepRetrying:
		return "retrying"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	case StepUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Icon returns a bracket-style marker.
func (s StepStatus) Icon() string {
	switch s {
	case StepPending:
		return "[ ]"
	case StepRunning:
		return "[~]"
	case StepRetrying:
		return "[r]"
	case StepSucceeded:
		return "[*]"
	case StepFailed:
		return "[!]"
	case StepSkipped:
		return "[-]"
	default:
		return "[?]"
	}
}

// Terminal reports whether the step is finished for this run.
func (s StepStatus) Terminal() bool {
	return s >= StepSucceeded
}

// SpinnerFrames are the Braille-dot frames shown next to a running step.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
