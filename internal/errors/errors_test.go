// ABOUTME: Tests for coded CLI errors: rendering, suggestions and code extraction.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := PlanNotFound("plan.yaml", fmt.Errorf("open plan.yaml: no such file"))
	msg := err.Error()
	for _, want := range []string{"[PLAN-001]", "plan.yaml", "no such file", "Suggestions:", "--plan"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	err := RunCancelled(context.Canceled)
	if !stderrors.Is(err, context.Canceled) {
		t.Fatal("expected errors.Is to reach context.Canceled")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", CheckpointNotFound("abc", nil))
	if got := CodeOf(wrapped); got != CodeCheckpointNotFound {
		t.Errorf("CodeOf = %q, want %q", got, CodeCheckpointNotFound)
	}
	if got := CodeOf(stderrors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestRunPausedSuggestsResume(t *testing.T) {
	err := RunPaused("s2", "01TOKEN")
	if !strings.Contains(err.Error(), "--resume 01TOKEN") {
		t.Errorf("expected resume suggestion, got %q", err.Error())
	}
	if len(RunPaused("s2", "").Suggestions) != 0 {
		t.Error("expected no suggestion without a token")
	}
}
