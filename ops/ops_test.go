// ABOUTME: Tests for the built-in shell, echo and sleep operations.
package ops

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/planrun/engine"
)

func in(id string, params map[string]any) *engine.Input {
	return &engine.Input{Step: engine.Step{ID: id, Params: params}}
}

func TestShellCapturesOutput(t *testing.T) {
	h := &ShellHandler{}
	delta, err := h.Execute(context.Background(), in("s1", map[string]any{
		"command": `echo "hello $GREETING"`,
		"env":     map[string]any{"GREETING": "world"},
		"output":  "greeting",
	}))
	if err != nil {
		t.Fatal(err)
	}
	out, ok := delta["greeting"].(map[string]any)
	if !ok {
		t.Fatalf("delta = %v", delta)
	}
	if strings.TrimSpace(out["stdout"].(string)) != "hello world" || out["exit_code"] != 0 {
		t.Errorf("out = %v", out)
	}
}

func TestShellNonZeroExitIsRetryable(t *testing.T) {
	h := &ShellHandler{}
	_, err := h.Execute(context.Background(), in("s1", map[string]any{"command": "echo nope >&2; exit 3"}))
	if err == nil || engine.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable failure", err)
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "nope") {
		t.Errorf("err = %v", err)
	}
}

func TestShellMissingCommandIsPermanent(t *testing.T) {
	h := &ShellHandler{}
	for _, params := range []map[string]any{nil, {"command": 7}, {"command": "true", "working_dir": "/does/not/exist"}} {
		if _, err := h.Execute(context.Background(), in("s1", params)); !engine.IsPermanent(err) {
			t.Errorf("params %v: err = %v, want permanent", params, err)
		}
	}
}

func TestShellHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := (&ShellHandler{}).Execute(ctx, in("s1", map[string]any{"command": "sleep 10"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("command was not killed on cancel")
	}
}

func TestEcho(t *testing.T) {
	delta, err := EchoHandler{}.Execute(context.Background(), in("e", map[string]any{"a": 1, "output": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	got := delta["x"].(map[string]any)
	if got["a"] != 1 || got["output"] != nil {
		t.Errorf("delta = %v", delta)
	}
	if _, err := (EchoHandler{}).Execute(context.Background(), in("e", map[string]any{"fail": "bad"})); err == nil || err.Error() != "bad" {
		t.Errorf("err = %v", err)
	}
	delta, _ = EchoHandler{}.Execute(context.Background(), in("empty", nil))
	if _, ok := delta["empty"].(map[string]any); !ok {
		t.Errorf("delta = %v", delta)
	}
}

func TestSleep(t *testing.T) {
	delta, err := SleepHandler{}.Execute(context.Background(), in("z", map[string]any{"seconds": 0.01}))
	if err != nil {
		t.Fatal(err)
	}
	if delta["z"].(map[string]any)["slept_ms"] != int64(10) {
		t.Errorf("delta = %v", delta)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (SleepHandler{}).Execute(ctx, in("z", map[string]any{"seconds": 60})); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if _, err := (SleepHandler{}).Execute(context.Background(), in("z", map[string]any{"seconds": "soon"})); !engine.IsPermanent(err) {
		t.Errorf("err = %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	Register(reg)
	for _, op := range []string{"shell", "echo.debug", "sleep"} {
		if kind, _ := reg.Resolve(op); kind == engine.KindUnknown {
			t.Errorf("%s resolved to unknown", op)
		}
	}
}

func TestBuiltinsInEngine(t *testing.T) {
	reg := engine.NewRegistry()
	Register(reg)
	plan, err := engine.ParsePlan([]byte(`
steps:
  - id: hello
    op: shell
    params: {command: "printf hi"}
  - id: copy
    op: echo
    depends_on: [hello]
    params: {note: done}
`))
	if err != nil {
		t.Fatal(err)
	}
	result, err := engine.NewEngine(engine.EngineConfig{Registry: reg}).Run(context.Background(), plan, engine.RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Results["hello"].(map[string]any)["stdout"]; got != "hi" {
		t.Errorf("stdout = %v", got)
	}
	if got := result.Results["copy"].(map[string]any)["note"]; got != "done" {
		t.Errorf("note = %v", got)
	}
}
