// ABOUTME: Tests for the self re-exec worker: round trips, permanent errors and kills at the deadline.
package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/planrun/engine"
)

// TestMain doubles as the worker binary: a re-executed test process with the
// worker env var set serves one request and exits.
func TestMain(m *testing.M) {
	if IsWorker() {
		if err := Serve(context.Background(), testRegistry(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register(engine.KindEcho, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
		return engine.Delta{in.Step.ID: in.Step.Params["msg"], "pid": os.Getpid()}, nil
	}))
	reg.Register(engine.KindSleep, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
		// Deliberately ignores ctx: only a kill can stop it.
		time.Sleep(30 * time.Second)
		return engine.Delta{}, nil
	}))
	reg.Register(engine.KindNotify, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
		return nil, engine.Permanent(errors.New("no webhook configured"))
	}))
	reg.Register(engine.KindAnalyze, engine.HandlerFunc(func(ctx context.Context, in *engine.Input) (engine.Delta, error) {
		panic("bad input")
	}))
	return reg
}

func selfProcess(t *testing.T) *Process {
	t.Helper()
	reg := testRegistry()
	return &Process{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Transferable: func(k engine.OperationKind) bool {
			_, ok := reg.Lookup(k)
			return ok
		},
	}
}

func input(id string, params map[string]any) *engine.Input {
	return &engine.Input{Step: engine.Step{ID: id, Params: params}}
}

func TestInvokeRoundTrip(t *testing.T) {
	p := selfProcess(t)
	delta, err := p.Invoke(context.Background(), engine.KindEcho, input("s1", map[string]any{"msg": "hi"}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if delta["s1"] != "hi" {
		t.Errorf("delta = %v", delta)
	}
	if pid, _ := delta["pid"].(float64); int(pid) == os.Getpid() {
		t.Error("handler ran in the parent process")
	}
}

func TestInvokeHandlerErrors(t *testing.T) {
	p := selfProcess(t)

	_, err := p.Invoke(context.Background(), engine.KindNotify, input("n", nil))
	var werr *WorkerError
	if !errors.As(err, &werr) || !engine.IsPermanent(err) {
		t.Errorf("err = %v, want permanent worker error", err)
	}

	_, err = p.Invoke(context.Background(), engine.KindAnalyze, input("a", nil))
	if err == nil || !strings.Contains(err.Error(), "bad input") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}

func TestInvokeKilledOnDeadline(t *testing.T) {
	p := selfProcess(t)
	runner := &engine.TimeoutRunner{Isolator: p}
	call := engine.Call{
		Kind:    engine.KindSleep,
		Handler: engine.HandlerFunc(func(context.Context, *engine.Input) (engine.Delta, error) { return nil, nil }),
		Input:   input("slow", nil),
	}

	start := time.Now()
	_, err := runner.Run(context.Background(), call, 300*time.Millisecond, true)
	var hte *engine.HardTimeoutError
	if !errors.As(err, &hte) || !hte.Isolated {
		t.Fatalf("err = %v, want isolated hard timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("worker outlived its deadline by %v", elapsed)
	}
}

func TestInvokeNotTransferable(t *testing.T) {
	p := selfProcess(t)
	if _, err := p.Invoke(context.Background(), engine.KindCollect, input("c", nil)); !errors.Is(err, engine.ErrNotTransferable) {
		t.Errorf("unknown kind: err = %v", err)
	}
	bad := input("e", map[string]any{"fn": func() {}})
	if _, err := p.Invoke(context.Background(), engine.KindEcho, bad); !errors.Is(err, engine.ErrNotTransferable) {
		t.Errorf("unencodable params: err = %v", err)
	}
}

func TestInvokeMissingBinary(t *testing.T) {
	p := &Process{Path: "/nonexistent/planrun-worker"}
	_, err := p.Invoke(context.Background(), engine.KindEcho, input("e", nil))
	if !errors.Is(err, engine.ErrIsolationUnavailable) {
		t.Errorf("err = %v, want ErrIsolationUnavailable", err)
	}
}

func TestServeDirect(t *testing.T) {
	req, _ := json.Marshal(Request{Kind: engine.KindEcho, Input: input("s", map[string]any{"msg": "x"})})
	var out bytes.Buffer
	if err := Serve(context.Background(), testRegistry(), bytes.NewReader(req), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" || resp.Delta["s"] != "x" {
		t.Errorf("resp = %+v", resp)
	}

	req, _ = json.Marshal(Request{Kind: engine.KindCollect})
	out.Reset()
	Serve(context.Background(), testRegistry(), bytes.NewReader(req), &out)
	json.Unmarshal(out.Bytes(), &resp)
	if !resp.Permanent || !strings.Contains(resp.Error, "not registered") {
		t.Errorf("resp = %+v", resp)
	}

	if err := Serve(context.Background(), testRegistry(), strings.NewReader("{not json"), &out); err == nil {
		t.Error("expected decode error")
	}
}
