// ABOUTME: Tests for the operation registry: prefix resolution, ordering, reserved kinds and lookups.
package engine

import (
	"context"
	"reflect"
	"testing"
)

func TestResolvePrefix(t *testing.T) {
	reg := NewRegistry()
	summarize := okHandler("summary")
	reg.Register(KindCollect, okHandler("c"))
	reg.Register(KindSummarize, summarize)

	kind, h := reg.Resolve("summarize.compound")
	if kind != KindSummarize {
		t.Fatalf("kind = %q, want summarize", kind)
	}
	delta, _ := h.Execute(context.Background(), &Input{Step: Step{ID: "s"}})
	if delta["summary"] != "s" {
		t.Error("resolved handler is not the summarize handler")
	}

	if kind, _ := reg.Resolve("COLLECT_rss"); kind != KindCollect {
		t.Errorf("case-insensitive prefix: kind = %q", kind)
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindCollect, okHandler("c"))
	kind, h := reg.Resolve("translate")
	if kind != KindUnknown {
		t.Fatalf("kind = %q", kind)
	}
	delta, err := h.Execute(context.Background(), &Input{})
	if delta != nil || err != nil {
		t.Errorf("unknown handler returned %v, %v", delta, err)
	}
}

func TestResolveFirstRegisteredWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(OperationKind("sum"), okHandler("short"))
	reg.Register(KindSummarize, okHandler("long"))
	if kind, _ := reg.Resolve("summarize"); kind != OperationKind("sum") {
		t.Errorf("kind = %q, want first registered prefix", kind)
	}
}

func TestRegisterReplaceKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindCollect, okHandler("a"))
	reg.Register(KindReport, okHandler("b"))
	reg.Register(KindCollect, okHandler("c"), WithIsolation(true))
	if got := reg.Kinds(); !reflect.DeepEqual(got, []OperationKind{KindCollect, KindReport}) {
		t.Errorf("kinds = %v", got)
	}
	e, _ := reg.entry(KindCollect)
	if !e.isolate {
		t.Error("replacement options not applied")
	}
}

func TestRegisterReservedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("registering KindUnknown should panic")
		}
	}()
	NewRegistry().Register(KindUnknown, okHandler("x"))
}

func TestLookupExact(t *testing.T) {
	reg := NewRegistry()
	reg.Register(KindEcho, okHandler("e"))
	if _, ok := reg.Lookup(KindEcho); !ok {
		t.Error("Lookup(echo) failed")
	}
	if _, ok := reg.Lookup(OperationKind("ech")); ok {
		t.Error("Lookup must not prefix-match")
	}
}
