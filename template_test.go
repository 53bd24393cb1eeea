// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"context"
	"strings"
	"testing"
)

func TestExpandLiteral(t *testing.T) {
	rule := NewConfig()
	got, err := Expand(context.Background(), rule, String("no braces here"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "no braces here" {
		t.Errorf("got %q", got)
	}
}

func TestExpandSimpleSubstitution(t *testing.T) {
	rule := NewConfig()
	rule.Set("name", String("widget"))
	got, err := Expand(context.Background(), rule, String("build {name}.o"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "build widget.o" {
		t.Errorf("got %q", got)
	}
}

func TestExpandNull(t *testing.T) {
	rule := NewConfig()
	got, err := Expand(context.Background(), rule, Null())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestExpandListJoinsWithSpace(t *testing.T) {
	rule := NewConfig()
	got, err := Expand(context.Background(), rule, List(String("a"), String("b"), String("c")))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "a b c" {
		t.Errorf("got %q, want %q", got, "a b c")
	}
}

func TestExpandRecursive(t *testing.T) {
	rule := NewConfig()
	rule.Set("inner", String("{deep}"))
	rule.Set("deep", String("bottom"))
	got, err := Expand(context.Background(), rule, String("{inner}"))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "bottom" {
		t.Errorf("got %q, want bottom", got)
	}
}

func TestExpandPlainErrorKeepsLiteral(t *testing.T) {
	rule := NewConfig()
	got, err := Expand(context.Background(), rule, String("prefix {nope(} suffix"))
	if err != nil {
		t.Fatalf("Expand should tolerate eval errors, got: %v", err)
	}
	if !strings.Contains(got, "{nope(}") {
		t.Errorf("expected literal span preserved, got %q", got)
	}
}

func TestExpandDepthExceededIsHardError(t *testing.T) {
	rule := NewConfig()
	rule.Set("a", String("{a}"))
	_, err := Expand(context.Background(), rule, String("{a}"))
	if err == nil {
		t.Fatal("expected depth-exceeded error, got nil")
	}
	if _, ok := err.(*errDepthExceeded); !ok {
		t.Errorf("expected *errDepthExceeded, got %T: %v", err, err)
	}
}

func TestExpandTaskAwaitsOutcome(t *testing.T) {
	rule := NewConfig()
	task := &Task{done: make(chan struct{})}
	task.resolve(outputsOutcome([]string{"out1.o", "out2.o"}))

	got, err := Expand(context.Background(), rule, FromTask(task))
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "out1.o out2.o" {
		t.Errorf("got %q, want %q", got, "out1.o out2.o")
	}
}

func TestExpandTaskCancelPropagates(t *testing.T) {
	rule := NewConfig()
	task := &Task{done: make(chan struct{})}
	cancel := &CancelMarker{Cause: errFixture("boom")}
	task.resolve(Outcome{Cancel: cancel})

	_, err := Expand(context.Background(), rule, FromTask(task))
	if err == nil {
		t.Fatal("expected Cancel to propagate, got nil")
	}
	if got, ok := err.(*CancelMarker); !ok || got != cancel {
		t.Errorf("expected the same *CancelMarker to propagate, got %T: %v", err, err)
	}
}

func TestFlattenPreservesCallables(t *testing.T) {
	rule := NewConfig()
	callable := FromCallable(func(_ *Rule, _ []string) (Value, error) { return String("ran"), nil })
	vals, err := Flatten(context.Background(), rule, List(String("echo"), callable))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("got %d values, want 2", len(vals))
	}
	if vals[0].String() != "echo" {
		t.Errorf("vals[0] = %q, want echo", vals[0].String())
	}
	if vals[1].Kind != KindCallable {
		t.Errorf("vals[1].Kind = %v, want KindCallable", vals[1].Kind)
	}
}

func TestFlattenConcurrentTaskAwaits(t *testing.T) {
	rule := NewConfig()
	var tasks []Value
	for i := 0; i < 8; i++ {
		tk := &Task{done: make(chan struct{})}
		tk.resolve(outputsOutcome([]string{"f" + string(rune('a'+i))}))
		tasks = append(tasks, FromTask(tk))
	}
	got, err := flattenDepth(context.Background(), rule, tasks, 0)
	if err != nil {
		t.Fatalf("flattenDepth: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("got %d strings, want 8", len(got))
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
