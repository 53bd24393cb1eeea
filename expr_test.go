// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import "testing"

func TestParseExprIdent(t *testing.T) {
	rule := NewConfig()
	rule.Set("name", String("widget"))

	n, err := parseExpr("name")
	if err != nil {
		t.Fatalf("parseExpr: %v", err)
	}
	v, err := n.evalExpr(rule)
	if err != nil {
		t.Fatalf("evalExpr: %v", err)
	}
	if got := v.String(); got != "widget" {
		t.Errorf("got %q, want widget", got)
	}
}

func TestParseExprAttr(t *testing.T) {
	rule := NewConfig()
	rule.Set("path", Path("src/main.c"))

	for _, tc := range []struct {
		expr string
		want string
	}{
		{"path.dir", "src"},
		{"path.file", "main.c"},
		{"path.name", "main.c"},
	} {
		n, err := parseExpr(tc.expr)
		if err != nil {
			t.Fatalf("parseExpr(%q): %v", tc.expr, err)
		}
		v, err := n.evalExpr(rule)
		if err != nil {
			t.Fatalf("evalExpr(%q): %v", tc.expr, err)
		}
		if got := v.String(); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.expr, got, tc.want)
		}
	}
}

func TestParseExprIndex(t *testing.T) {
	rule := NewConfig()
	rule.Set("items", List(String("a"), String("b"), String("c")))

	n, err := parseExpr("items[1]")
	if err != nil {
		t.Fatalf("parseExpr: %v", err)
	}
	v, err := n.evalExpr(rule)
	if err != nil {
		t.Fatalf("evalExpr: %v", err)
	}
	if got := v.String(); got != "b" {
		t.Errorf("items[1] = %q, want b", got)
	}
}

func TestParseExprIndexOutOfRange(t *testing.T) {
	rule := NewConfig()
	rule.Set("items", List(String("a")))

	n, err := parseExpr("items[5]")
	if err != nil {
		t.Fatalf("parseExpr: %v", err)
	}
	if _, err := n.evalExpr(rule); err == nil {
		t.Error("expected out-of-range error, got nil")
	}
}

func TestParseExprCall(t *testing.T) {
	rule := NewConfig()
	rule.Set("base", String("foo.c"))

	n, err := parseExpr(`swap_ext(base, ".o")`)
	if err != nil {
		t.Fatalf("parseExpr: %v", err)
	}
	v, err := n.evalExpr(rule)
	if err != nil {
		t.Fatalf("evalExpr: %v", err)
	}
	if got := v.String(); got != "foo.o" {
		t.Errorf("swap_ext(base, \".o\") = %q, want foo.o", got)
	}
}

func TestParseExprNotCallable(t *testing.T) {
	rule := NewConfig()
	rule.Set("x", String("y"))
	n, err := parseExpr("x()")
	if err != nil {
		t.Fatalf("parseExpr: %v", err)
	}
	if _, err := n.evalExpr(rule); err == nil {
		t.Error("expected not-callable error, got nil")
	}
}

func TestParseExprTrailingGarbage(t *testing.T) {
	if _, err := parseExpr("name extra"); err == nil {
		t.Error("expected trailing-input error, got nil")
	}
}
