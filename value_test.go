// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValueString(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"null", Null(), ""},
		{"string", String("hi"), "hi"},
		{"path", Path("a/b.c"), "a/b.c"},
		{"number int", Number(3), "3"},
		{"number frac", Number(3.5), "3.5"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"list", List(String("a"), String("b")), "a b"},
		{"nested list", List(String("a"), List(String("b"), String("c"))), "a b c"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.v.String(); got != c.want {
				t.Errorf("String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestValueStrings(t *testing.T) {
	v := List(String("a"), List(String("b"), String("c")), Null())
	got := v.Strings()
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
}

func TestValueIsNull(t *testing.T) {
	if !Null().IsNull() {
		t.Error("Null().IsNull() = false, want true")
	}
	if String("").IsNull() {
		t.Error("String(\"\").IsNull() = true, want false")
	}
}
