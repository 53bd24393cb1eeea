// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseGCCDepfile(t *testing.T) {
	data := []byte("foo.o: foo.c \\\n  foo.h \\\n  bar.h\n")
	got, err := ParseGCCDepfile(data)
	if err != nil {
		t.Fatalf("ParseGCCDepfile: %v", err)
	}
	want := []string{"foo.c", "foo.h", "bar.h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseGCCDepfile mismatch (-want +got):\n%s", diff)
	}
}

func TestParseGCCDepfileEmpty(t *testing.T) {
	got, err := ParseGCCDepfile([]byte(""))
	if err != nil {
		t.Fatalf("ParseGCCDepfile: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestParseMSVCDepfile(t *testing.T) {
	data := []byte(`{"Version":"1.2","Data":{"Source":"foo.cpp","Includes":["foo.h","bar.h"]}}`)
	got, err := ParseMSVCDepfile(data)
	if err != nil {
		t.Fatalf("ParseMSVCDepfile: %v", err)
	}
	want := []string{"foo.h", "bar.h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseMSVCDepfile mismatch (-want +got):\n%s", diff)
	}
}

func TestIsWindowsDepfileSniffsLeadingBrace(t *testing.T) {
	if !isWindowsDepfile([]byte(`  {"Data":{}}`)) {
		t.Error("expected JSON depfile to be detected")
	}
	if isWindowsDepfile([]byte("foo.o: foo.c")) {
		t.Error("expected GCC depfile not to be detected as MSVC")
	}
}
