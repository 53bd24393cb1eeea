// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"testing"
	"time"
)

// fakeFS is an in-memory FS double used by staleness and task tests, so
// none of them touch a real disk, matching the teacher's own style of
// injecting collaborators rather than hitting os directly.
type fakeFS struct {
	mtimes  map[string]time.Time
	content map[string][]byte
	removed map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{mtimes: map[string]time.Time{}, content: map[string][]byte{}, removed: map[string]bool{}}
}

func (f *fakeFS) set(path string, t time.Time) { f.mtimes[path] = t }

func (f *fakeFS) Mtime(path string) (time.Time, error) {
	if t, ok := f.mtimes[path]; ok {
		return t, nil
	}
	return time.Time{}, errFixture("no such file: " + path)
}

func (f *fakeFS) Exists(path string) bool {
	_, ok := f.mtimes[path]
	return ok && !f.removed[path]
}

func (f *fakeFS) MkdirAll(string) error { return nil }

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	if c, ok := f.content[path]; ok {
		return c, nil
	}
	return nil, errFixture("no such file: " + path)
}

func (f *fakeFS) Remove(path string) error {
	f.removed[path] = true
	return nil
}

func newTestSession(fs *fakeFS) *Session {
	return NewSession("/root", fs, nil, 0, discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNeedsRerunForced(t *testing.T) {
	sess := newTestSession(newFakeFS())
	reason, err := NeedsRerun(sess, true, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "forced" {
		t.Errorf("reason = %q, want forced", reason)
	}
}

func TestNeedsRerunMissingOutput(t *testing.T) {
	fs := newFakeFS()
	fs.set("in.c", time.Unix(100, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "missing outputs" {
		t.Errorf("reason = %q, want %q", reason, "missing outputs")
	}
}

func TestNeedsRerunUpToDate(t *testing.T) {
	fs := newFakeFS()
	fs.set("in.c", time.Unix(100, 0))
	fs.set("out.o", time.Unix(200, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "" {
		t.Errorf("reason = %q, want up to date (empty)", reason)
	}
}

func TestNeedsRerunInputChanged(t *testing.T) {
	fs := newFakeFS()
	fs.set("in.c", time.Unix(300, 0))
	fs.set("out.o", time.Unix(200, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "input changed" {
		t.Errorf("reason = %q, want %q", reason, "input changed")
	}
}

func TestNeedsRerunSameSecondForcesRebuild(t *testing.T) {
	fs := newFakeFS()
	same := time.Unix(200, 0)
	fs.set("in.c", same)
	fs.set("out.o", same)
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "input changed" {
		t.Errorf("a same-second edit should still force a rebuild; reason = %q", reason)
	}
}

func TestNeedsRerunBuildFilesChanged(t *testing.T) {
	fs := newFakeFS()
	fs.set("in.c", time.Unix(100, 0))
	fs.set("out.o", time.Unix(200, 0))
	fs.set("kilnfile", time.Unix(250, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, []string{"kilnfile"}, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "build files changed" {
		t.Errorf("reason = %q, want %q", reason, "build files changed")
	}
}

func TestNeedsRerunDepfileDependencyChanged(t *testing.T) {
	fs := newFakeFS()
	fs.set("in.c", time.Unix(100, 0))
	fs.set("out.o", time.Unix(200, 0))
	fs.set("header.h", time.Unix(250, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, []string{"header.h"})
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "depfile dependency changed" {
		t.Errorf("reason = %q, want %q", reason, "depfile dependency changed")
	}
}

func TestNeedsRerunOrderMatters(t *testing.T) {
	// A missing output always wins over any other reason, since step 4
	// (existence) runs before mtime comparisons in the ordered oracle.
	fs := newFakeFS()
	fs.set("in.c", time.Unix(999, 0))
	sess := newTestSession(fs)
	reason, err := NeedsRerun(sess, false, []string{"in.c"}, []string{"out.o"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NeedsRerun: %v", err)
	}
	if reason != "missing outputs" {
		t.Errorf("reason = %q, want %q", reason, "missing outputs")
	}
}
