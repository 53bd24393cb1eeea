// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FS is the injectable filesystem interface components consult instead of
// calling os.* directly, per spec.md §6.
type FS interface {
	Mtime(path string) (time.Time, error)
	Exists(path string) bool
	MkdirAll(path string) error
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
}

type osFS struct{}

func (osFS) Mtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (osFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFS) MkdirAll(path string) error { return os.MkdirAll(path, 0o755) }

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFS) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DefaultFS is the production os-backed FS implementation.
var DefaultFS FS = osFS{}

// Runner is the injectable subprocess interface, per spec.md §6.
type Runner interface {
	Run(command, dir string) (stdout, stderr string, exitCode int, err error)
}

// Session is the Build-Session object spec.md's Design Notes call for:
// the single place counters, the module set, the output registry, and the
// logger's dirty-line flag live, passed explicitly to every component
// instead of stored as process globals. Because kiln's tasks run on real
// goroutines (unlike hancho.py's single-threaded asyncio loop that this
// spec is modelled on), every mutation here is guarded: the counters,
// module set and task counter by mu, the output registry and the logger
// by their own mutexes.
type Session struct {
	FS     FS
	Runner Runner
	Gate   *Gate
	Log    *Logger

	Root string // project root; outputs/inputs are expressed relative to this

	mu          sync.Mutex
	modFiles    map[string]struct{}
	registry    *outputRegistry
	total       int
	pass        int
	fail        int
	skip        int
	mtimeCalls  int
	taskCounter int
}

// NewSession constructs a Session wired to the given collaborators. jobs
// follows spec.md §4.E: 0 means unlimited, represented as a large finite
// constant.
func NewSession(root string, fs FS, runner Runner, jobs int, out io.Writer) *Session {
	if fs == nil {
		fs = DefaultFS
	}
	return &Session{
		FS:       fs,
		Runner:   runner,
		Gate:     NewGate(jobs),
		Log:      NewLogger(out),
		Root:     root,
		modFiles: make(map[string]struct{}),
		registry: newOutputRegistry(),
	}
}

// AddModFile records a loaded build-description file path; its mtime
// participates in every staleness check (spec.md §3's Module Set).
func (s *Session) AddModFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modFiles[path] = struct{}{}
}

func (s *Session) modFilesSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.modFiles))
	for f := range s.modFiles {
		out = append(out, f)
	}
	return out
}

// Mtime looks up a file's modification time via FS, incrementing the
// session's debug counter — spec.md §4.C: "every mtime call increments a
// global counter (reported under debug)".
func (s *Session) Mtime(path string) (time.Time, error) {
	s.mu.Lock()
	s.mtimeCalls++
	s.mu.Unlock()
	return s.FS.Mtime(path)
}

func (s *Session) nextTaskIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskCounter++
	return s.taskCounter
}

func (s *Session) countSubmitted() {
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
}

func (s *Session) countPass() {
	s.mu.Lock()
	s.pass++
	s.mu.Unlock()
}

func (s *Session) countFail() {
	s.mu.Lock()
	s.fail++
	s.mu.Unlock()
}

func (s *Session) countSkip() {
	s.mu.Lock()
	s.skip++
	s.mu.Unlock()
}

// Counts returns the (total, pass, fail, skip) snapshot, satisfying
// spec.md §8's "Total = pass + fail + skip at build termination".
func (s *Session) Counts() (total, pass, fail, skip int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.pass, s.fail, s.skip
}

// MtimeCalls returns the debug mtime-call counter.
func (s *Session) MtimeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtimeCalls
}

// Failed reports whether the exit code should be non-zero, per spec.md §6.
func (s *Session) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail > 0
}

// Report prints the end-of-build counters dump, matching
// original_source/hancho.py's async_main debug/verbose tail (spec.md
// §8 of SPEC_FULL.md).
func (s *Session) Report(w io.Writer) {
	total, pass, fail, skip := s.Counts()
	fmt.Fprintf(w, "tasks total:   %d\n", total)
	fmt.Fprintf(w, "tasks passed:  %d\n", pass)
	fmt.Fprintf(w, "tasks failed:  %d\n", fail)
	fmt.Fprintf(w, "tasks skipped: %d\n", skip)
	fmt.Fprintf(w, "mtime calls:   %d\n", s.MtimeCalls())
}
