// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"context"
	"testing"
	"time"
)

// fakeRunner records every command it was asked to run and returns a
// canned result, keeping tests off a real shell.
type fakeRunner struct {
	calls    []string
	dirs     []string
	exitCode int
	err      error
	onRun    func(cmd, dir string)
}

func (f *fakeRunner) Run(command, dir string) (stdout, stderr string, exitCode int, err error) {
	f.calls = append(f.calls, command)
	f.dirs = append(f.dirs, dir)
	if f.onRun != nil {
		f.onRun(command, dir)
	}
	return "", "", f.exitCode, f.err
}

func newTestSessionWithRunner(fs *fakeFS, runner Runner) *Session {
	return NewSession("/root", fs, runner, 0, discardWriter{})
}

func TestSubmitRunsStaleTask(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	runner := &fakeRunner{
		onRun: func(cmd, dir string) {
			fs.set("/root/build/out.o", time.Unix(200, 0))
		},
	}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel != nil {
		t.Fatalf("task failed: %v", outcome.Cancel)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 command run, got %d: %v", len(runner.calls), runner.calls)
	}
	if runner.calls[0] != "cc -c in.c -o out.o" {
		t.Errorf("command = %q", runner.calls[0])
	}
	if len(outcome.Outputs) != 1 || outcome.Outputs[0] != "/root/build/out.o" {
		t.Errorf("outputs = %v", outcome.Outputs)
	}
}

func TestSubmitSkipsUpToDateTask(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	fs.set("/root/build/out.o", time.Unix(200, 0))
	runner := &fakeRunner{}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel != nil {
		t.Fatalf("task failed: %v", outcome.Cancel)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no command run for an up-to-date task, got %v", runner.calls)
	}
	if task.Reason != "" {
		t.Errorf("Reason = %q, want empty (skipped)", task.Reason)
	}
}

func TestSubmitForceRebuildsEvenIfUpToDate(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	fs.set("/root/build/out.o", time.Unix(200, 0))
	runner := &fakeRunner{
		onRun: func(cmd, dir string) {
			fs.set("/root/build/out.o", time.Unix(300, 0))
		},
	}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))
	rule.Set("force", Bool(true))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel != nil {
		t.Fatalf("task failed: %v", outcome.Cancel)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected forced rebuild to run the command, got %d calls", len(runner.calls))
	}
}

func TestSubmitFailedCommandRemovesPartialOutputs(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	runner := &fakeRunner{
		exitCode: 1,
		onRun: func(cmd, dir string) {
			// The command "wrote" a partial output before failing.
			fs.set("/root/build/out.o", time.Unix(50, 0))
		},
	}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel == nil {
		t.Fatal("expected task to fail")
	}
	if fs.Exists("/root/build/out.o") {
		t.Error("expected partial output to be removed after a failed command")
	}
}

func TestSubmitKeepPreservesOutputsOnFailure(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	runner := &fakeRunner{
		exitCode: 1,
		onRun: func(cmd, dir string) {
			fs.set("/root/build/out.o", time.Unix(50, 0))
		},
	}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))
	rule.Set("keep", Bool(true))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel == nil {
		t.Fatal("expected task to fail")
	}
	if !fs.Exists("/root/build/out.o") {
		t.Error("expected [keep] output to survive a failed command")
	}
}

func TestSubmitMissingCommandErrors(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	sess := newTestSessionWithRunner(fs, &fakeRunner{})
	rule := NewConfig()

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel == nil {
		t.Fatal("expected a missing-command failure")
	}
}

func TestSubmitDuplicateOutputFails(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	fs.set("/root/in2.c", time.Unix(100, 0))
	// Only the task that wins registration runs its command; it writes the
	// shared output so its post-run staleness check passes.
	runner := &fakeRunner{
		onRun: func(cmd, dir string) {
			fs.set("/root/build/out.o", time.Unix(200, 0))
		},
	}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("true"))

	t1 := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	t2 := sess.Submit(context.Background(), rule, List(Path("in2.c")), List(Path("out.o")), nil, "")

	o1, err := t1.Await(context.Background())
	if err != nil {
		t.Fatalf("Await t1: %v", err)
	}
	o2, err := t2.Await(context.Background())
	if err != nil {
		t.Fatalf("Await t2: %v", err)
	}
	if o1.Cancel != nil && o2.Cancel != nil {
		t.Fatal("expected at least one of the two duplicate-output tasks to succeed")
	}
	if o1.Cancel == nil && o2.Cancel == nil {
		t.Fatal("expected one of the two duplicate-output tasks to fail registration")
	}
}

func TestSubmitDryRunDoesNotInvokeRunner(t *testing.T) {
	fs := newFakeFS()
	fs.set("/root/in.c", time.Unix(100, 0))
	runner := &fakeRunner{}
	sess := newTestSessionWithRunner(fs, runner)
	rule := NewConfig()
	rule.Set("command", String("cc -c {files_in} -o {files_out}"))
	rule.Set("dryrun", Bool(true))

	task := sess.Submit(context.Background(), rule, List(Path("in.c")), List(Path("out.o")), nil, "")
	outcome, err := task.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if outcome.Cancel != nil {
		t.Fatalf("dry run should not fail: %v", outcome.Cancel)
	}
	if len(runner.calls) != 0 {
		t.Errorf("expected no command run in dry-run mode, got %v", runner.calls)
	}
}
