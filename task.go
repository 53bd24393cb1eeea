// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Task is a Rule extended with per-invocation inputs/outputs plus the
// script directory captured at submission time (FileRoot), per spec.md
// §3. Its lifetime: created on Submit, mutated only by its own goroutine,
// completed exactly once (Done is closed after Outcome is written),
// never destroyed before the build terminates since later tasks may still
// be awaiting its promise.
type Task struct {
	Rule     *Rule
	FileRoot string // submitting script's directory, captured at submission
	Sess     *Session

	// Derived, step-by-step — kept as distinct named fields rather than
	// reusing one mutable slot three times (SPEC_FULL.md Open Question 2).
	FlatFilesIn  []string
	FlatFilesOut []string
	FlatDeps     []string

	AbsFilesIn  []string
	AbsFilesOut []string
	AbsDeps     []string

	RootRelFilesIn  []string
	RootRelFilesOut []string
	RootRelDeps     []string

	Reason string // staleness reason, or "" if skipped as up to date
	Index  int    // display index, assigned when the task crosses the gate

	done    chan struct{}
	outcome Outcome
}

// Submit instantiates a task from rule with the given per-invocation
// files_in/files_out and overrides, and starts its goroutine — the Go
// analogue of hancho.py's Rule.__call__ creating an asyncio.Task. Returns
// immediately with the Task; its promise is read via Await.
//
// Grounded on hancho.py's Rule.__call__ (task = self.extend(); ...;
// task.promise = asyncio.create_task(...)) and, for the concurrency shape,
// the teacher's Executor.Build's singleflight-then-goroutine dispatch in
// exec.go.
func (s *Session) Submit(ctx context.Context, rule *Rule, filesIn, filesOut Value, overrides map[string]Value, fileRoot string) *Task {
	t := &Task{
		Rule:     rule.Extend(overrides),
		FileRoot: fileRoot,
		Sess:     s,
		done:     make(chan struct{}),
	}
	if !filesIn.IsNull() {
		t.Rule.Set("files_in", filesIn)
	}
	if !filesOut.IsNull() {
		t.Rule.Set("files_out", filesOut)
	}
	s.countSubmitted()

	go t.run(ctx)
	return t
}

// Await blocks until the task resolves, returning its Outcome. A non-nil
// error here means ctx was cancelled before the task resolved — it is
// distinct from the task's own failure, which is carried inside Outcome.
func (t *Task) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (t *Task) resolve(o Outcome) {
	t.outcome = o
	close(t.done)
}

// run is the per-task coroutine lifecycle of spec.md §4.D, steps 1–12.
func (t *Task) run(ctx context.Context) {
	outcome, err := t.dispatch(ctx)
	if err != nil {
		if cancel, ok := err.(*CancelMarker); ok {
			t.Sess.countSkip()
			t.resolve(Outcome{Cancel: cancel})
			return
		}
		if !t.quiet() {
			t.Sess.Log.Line(fmt.Sprintf("\x1b[38;2;255;128;128merror: %v\x1b[0m", err))
		}
		t.Sess.countFail()
		t.resolve(cancelOutcome(err, false))
		return
	}
	t.resolve(outcome)
}

func (t *Task) quiet() bool { return t.Rule.Get("quiet").Bool }

func (t *Task) dispatch(ctx context.Context) (Outcome, error) {
	// Step 1: expand description for the status line.
	desc, err := Expand(ctx, t.Rule, t.Rule.Get("desc"))
	if err != nil {
		return t.maybeSkip(err)
	}

	// Step 2: validate.
	command := t.Rule.Get("command")
	filesInRaw := t.Rule.Get("files_in")
	filesOutRaw := t.Rule.Get("files_out")
	if command.IsNull() {
		return Outcome{}, fmt.Errorf("command missing for task %q", desc)
	}
	commandIsCallable := command.Kind == KindCallable
	if filesInRaw.IsNull() && !commandIsCallable {
		return Outcome{}, fmt.Errorf("task %q missing files_in", desc)
	}
	if filesOutRaw.IsNull() {
		return Outcome{}, fmt.Errorf("task %q missing files_out", desc)
	}

	// Step 3: resolve inputs — await+flatten files_in/files_out/deps,
	// observing upstream Cancel.
	filesIn, err := flattenStrings(ctx, t.Rule, filesInRaw)
	if err != nil {
		return t.maybeSkip(err)
	}
	filesOut, err := flattenStrings(ctx, t.Rule, filesOutRaw)
	if err != nil {
		return t.maybeSkip(err)
	}
	deps, err := flattenStrings(ctx, t.Rule, t.Rule.Get("deps"))
	if err != nil {
		return t.maybeSkip(err)
	}
	t.FlatFilesIn, t.FlatFilesOut, t.FlatDeps = filesIn, filesOut, deps

	// Step 4: canonicalize paths.
	buildDir, err := Expand(ctx, t.Rule, t.Rule.Get("build_dir"))
	if err != nil {
		return t.maybeSkip(err)
	}
	buildDirAbs := joinRoot(t.Sess.Root, buildDir)
	srcDir := t.FileRoot
	if srcDir == "" {
		srcDir = t.Sess.Root
	}

	t.AbsFilesIn = absolutize(srcDir, filesIn)
	t.AbsFilesOut = absolutize(buildDirAbs, filesOut)
	t.AbsDeps = absolutize(srcDir, deps)

	t.RootRelFilesIn = relativize(t.Sess.Root, t.AbsFilesIn)
	t.RootRelFilesOut = relativize(t.Sess.Root, t.AbsFilesOut)
	t.RootRelDeps = relativize(t.Sess.Root, t.AbsDeps)

	// Step 5: register outputs.
	for _, out := range t.AbsFilesOut {
		if err := t.Sess.registry.Register(out, t.Sess.Root); err != nil {
			return Outcome{}, err
		}
	}

	// Step 6: consult the staleness oracle.
	depFiles, err := t.resolveDepfile(ctx)
	if err != nil {
		return Outcome{}, err
	}
	force := t.Rule.Get("force").Bool
	reason, err := NeedsRerun(t.Sess, force, t.AbsFilesIn, t.AbsFilesOut, t.AbsDeps, t.Sess.modFilesSnapshot(), depFiles)
	if err != nil {
		return Outcome{}, err
	}
	t.Reason = reason
	if reason == "" {
		t.Sess.countSkip()
		return outputsOutcome(t.AbsFilesOut), nil
	}

	// Step 7: create output directories.
	dryRun := t.Rule.Get("dryrun").Bool
	if !dryRun {
		for _, out := range t.AbsFilesOut {
			if err := t.Sess.FS.MkdirAll(filepath.Dir(out)); err != nil {
				return Outcome{}, fmt.Errorf("creating output directory for %q: %w", out, err)
			}
		}
	}

	// Step 8: expand command(s) to concrete strings/callables.
	commands, err := Flatten(ctx, t.Rule, command)
	if err != nil {
		return t.maybeSkip(err)
	}

	// Step 9: acquire the gate, assign display index, log status.
	if err := t.Sess.Gate.Acquire(ctx); err != nil {
		return Outcome{}, err
	}
	released := false
	release := func() {
		if !released {
			t.Sess.Gate.Release()
			released = true
		}
	}
	defer release()

	t.Index = t.Sess.nextTaskIndex()
	total, _, _, _ := t.Sess.Counts()
	verbose := t.Rule.Get("verbose").Bool
	t.Sess.Log.Status(fmt.Sprintf("[%d/%d] %s", t.Index, total, desc), !verbose)
	if verbose || t.Rule.Get("debug").Bool {
		t.Sess.Log.Line(fmt.Sprintf("reason: %s", reason))
	}

	// Step 10: invoke every command in order. A failed command removes
	// any partial outputs it left behind unless the rule says to keep
	// them — grounded on the teacher's executeRecipe, which unlinked
	// targets on a non-zero exit so a half-written file never looks
	// up to date on the next run.
	for _, cmd := range commands {
		if _, err := t.runCommand(ctx, cmd, dryRun); err != nil {
			if !dryRun && !t.Rule.Get("keep").Bool {
				t.removeOutputs()
			}
			return Outcome{}, err
		}
	}

	// Step 11: release gate, re-verify staleness. A phony task (the
	// loader's "!name:" pseudo-target, which has no real output file to
	// check) is exempt — there is nothing for the oracle to confirm.
	release()
	if !dryRun && !t.Rule.Get("phony").Bool {
		depFiles2, err := t.resolveDepfile(ctx)
		if err != nil {
			return Outcome{}, err
		}
		secondReason, err := NeedsRerun(t.Sess, false, t.AbsFilesIn, t.AbsFilesOut, t.AbsDeps, t.Sess.modFilesSnapshot(), depFiles2)
		if err != nil {
			return Outcome{}, err
		}
		if secondReason != "" {
			return Outcome{}, fmt.Errorf("task %q still needs rerun after running: %s", desc, secondReason)
		}
	}

	// Step 12: pass.
	t.Sess.countPass()
	return outputsOutcome(t.AbsFilesOut), nil
}

// removeOutputs unlinks every output this task was about to produce,
// best-effort — called only after a failed command, and only when the
// rule doesn't say [keep].
func (t *Task) removeOutputs() {
	for _, out := range t.AbsFilesOut {
		_ = t.Sess.FS.Remove(out)
	}
}

// maybeSkip turns an upstream CancelMarker observed while resolving
// dependencies into this task's own skip; any other error propagates as a
// plain failure.
func (t *Task) maybeSkip(err error) (Outcome, error) {
	if cancel, ok := err.(*CancelMarker); ok {
		return Outcome{}, &CancelMarker{Cause: cancel, Skipped: true}
	}
	return Outcome{}, err
}

func (t *Task) resolveDepfile(ctx context.Context) ([]string, error) {
	depfileTmpl := t.Rule.Get("depfile")
	if depfileTmpl.IsNull() {
		return nil, nil
	}
	depfilePath, err := Expand(ctx, t.Rule, depfileTmpl)
	if err != nil {
		return nil, err
	}
	absDepfile := joinRoot(t.Sess.Root, depfilePath)
	if !t.Sess.FS.Exists(absDepfile) {
		return nil, nil
	}
	data, err := t.Sess.FS.ReadFile(absDepfile)
	if err != nil {
		return nil, fmt.Errorf("reading depfile %q: %w", absDepfile, err)
	}
	var deps []string
	if isWindowsDepfile(data) {
		deps, err = ParseMSVCDepfile(data)
	} else {
		deps, err = ParseGCCDepfile(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing depfile %q: %w", absDepfile, err)
	}
	return absolutize(t.Sess.Root, deps), nil
}

// isWindowsDepfile distinguishes the MSVC JSON format from GCC's .d text
// format by sniffing for a leading '{', matching spec.md §4.H's two wire
// formats (the original dispatches on os.name; kiln dispatches on content
// since either depfile kind can appear in the same build regardless of
// host OS).
func isWindowsDepfile(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{")
}

func flattenStrings(ctx context.Context, rule *Rule, v Value) ([]string, error) {
	vals, err := Flatten(ctx, rule, v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(vals))
	for _, val := range vals {
		out = append(out, val.Strings()...)
	}
	return out, nil
}

func joinRoot(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(root, p))
}

func absolutize(base string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = joinRoot(base, p)
	}
	return out
}

func relativize(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		out[i] = rel
	}
	return out
}

// runCommand implements spec.md §4.D.1. Callable commands chdir into
// task_dir scoped around a single synchronous call (never crossing a
// suspension point — see SPEC_FULL.md §5); string commands pass the
// working directory explicitly to Runner.Run instead of relying on a
// process-global chdir, per spec.md §5's explicit warning.
func (t *Task) runCommand(ctx context.Context, cmd Value, dryRun bool) ([]string, error) {
	if dryRun {
		return t.RootRelFilesOut, nil
	}

	taskDir, err := Expand(ctx, t.Rule, t.Rule.Get("task_dir"))
	if err != nil {
		return nil, err
	}
	absTaskDir := joinRoot(t.Sess.Root, taskDir)

	switch cmd.Kind {
	case KindCallable:
		restore, err := scopedChdir(absTaskDir)
		if err != nil {
			return nil, err
		}
		result, callErr := func() (Value, error) {
			defer restore()
			return cmd.Callable(t.Rule, t.RootRelFilesIn)
		}()
		if callErr != nil {
			return nil, callErr
		}
		if result.IsNull() {
			return nil, fmt.Errorf("callable command returned no result")
		}
		return result.Strings(), nil

	case KindString:
		stdout, stderr, exitCode, err := t.Sess.Runner.Run(cmd.Str, absTaskDir)
		if err != nil {
			return nil, fmt.Errorf("running %q: %w", cmd.Str, err)
		}
		if !t.quiet() {
			if stderr != "" {
				t.Sess.Log.Raw(stderr)
			}
			if stdout != "" {
				t.Sess.Log.Raw(stdout)
			}
		}
		if exitCode != 0 {
			return nil, fmt.Errorf("command %q exited with code %d", cmd.Str, exitCode)
		}
		return t.RootRelFilesOut, nil

	default:
		return nil, fmt.Errorf("don't know what to do with command of kind %v", cmd.Kind)
	}
}

// scopedChdir changes into dir and returns a restore func that changes
// back, guaranteed to run on every exit path by the caller. Scoped
// strictly around a synchronous region, per spec.md §5.
func scopedChdir(dir string) (func(), error) {
	old, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if err := os.Chdir(dir); err != nil {
		return nil, fmt.Errorf("chdir %q: %w", dir, err)
	}
	return func() { _ = os.Chdir(old) }, nil
}
