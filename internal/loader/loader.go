// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package loader reads kilnfiles — the line-oriented declarative build
// description format — and turns each rule block into a kiln.Task
// submission. It sits outside kiln's core task-graph engine: the core
// only knows about Rule/Task/Session; loader is the thing that calls
// Session.Submit on the engine's behalf.
//
// Adapted from the teacher's mkfile DSL machinery (ast.go, parse.go,
// pattern.go, vars.go), redirected at kilnfile's own surface syntax and
// kiln's Submit-based scheduling instead of make's resolve-on-demand
// target graph.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcelocantos/kiln"
)

// Loader evaluates one or more kilnfiles against a kiln.Session, tracking
// the kilnfile-level variable scope ($name) separately from the Session's
// Rule/Value world — the two template languages don't mix, per
// SPEC_FULL.md §9.
type Loader struct {
	Sess *Session
	vars *Vars

	root       *kiln.Rule // the current lexical Rule scope (inherits Session defaults)
	scopePath  string     // directory of the kilnfile currently being evaluated
	configs    map[string]*ConfigDef
	activeCfgs []string

	tasks []*kiln.Task
}

// Session wraps the *kiln.Session the loader submits tasks to; it is a
// struct embedding the full kiln.Session, not an interface.
type Session struct {
	*kiln.Session
}

// New builds a Loader that submits to the given kiln.Session. The
// kilnfile directory used for relative paths is taken from the path
// passed to Load, not from sess.Root.
func New(sess *kiln.Session) *Loader {
	root := kiln.NewConfig()
	vars := NewVars()
	vars.SetRunner(sess.Runner)
	return &Loader{
		Sess:    &Session{sess},
		vars:    vars,
		root:    root,
		configs: make(map[string]*ConfigDef),
	}
}

// SetDefaults merges overrides into the root Rule every submitted task
// inherits from — the CLI uses this to push -B/-n/-v/-q/--debug into the
// run-mode attributes every Rule's NewConfig() already carries.
func (l *Loader) SetDefaults(overrides map[string]kiln.Value) {
	for k, v := range overrides {
		l.root.Set(k, v)
	}
}

// SetVar seeds a kilnfile-level variable before loading, the way the CLI
// turns a trailing "name=value" argument into an override (teacher's
// cmd/mk/main.go did the same against its own Vars).
func (l *Loader) SetVar(name, value string) { l.vars.Set(name, value) }

// ActivateConfigs requests the named `config` blocks be applied. Each one
// takes effect at the point in the file where its block is written (see
// evalConfigDef), so it only affects rules that come after it.
func (l *Loader) ActivateConfigs(names []string) {
	l.activeCfgs = names
}

// Tasks returns every task submitted while loading, in submission order.
func (l *Loader) Tasks() []*kiln.Task { return l.tasks }

// Load parses path and evaluates its statements in order, submitting each
// rule as a kiln.Task the moment it's encountered.
//
// kiln.Session.Submit starts a task the instant a rule is evaluated (no
// make-style build-the-graph-then-execute phase), so a `config` block's
// variable overrides are applied positionally, in file order, exactly
// where the block is written — like a taken conditional branch — rather
// than the teacher's BuildGraph, which defers every rule's expansion
// until after the whole file is read and reruns it via reExpandRules:
// reapplying a rule's recipe after kiln has already launched its command
// would mean running that command twice. The practical upshot is the
// same one make itself follows: a `config` meant to override a variable
// a rule uses has to appear before that rule in the kilnfile.
func (l *Loader) Load(ctx context.Context, path string) error {
	file, err := l.parseFile(path)
	if err != nil {
		return err
	}
	l.setScope(filepath.Dir(path))

	if err := l.evaluate(ctx, file.Stmts); err != nil {
		return err
	}
	return l.checkActiveConfigsSeen()
}

func (l *Loader) parseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	file, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return file, nil
}

// checkActiveConfigsSeen reports an error if ActivateConfigs named a
// config block this loader never actually encountered while evaluating.
func (l *Loader) checkActiveConfigsSeen() error {
	for _, name := range l.activeCfgs {
		if _, ok := l.configs[name]; !ok {
			return fmt.Errorf("unknown config %q", name)
		}
	}
	return nil
}

func (l *Loader) evaluate(ctx context.Context, stmts []Node) error {
	for _, stmt := range stmts {
		if err := l.evalNode(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) evalNode(ctx context.Context, node Node) error {
	switch n := node.(type) {
	case VarAssign:
		return l.evalVarAssign(n)
	case RuleDecl:
		return l.evalRule(ctx, n)
	case Conditional:
		return l.evalConditional(ctx, n)
	case Include:
		return l.evalInclude(ctx, n)
	case FuncDef:
		l.vars.SetFunc(&n)
		return nil
	case ConfigDef:
		return l.evalConfigDef(n)
	case Loop:
		return l.evalLoop(ctx, n)
	}
	return nil
}

func (l *Loader) evalVarAssign(n VarAssign) error {
	name := l.vars.Expand(n.Name)
	if n.Lazy {
		l.vars.SetLazy(name, n.Value)
		return nil
	}
	value := l.vars.Expand(n.Value)
	switch n.Op {
	case OpSet:
		l.vars.Set(name, value)
	case OpAppend:
		l.vars.Append(name, value)
	case OpCondSet:
		if l.vars.Get(name) == "" {
			l.vars.Set(name, value)
		}
	}
	return nil
}

func (l *Loader) evalLoop(ctx context.Context, loop Loop) error {
	items := strings.Fields(l.vars.Expand(loop.List))
	for _, item := range items {
		l.vars.Set(loop.Var, item)
		if err := l.evaluate(ctx, loop.Body); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) evalConditional(ctx context.Context, c Conditional) error {
	for _, branch := range c.Branches {
		if branch.Op == "else" {
			return l.evaluate(ctx, branch.Body)
		}
		left := l.vars.Expand(branch.Left)
		right := l.vars.Expand(branch.Right)
		match := false
		switch branch.Cmp {
		case "==":
			match = left == right
		case "!=":
			match = left != right
		}
		if match {
			return l.evaluate(ctx, branch.Body)
		}
	}
	return nil
}

// evalInclude evaluates an included kilnfile in place, at the point the
// `include` directive appears, so its statements — rules, var
// assignments, and `config` blocks alike — take effect in the same
// positional order as if they'd been written inline.
//
// `include path as alias` instead evaluates the file in a private child
// Vars scope and re-exposes its top-level variables back into the
// parent as alias.name, letting a caller write $lib.src the same way
// Expand already resolves a directly-defined scoped variable.
func (l *Loader) evalInclude(ctx context.Context, inc Include) error {
	path := l.vars.Expand(inc.Path)
	if l.scopePath != "" && l.scopePath != "." {
		path = filepath.Join(l.scopePath, path)
	}
	file, err := l.parseFile(path)
	if err != nil {
		return err
	}

	savedScope := l.scopePath
	defer l.setScope(savedScope)

	if inc.Alias == "" {
		l.setScope(filepath.Dir(path))
		return l.evaluate(ctx, file.Stmts)
	}

	savedVars := l.vars
	child := savedVars.Clone()
	l.vars = child
	l.setScope(filepath.Dir(path))
	err = l.evaluate(ctx, file.Stmts)
	l.vars = savedVars
	if err != nil {
		return err
	}
	for name, value := range child.Snapshot() {
		l.vars.Set(inc.Alias+"."+name, value)
	}
	return nil
}

// setScope updates the directory kilnfile-relative paths and $[shell ...]
// commands resolve against, keeping vars.dir in step with scopePath as an
// include pushes and pops the current file's directory.
func (l *Loader) setScope(dir string) {
	l.scopePath = dir
	l.vars.SetDir(dir)
}

// isActiveConfig reports whether name was requested via ActivateConfigs.
func (l *Loader) isActiveConfig(name string) bool {
	for _, n := range l.activeCfgs {
		if n == name {
			return true
		}
	}
	return false
}

// evalConfigDef registers a `config` block and, if it was requested via
// ActivateConfigs, applies its variable overrides right here — the point
// in the file where the block is written, same as a taken conditional
// branch, so every rule below it sees the overridden value.
func (l *Loader) evalConfigDef(cfg ConfigDef) error {
	l.configs[cfg.Name] = &cfg
	if !l.isActiveConfig(cfg.Name) {
		return nil
	}
	for _, exc := range cfg.Excludes {
		if l.isActiveConfig(exc) {
			return fmt.Errorf("config %q excludes %q; cannot use both", cfg.Name, exc)
		}
	}
	for _, va := range cfg.Vars {
		value := l.vars.Expand(va.Value)
		switch va.Op {
		case OpSet:
			l.vars.Set(va.Name, value)
		case OpAppend:
			l.vars.Append(va.Name, value)
		case OpCondSet:
			if l.vars.Get(va.Name) == "" {
				l.vars.Set(va.Name, value)
			}
		}
	}
	return nil
}

// evalRule turns one RuleDecl into one or more kiln.Task submissions. A
// rule whose targets contain {captures} is expanded against every input
// matching the prerequisite glob, one task per match — the kilnfile's
// pattern-rule sugar, absent from kiln's own concrete-task core per
// SPEC_FULL.md §9.
func (l *Loader) evalRule(ctx context.Context, r RuleDecl) error {
	targets := l.expandFields(r.Targets)
	prereqs := l.expandFields(r.Prereqs)
	orderOnly := l.expandFields(r.OrderOnlyPrereqs)

	isPattern := false
	for _, t := range targets {
		if _, ok, _ := ParsePattern(t); ok {
			isPattern = true
			break
		}
	}

	if !isPattern {
		return l.submitTask(ctx, targets, prereqs, orderOnly, r)
	}
	return l.evalPatternRule(ctx, targets, prereqs, orderOnly, r)
}

func (l *Loader) evalPatternRule(ctx context.Context, targets, prereqs, orderOnly []string, r RuleDecl) error {
	if len(targets) == 0 {
		return fmt.Errorf("line %d: pattern rule has no targets", r.Line)
	}
	targetPattern, _, err := ParsePattern(targets[0])
	if err != nil {
		return err
	}
	if len(prereqs) == 0 {
		return fmt.Errorf("line %d: pattern rule %q has no prerequisite to glob", r.Line, targets[0])
	}
	prereqPattern, _, err := ParsePattern(prereqs[0])
	if err != nil {
		return err
	}

	// Glob against the kilnfile's own directory, not the process's cwd —
	// a kilnfile included from elsewhere still resolves its patterns
	// relative to where it lives.
	globPattern := prereqPattern.GlobPattern()
	searchPattern := globPattern
	if l.scopePath != "" && l.scopePath != "." && !filepath.IsAbs(globPattern) {
		searchPattern = filepath.Join(l.scopePath, globPattern)
	}
	matches, err := filepath.Glob(searchPattern)
	if err != nil {
		return fmt.Errorf("line %d: glob %q: %w", r.Line, searchPattern, err)
	}

	for _, match := range matches {
		rel := match
		if l.scopePath != "" && l.scopePath != "." {
			if r, err := filepath.Rel(l.scopePath, match); err == nil {
				rel = r
			}
		}
		captures, ok := prereqPattern.Match(rel)
		if !ok {
			continue
		}
		target := targetPattern.Expand(captures)
		if err := l.submitTask(ctx, []string{target}, []string{rel}, orderOnly, r); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) submitTask(ctx context.Context, targets, prereqs, orderOnly []string, r RuleDecl) error {
	overrides := map[string]kiln.Value{
		"files_out": kiln.List(stringsToValues(targets)...),
		"deps":      kiln.List(stringsToValues(orderOnly)...),
	}
	if len(r.Recipe) > 0 {
		overrides["command"] = kiln.String(l.expandRecipe(r.Recipe))
	}
	if r.IsTask {
		overrides["force"] = kiln.Bool(true)
		overrides["phony"] = kiln.Bool(true)
	}
	if _, ok := r.Annotation("keep"); ok {
		overrides["keep"] = kiln.Bool(true)
	}
	if fingerprint, ok := r.Annotation("fingerprint"); ok && fingerprint != "" {
		overrides["desc"] = kiln.String(l.vars.Expand(fingerprint))
	}

	filesIn := kiln.List(stringsToValues(prereqs)...)
	fileRoot := l.scopePath
	task := l.Sess.Submit(ctx, l.root, filesIn, kiln.Null(), overrides, fileRoot)
	l.tasks = append(l.tasks, task)
	return nil
}

func (l *Loader) expandFields(raw []string) []string {
	var out []string
	for _, r := range raw {
		out = append(out, strings.Fields(l.vars.Expand(r))...)
	}
	return out
}

func (l *Loader) expandRecipe(lines []string) string {
	var out []string
	for _, line := range lines {
		l2 := line
		for len(l2) > 0 && (l2[0] == '@' || l2[0] == '-') {
			l2 = l2[1:]
		}
		out = append(out, l.vars.Expand(l2))
	}
	return strings.Join(out, "\n")
}

func stringsToValues(ss []string) []kiln.Value {
	out := make([]kiln.Value, len(ss))
	for i, s := range ss {
		out[i] = kiln.Path(s)
	}
	return out
}
