// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Rule is a prototypal attribute store: a local frame of values plus an
// optional base reference forming an inheritance chain. Lookup of a
// missing key delegates to base recursively; a terminal miss returns the
// null sentinel. This mirrors hancho.py's Rule(dict) + __missing__ chain.
type Rule struct {
	attrs map[string]Value
	base  *Rule
}

// NewConfig builds the root Config rule holding built-in defaults and the
// helper callables templates may invoke: len, glob, swap_ext, run_cmd,
// color.
func NewConfig() *Rule {
	c := &Rule{attrs: map[string]Value{}}
	c.Set("jobs", Number(float64(runtime.NumCPU())))
	c.Set("build_dir", String("build"))
	c.Set("task_dir", String("."))
	c.Set("files_out", List())
	c.Set("deps", List())
	c.Set("desc", String("{files_in} -> {files_out}"))
	c.Set("force", Bool(false))
	c.Set("keep", Bool(false))
	c.Set("phony", Bool(false))
	c.Set("dryrun", Bool(false))
	c.Set("verbose", Bool(false))
	c.Set("quiet", Bool(false))
	c.Set("debug", Bool(false))

	c.Set("len", FromCallable(builtinLen))
	c.Set("glob", FromCallable(builtinGlob))
	c.Set("swap_ext", FromCallable(builtinSwapExt))
	c.Set("run_cmd", FromCallable(builtinRunCmd))
	c.Set("color", FromCallable(builtinColor))
	return c
}

// Get walks the inheritance chain, returning the null sentinel on a
// terminal miss.
func (r *Rule) Get(key string) Value {
	if r == nil {
		return Null()
	}
	if v, ok := r.attrs[key]; ok {
		return v
	}
	if r.base != nil {
		return r.base.Get(key)
	}
	return Null()
}

// Set mutates only the local frame.
func (r *Rule) Set(key string, v Value) {
	r.attrs[key] = v
}

// Has reports whether key resolves to a non-null value anywhere in the chain.
func (r *Rule) Has(key string) bool {
	return !r.Get(key).IsNull()
}

// Extend returns a child rule whose base is the receiver, with overrides
// applied to the child's local frame.
func (r *Rule) Extend(overrides map[string]Value) *Rule {
	child := &Rule{attrs: map[string]Value{}, base: r}
	for k, v := range overrides {
		child.Set(k, v)
	}
	return child
}

// Clone makes a shallow copy of the local frame (base is shared, not
// copied) — used when a component needs to set scratch attributes (e.g.
// "target", "input") without mutating the caller's rule.
func (r *Rule) Clone() *Rule {
	c := &Rule{attrs: make(map[string]Value, len(r.attrs)), base: r.base}
	for k, v := range r.attrs {
		c.attrs[k] = v
	}
	return c
}

////////////////////////////////////////////////////////////////////////////
// Built-in template helpers, grounded on hancho.py's module-level
// color/run_cmd/swap_ext/mtime/flatten free functions bound onto Config.

func builtinLen(_ *Rule, args []string) (Value, error) {
	if len(args) == 0 {
		return Number(0), nil
	}
	return Number(float64(len(strings.Fields(args[0])))), nil
}

func builtinGlob(_ *Rule, args []string) (Value, error) {
	var out []Value
	for _, pattern := range args {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return Null(), err
		}
		for _, m := range matches {
			out = append(out, Path(m))
		}
	}
	return List(out...), nil
}

func builtinSwapExt(_ *Rule, args []string) (Value, error) {
	if len(args) < 2 {
		return Null(), nil
	}
	newExt := args[len(args)-1]
	var out []Value
	for _, name := range args[:len(args)-1] {
		out = append(out, Path(swapExt(name, newExt)))
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return List(out...), nil
}

func swapExt(name, newExt string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)] + newExt
}

func builtinRunCmd(_ *Rule, args []string) (Value, error) {
	cmd := exec.Command("sh", "-c", strings.Join(args, " "))
	out, err := cmd.Output()
	if err != nil {
		return Null(), err
	}
	return String(strings.TrimSpace(string(out))), nil
}

// builtinColor converts an "r g b" triple to an ANSI escape, suppressed on
// Windows, matching hancho.py's color() (its console doesn't render the
// escapes).
func builtinColor(_ *Rule, args []string) (Value, error) {
	if runtime.GOOS == "windows" {
		return String(""), nil
	}
	if len(args) == 0 {
		return String("\x1b[0m"), nil
	}
	joined := strings.Join(args, " ")
	fields := strings.Fields(joined)
	if len(fields) != 3 {
		return String(""), nil
	}
	return String("\x1b[38;2;" + fields[0] + ";" + fields[1] + ";" + fields[2] + "m"), nil
}
