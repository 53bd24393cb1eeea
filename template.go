// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxExpandDepth = 10

// errDepthExceeded marks a non-terminating template expansion. Distinct
// from a plain evaluation error so expandString never silently swallows it
// the way it swallows a user-expression eval failure.
type errDepthExceeded struct{ preview string }

func (e *errDepthExceeded) Error() string {
	return fmt.Sprintf("expanding %q failed to terminate (depth > %d)", e.preview, maxExpandDepth)
}

// Expand implements spec.md §4.B's expansion contract.
//
// Behavior by input shape:
//   - a Task value is awaited; its Outcome becomes the next input. A
//     Cancel outcome raises out of expansion, cancelling the caller.
//   - Null becomes "".
//   - a List is flattened, every element expanded, joined with a single
//     space.
//   - a non-string non-list becomes its canonical string form.
//   - a string is scanned for the first "{…}" span (braces don't nest);
//     the interior is parsed and evaluated against rule; the result is
//     recursively expanded. If evaluation raises, the literal span is
//     retained verbatim — the deliberate tolerance spec.md's Open
//     Questions call out (hancho.py's bare except around eval()).
//
// Grounded on hancho.py's expand_async; depth cap and per-call recursion
// shape follow it exactly, translated from coroutine awaits to blocking
// channel reads since kiln's tasks run on goroutines.
func Expand(ctx context.Context, rule *Rule, v Value) (string, error) {
	return expandDepth(ctx, rule, v, 0)
}

func expandDepth(ctx context.Context, rule *Rule, v Value, depth int) (string, error) {
	if depth >= maxExpandDepth {
		return "", &errDepthExceeded{preview: previewValue(v)}
	}

	if v.Kind == KindTask {
		outcome, err := v.Task.Await(ctx)
		if err != nil {
			return "", err
		}
		if outcome.Cancel != nil {
			return "", outcome.Cancel
		}
		strs := make([]Value, len(outcome.Outputs))
		for i, s := range outcome.Outputs {
			strs[i] = String(s)
		}
		return expandDepth(ctx, rule, List(strs...), depth+1)
	}

	switch v.Kind {
	case KindNull:
		return "", nil
	case KindList:
		parts, err := flattenDepth(ctx, rule, v.List, depth+1)
		if err != nil {
			return "", err
		}
		return strings.Join(parts, " "), nil
	case KindCallable:
		return "", fmt.Errorf("cannot expand a callable value as text")
	}

	s := v.String()
	return expandString(ctx, rule, s, depth)
}

func expandString(ctx context.Context, rule *Rule, template string, depth int) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		span := rest[start : end+1]
		inner := span[1 : len(span)-1]

		replacement, err := evalSpan(ctx, rule, inner, depth)
		if err != nil {
			// Hard failures (depth exceeded, an upstream Cancel) must
			// propagate; only a plain evaluation error gets the literal
			// text tolerance.
			if isHardExpandError(err) {
				return "", err
			}
			b.WriteString(span)
		} else {
			b.WriteString(replacement)
		}
		rest = rest[end+1:]
	}
	return b.String(), nil
}

// evalSpan evaluates one {…} span's interior and recursively expands the
// result. A plain parse/eval error against this closed expression language
// is returned so the caller can retain the literal span verbatim — the
// tolerance spec.md's Open Questions flag as hiding user errors on
// purpose, grounded on hancho.py's bare `except Exception` around its
// eval() call. A CancelMarker or depth-exceeded error is NOT given that
// tolerance: spec.md says a Cancel marker "raises out of expansion",
// distinct from evaluation failing.
func evalSpan(ctx context.Context, rule *Rule, inner string, depth int) (string, error) {
	node, err := parseExpr(inner)
	if err != nil {
		return "", err
	}
	val, err := node.evalExpr(rule)
	if err != nil {
		return "", err
	}
	return expandDepth(ctx, rule, val, depth+1)
}

func isHardExpandError(err error) bool {
	if _, ok := err.(*CancelMarker); ok {
		return true
	}
	_, ok := err.(*errDepthExceeded)
	return ok
}

// Flatten implements flatten_async: unlike Expand, it preserves callables
// unchanged (they may be commands) and expands every other leaf to a
// string Value, returning a flat []Value.
func Flatten(ctx context.Context, rule *Rule, v Value) ([]Value, error) {
	return flattenValueDepth(ctx, rule, v, 0)
}

// flattenValueDepth fans concurrent dependency waits out across an
// errgroup.Group — each list element may itself be an unresolved Task
// promise, and there is no reason to await them one at a time. Grounded
// on distr1-distri's internal/batch/batch.go, which fans out concurrent
// package builds the same way, replacing the teacher's manual
// sync.WaitGroup + error-slice pattern in exec.go's doBuild.
func flattenValueDepth(ctx context.Context, rule *Rule, v Value, depth int) ([]Value, error) {
	if v.Kind != KindList {
		return flattenOneDepth(ctx, rule, v, depth)
	}
	pieces := make([][]Value, len(v.List))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range v.List {
		i, e := i, e
		g.Go(func() error {
			if e.Kind == KindList {
				sub, err := flattenValueDepth(gctx, rule, e, depth+1)
				if err != nil {
					return err
				}
				pieces[i] = sub
				return nil
			}
			vs, err := flattenOneDepth(gctx, rule, e, depth)
			if err != nil {
				return err
			}
			pieces[i] = vs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Value
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out, nil
}

func flattenOneDepth(ctx context.Context, rule *Rule, v Value, depth int) ([]Value, error) {
	if v.Kind == KindCallable {
		return []Value{v}, nil
	}
	s, err := expandDepth(ctx, rule, v, depth)
	if err != nil {
		return nil, err
	}
	return []Value{String(s)}, nil
}

// flattenDepth is Flatten's string-only convenience used by Expand's List
// case, where callables have no meaning (a command list is never joined
// into a description string).
func flattenDepth(ctx context.Context, rule *Rule, elements []Value, depth int) ([]string, error) {
	pieces := make([][]string, len(elements))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range elements {
		i, e := i, e
		g.Go(func() error {
			if e.Kind == KindList {
				sub, err := flattenDepth(gctx, rule, e.List, depth+1)
				if err != nil {
					return err
				}
				pieces[i] = sub
				return nil
			}
			s, err := expandDepth(gctx, rule, e, depth)
			if err != nil {
				return err
			}
			pieces[i] = []string{s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out, nil
}

func previewValue(v Value) string {
	s := v.String()
	if len(s) > 20 {
		return s[:20]
	}
	return s
}
