// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import "time"

// NeedsRerun implements spec.md §4.C's staleness oracle: the ordered
// checks run in sequence and the first matching reason wins. Comparisons
// use >= so a same-second edit still forces a rebuild. mtime-based only —
// no content hashing, per spec.md's Non-goals — unlike the teacher's
// BuildState.IsStale in state.go, which went the content-hash route; this
// is built straight from original_source/hancho.py's needs_rerun, which is
// mtime-based and the direct source of the nine ordered checks.
//
// modFiles is the build-description file mtime set (spec.md §3's Module
// Set); depFiles is the already-resolved list of paths from a parsed
// depfile, or nil if none applies.
func NeedsRerun(sess *Session, force bool, filesIn, filesOut, deps, modFiles, depFiles []string) (string, error) {
	if force {
		return "forced", nil
	}
	if len(filesIn) == 0 {
		return "always rebuild: no inputs", nil
	}
	if len(filesOut) == 0 {
		return "always rebuild: no outputs", nil
	}

	for _, out := range filesOut {
		if !sess.FS.Exists(out) {
			return "missing outputs", nil
		}
	}

	minOut, err := minMtime(sess, filesOut)
	if err != nil {
		return "", err
	}

	if len(modFiles) > 0 {
		maxMod, err := maxMtime(sess, modFiles)
		if err != nil {
			return "", err
		}
		if !maxMod.Before(minOut) {
			return "build files changed", nil
		}
	}

	if len(deps) > 0 {
		maxDep, err := maxMtime(sess, deps)
		if err != nil {
			return "", err
		}
		if !maxDep.Before(minOut) {
			return "manual dependency changed", nil
		}
	}

	if len(depFiles) > 0 {
		maxDepfile, err := maxMtime(sess, depFiles)
		if err != nil {
			return "", err
		}
		if !maxDepfile.Before(minOut) {
			return "depfile dependency changed", nil
		}
	}

	maxIn, err := maxMtime(sess, filesIn)
	if err != nil {
		return "", err
	}
	if !maxIn.Before(minOut) {
		return "input changed", nil
	}

	return "", nil
}

func minMtime(sess *Session, paths []string) (time.Time, error) {
	var min time.Time
	for i, p := range paths {
		mt, err := sess.Mtime(p)
		if err != nil {
			return time.Time{}, err
		}
		if i == 0 || mt.Before(min) {
			min = mt
		}
	}
	return min, nil
}

func maxMtime(sess *Session, paths []string) (time.Time, error) {
	var max time.Time
	for i, p := range paths {
		mt, err := sess.Mtime(p)
		if err != nil {
			return time.Time{}, err
		}
		if i == 0 || mt.After(max) {
			max = mt
		}
	}
	return max, nil
}
