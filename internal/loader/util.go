// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/marcelocantos/kiln"
)

func wildcardGlob(pattern string) ([]string, error) {
	// Support space-separated patterns
	patterns := strings.Fields(pattern)
	var all []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	return all, nil
}

// runShellCapture runs cmd through the same kiln.Runner a recipe's own
// commands dispatch through, rather than a private exec.Command — a
// kilnfile's "$[shell ...]" and a rule's recipe line both end up as one
// call to Session.Runner.Run, so a test Runner stub sees every command
// the loader causes to run, not just the ones kiln itself schedules as
// tasks.
func runShellCapture(runner kiln.Runner, dir, cmd string) (string, error) {
	if runner == nil {
		return "", fmt.Errorf("shell: no runner configured")
	}
	stdout, stderr, exitCode, err := runner.Run(cmd, dir)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("shell: %q exited %d: %s", cmd, exitCode, stderr)
	}
	return stdout, nil
}
