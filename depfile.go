// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package kiln

import (
	"encoding/json"
	"fmt"
)

// ParseGCCDepfile parses a GCC/Clang-style .d dependency file: the first
// whitespace-delimited token is the build target and is discarded; the
// remaining tokens are dependencies; line-continuation backslashes are
// stripped. Pure function from file contents to a path list, per spec.md
// §4.H. Grounded on original_source/hancho.py's needs_rerun POSIX branch
// (`deplines = depfile.read().split(); deplines = [d for d in deplines[1:]
// if d != "\\"]`) — the teacher has no depfile support at all, so this is
// built fresh from the original.
func ParseGCCDepfile(data []byte) ([]string, error) {
	tokens := splitWhitespace(string(data))
	if len(tokens) == 0 {
		return nil, nil
	}
	deps := make([]string, 0, len(tokens)-1)
	for _, tok := range tokens[1:] {
		if tok == "\\" {
			continue
		}
		deps = append(deps, tok)
	}
	return deps, nil
}

// msvcDepfile mirrors the shape of an MSVC /sourceDependencies JSON
// depfile, with dependencies at Data.Includes.
type msvcDepfile struct {
	Data struct {
		Includes []string `json:"Includes"`
	} `json:"Data"`
}

// ParseMSVCDepfile parses an MSVC /sourceDependencies JSON depfile, per
// spec.md §4.H / §6. Uses encoding/json, matching the teacher's own
// serialization choice in state.go — there is no ecosystem JSON library in
// the example pack better suited to a one-shot unmarshal like this.
func ParseMSVCDepfile(data []byte) ([]string, error) {
	var doc msvcDepfile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing MSVC depfile: %w", err)
	}
	return doc.Data.Includes, nil
}

func splitWhitespace(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
