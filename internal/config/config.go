// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads kiln.toml, the project-root configuration file
// supplying defaults ahead of per-task rule overrides and behind CLI
// flags, per SPEC_FULL.md §2. Decoded with github.com/BurntSushi/toml,
// the TOML library wired in akatz-ai-meow's go.mod for exactly this kind
// of file.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// File is the decoded shape of kiln.toml. Every field is a pointer so the
// loader can tell "absent" (fall through to the next precedence level)
// apart from "explicitly set to the zero value".
type File struct {
	Jobs     *int    `toml:"jobs"`
	BuildDir *string `toml:"build_dir"`
	TaskDir  *string `toml:"task_dir"`
	Verbose  *bool   `toml:"verbose"`
	Quiet    *bool   `toml:"quiet"`
	Debug    *bool   `toml:"debug"`
}

// Load reads and decodes path. A missing file is not an error — kiln.toml
// is optional — and returns a zero-value File.
func Load(path string) (*File, error) {
	var f File
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &f, nil
	}
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
