// Copyright 2026 The kiln Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcelocantos/kiln"
	"github.com/marcelocantos/kiln/internal/config"
	"github.com/marcelocantos/kiln/internal/loader"
)

// execRunner shells out via os/exec, satisfying kiln.Runner. Grounded on
// the teacher's executeRecipe, which ran recipes through "sh", "-c".
type execRunner struct{}

func (execRunner) Run(command, dir string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	exitCode = 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		runErr = nil
	}
	return outBuf.String(), errBuf.String(), exitCode, runErr
}

type rootFlags struct {
	file    string
	jobs    int
	force   bool
	dryRun  bool
	verbose bool
	quiet   bool
	debug   bool
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "kiln",
		Short: "kiln builds stale tasks concurrently from a kilnfile",
	}
	root.PersistentFlags().StringVarP(&flags.file, "file", "f", "kilnfile", "kilnfile to read")
	root.PersistentFlags().IntVarP(&flags.jobs, "jobs", "j", -1, "parallel jobs (-1=auto from kiln.toml/defaults, 0=unlimited)")
	root.PersistentFlags().BoolVarP(&flags.force, "force", "B", false, "unconditional rebuild")
	root.PersistentFlags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "print what would run without running it")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose status output")
	root.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "suppress status output")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "dump mtime-call and staleness-reason diagnostics")

	buildCmd := newBuildCmd(flags)
	root.RunE = buildCmd.RunE // bare `kiln` runs a build
	root.AddCommand(
		buildCmd,
		newWhyCmd(flags),
		newGraphCmd(flags),
		newStateCmd(flags),
	)

	// Unrecognized flags are ignored rather than rejected as a cobra parse
	// error; they are dropped and do not reach the kilnfile or any Rule.
	// Trailing "name=value" arguments are handled separately, by loadTasks.
	root.FParseErrWhitelist.UnknownFlags = true

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %s\n", err)
		os.Exit(1)
	}
}

// buildSession wires a Session from kiln.toml + CLI flags, with flags
// taking precedence over the config file and the built-in NewConfig()
// default beneath both. Only `jobs` is taken from kiln.toml; its other
// fields are decoded but not applied.
func buildSession(flags *rootFlags) (*kiln.Session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load("kiln.toml")
	if err != nil {
		return nil, fmt.Errorf("loading kiln.toml: %w", err)
	}

	jobs := flags.jobs
	if jobs < 0 {
		if cfg.Jobs != nil {
			jobs = *cfg.Jobs
		} else {
			jobs = int(kiln.NewConfig().Get("jobs").Num)
		}
	}

	sess := kiln.NewSession(cwd, nil, execRunner{}, jobs, os.Stdout)
	sess.Log.SetQuiet(flags.quiet)
	return sess, nil
}

// loadTasks builds a Loader and evaluates the kilnfile. args are CLI
// trailing arguments; every "name=value" one becomes a kilnfile variable
// override, set before loading so it's visible throughout evaluation —
// the rest select which `config` blocks to activate. There is no
// selective target resolution: every rule in a kilnfile is submitted
// eagerly, the way hancho.py always builds its whole graph rather than
// make's build-only-what-was-asked-for model.
func loadTasks(ctx context.Context, flags *rootFlags, args []string) (*loader.Loader, error) {
	sess, err := buildSession(flags)
	if err != nil {
		return nil, err
	}
	l := loader.New(sess)
	l.SetDefaults(map[string]kiln.Value{
		"force":   kiln.Bool(flags.force),
		"dryrun":  kiln.Bool(flags.dryRun),
		"verbose": kiln.Bool(flags.verbose),
		"quiet":   kiln.Bool(flags.quiet),
		"debug":   kiln.Bool(flags.debug),
	})

	var configs []string
	for _, arg := range args {
		if name, value, ok := strings.Cut(arg, "="); ok {
			l.SetVar(name, value)
			continue
		}
		configs = append(configs, arg)
	}
	l.ActivateConfigs(configs)

	if err := l.Load(ctx, flags.file); err != nil {
		return nil, err
	}
	return l, nil
}

func newBuildCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build [name=value...] [config...]",
		Short: "build every task in the kilnfile (the default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			l, err := loadTasks(ctx, flags, args)
			if err != nil {
				return err
			}
			var failed bool
			for _, t := range l.Tasks() {
				outcome, err := t.Await(ctx)
				if err != nil {
					return err
				}
				if outcome.Cancel != nil {
					failed = true
				}
			}
			sess := l.Sess.Session
			if flags.debug || flags.verbose {
				sess.Report(os.Stdout)
			}
			if failed || sess.Failed() {
				fmt.Fprintln(os.Stdout, "kiln: BUILD FAILED")
				os.Exit(1)
			}
			total, _, _, skip := sess.Counts()
			if skip == total {
				fmt.Fprintln(os.Stdout, "kiln: BUILD CLEAN")
			} else {
				fmt.Fprintln(os.Stdout, "kiln: BUILD PASSED")
			}
			return nil
		},
	}
}

func newWhyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "why <target>",
		Short: "explain why a target needs rebuilding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			l, err := loadTasks(ctx, flags, nil)
			if err != nil {
				return err
			}
			target := args[0]
			for _, t := range l.Tasks() {
				if _, err := t.Await(ctx); err != nil {
					return err
				}
				for _, out := range t.RootRelFilesOut {
					if out == target || strings.TrimPrefix(out, "./") == target {
						if t.Reason == "" {
							fmt.Printf("%s is up to date\n", target)
						} else {
							fmt.Printf("%s needs rebuilding: %s\n", target, t.Reason)
						}
						return nil
					}
				}
			}
			return fmt.Errorf("no task builds %q", target)
		},
	}
}

func newGraphCmd(flags *rootFlags) *cobra.Command {
	var checkCycles bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "print the resolved input->output edges (DOT), optionally checking for cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			l, err := loadTasks(ctx, flags, nil)
			if err != nil {
				return err
			}
			for _, t := range l.Tasks() {
				if _, err := t.Await(ctx); err != nil {
					return err
				}
			}
			if checkCycles {
				return kiln.CheckTaskGraphAcyclic(l.Tasks())
			}
			fmt.Println("digraph kiln {")
			fmt.Println("  rankdir=LR;")
			for _, t := range l.Tasks() {
				for _, in := range t.RootRelFilesIn {
					for _, out := range t.RootRelFilesOut {
						fmt.Printf("  %q -> %q;\n", in, out)
					}
				}
			}
			fmt.Println("}")
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkCycles, "check-cycles", false, "only report a dependency cycle, if any")
	return cmd
}

func newStateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state <target>",
		Short: "show the resolved task state for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			l, err := loadTasks(ctx, flags, nil)
			if err != nil {
				return err
			}
			target := args[0]
			for _, t := range l.Tasks() {
				if _, err := t.Await(ctx); err != nil {
					return err
				}
				for _, out := range t.RootRelFilesOut {
					if out == target {
						fmt.Printf("target:      %s\n", target)
						fmt.Printf("files_in:    %v\n", t.RootRelFilesIn)
						fmt.Printf("deps:        %v\n", t.RootRelDeps)
						fmt.Printf("reason:      %s\n", t.Reason)
						fmt.Printf("index:       %d\n", t.Index)
						return nil
					}
				}
			}
			return fmt.Errorf("no recorded state for %q", target)
		},
	}
}
