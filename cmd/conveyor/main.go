// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor is the operator CLI: it pushes pipeline definitions, starts
// and inspects runs, approves gated stages, stops jobs, resumes
// breakpoints, watches a job's live stream, and manages sealed
// secrets.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conveyor/api"
	"github.com/bureau-foundation/conveyor/cmd/conveyor/cli"
	"github.com/bureau-foundation/conveyor/lib/version"
)

const (
	defaultAPIURL        = "http://127.0.0.1:7420"
	defaultBrokerAddress = "127.0.0.1:7422"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newApp(ctx, os.Stdin, os.Stdout, os.Stderr).root().Execute(os.Args[1:])
	stop()
	if err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every command shares.
type app struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	styles styles

	apiURL        string
	brokerAddress string
	outputJSON    bool
}

func newApp(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		ctx:    ctx,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		styles: newStyles(stdout),
	}
}

// flags returns a flag set carrying the connection flags.
func (a *app) flags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&a.apiURL, "server", envOr("CONVEYOR_API_URL", defaultAPIURL), "control API base URL")
	return flagSet
}

// jsonFlags is flags plus --json.
func (a *app) jsonFlags(name string) *pflag.FlagSet {
	flagSet := a.flags(name)
	flagSet.BoolVar(&a.outputJSON, "json", false, "output as JSON")
	return flagSet
}

func (a *app) client() *api.Client {
	return api.NewClient(a.apiURL, "")
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func (a *app) root() *cli.Command {
	var showVersion bool
	return &cli.Command{
		Name:        "conveyor",
		Summary:     "Operate the conveyor CI/CD orchestrator",
		Description: "Operate the conveyor CI/CD orchestrator: push pipelines, start and inspect runs,\napprove gated stages, and watch jobs live.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("conveyor", pflag.ContinueOnError)
			flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flagSet
		},
		Run: func(args []string) error {
			if showVersion {
				version.Print("conveyor")
				return nil
			}
			return fmt.Errorf("subcommand required\n\nRun 'conveyor --help' for usage.")
		},
		Subcommands: []*cli.Command{
			a.pushCommand(),
			a.runCommand(),
			a.statusCommand(),
			a.approveCommand(),
			a.forceRunCommand(),
			a.stopCommand(),
			a.resumeCommand(),
			a.watchCommand(),
			a.secretCommand(),
		},
	}
}
