// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesNestedSubcommands(t *testing.T) {
	var called string
	var received []string
	root := &Command{
		Name: "conveyor",
		Subcommands: []*Command{
			{Name: "push", Run: func([]string) error { called = "push"; return nil }},
			{
				Name: "secret",
				Subcommands: []*Command{
					{Name: "seal", Run: func(args []string) error {
						called = "secret seal"
						received = args
						return nil
					}},
				},
			},
		},
	}

	if err := root.Execute([]string{"secret", "seal", "DEPLOY_KEY"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "secret seal" {
		t.Errorf("dispatched to %q, want %q", called, "secret seal")
	}
	if len(received) != 1 || received[0] != "DEPLOY_KEY" {
		t.Errorf("args = %v, want [DEPLOY_KEY]", received)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var retry bool
	var positional []string
	command := &Command{
		Name: "resume",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resume", pflag.ContinueOnError)
			flagSet.BoolVar(&retry, "retry", false, "re-run the task")
			return flagSet
		},
		Run: func(args []string) error {
			positional = args
			return nil
		},
	}

	if err := command.Execute([]string{"job-1", "--retry", "bp-1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !retry {
		t.Error("--retry not parsed")
	}
	if strings.Join(positional, " ") != "job-1 bp-1" {
		t.Errorf("positional = %v", positional)
	}
}

func TestExecuteSuggestions(t *testing.T) {
	root := &Command{
		Name: "conveyor",
		Subcommands: []*Command{
			{Name: "approve"},
			{Name: "status"},
			{
				Name: "watch",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
					flagSet.Bool("interactive", false, "forward the terminal")
					return flagSet
				},
				Run: func([]string) error { return nil },
			},
		},
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"command typo", []string{"aprove"}, `did you mean "approve"`},
		{"flag typo", []string{"watch", "--interactiv"}, "did you mean --interactive"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := root.Execute(test.args)
			if err == nil {
				t.Fatal("Execute succeeded, want error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %q, want it to contain %q", err, test.want)
			}
			if !strings.Contains(err.Error(), "--help") {
				t.Errorf("error = %q, should point to --help", err)
			}
		})
	}

	err := root.Execute([]string{"zzzzzzzz"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("distant input: error = %v, want no suggestion", err)
	}
}

func TestExecuteWithoutSubcommand(t *testing.T) {
	root := &Command{Name: "conveyor", Subcommands: []*Command{{Name: "run"}}}
	err := root.Execute(nil)
	if err == nil || !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %v, want 'subcommand required'", err)
	}
	for _, help := range []string{"-h", "--help", "help"} {
		if err := root.Execute([]string{help}); err != nil {
			t.Errorf("Execute(%q): %v", help, err)
		}
	}
}

func TestPrintHelp(t *testing.T) {
	command := &Command{
		Name:        "conveyor",
		Description: "Drive CI/CD pipelines.",
		Subcommands: []*Command{
			{Name: "push", Summary: "Store a pipeline definition"},
			{Name: "run", Summary: "Start a pipeline"},
		},
		Examples: []Example{{Description: "Start the web pipeline", Command: "conveyor run web"}},
	}
	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()
	for _, want := range []string{"Drive CI/CD pipelines.", "push", "Store a pipeline definition", "# Start the web pipeline", "conveyor run web"} {
		if !strings.Contains(output, want) {
			t.Errorf("help missing %q:\n%s", want, output)
		}
	}
}

func TestRequireArgs(t *testing.T) {
	if err := RequireArgs([]string{"a", "b"}, "instance", "stage"); err != nil {
		t.Errorf("RequireArgs with both: %v", err)
	}
	err := RequireArgs([]string{"a"}, "instance", "stage")
	if err == nil || !strings.Contains(err.Error(), "missing <stage>") {
		t.Errorf("RequireArgs missing one: %v", err)
	}
	err = RequireArgs([]string{"a", "b", "c"}, "instance", "stage")
	if err == nil || !strings.Contains(err.Error(), "got 3 arguments") {
		t.Errorf("RequireArgs with extra: %v", err)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "run", 3},
		{"push", "push", 0},
		{"aprove", "approve", 1},
		{"stauts", "status", 2},
		{"kitten", "sitting", 3},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
