// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taskgroup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type lineCollector struct {
	stdout []string
	stderr []string
}

func (c *lineCollector) onLine(stream Stream, line []byte) {
	if stream == Stderr {
		c.stderr = append(c.stderr, string(line))
		return
	}
	c.stdout = append(c.stdout, string(line))
}

func TestShellRunnerExitCodesAndStreams(t *testing.T) {
	t.Parallel()
	var lines lineCollector
	code, err := ShellRunner{}.Run(context.Background(), Command{
		Script: `echo "one $GREETING"; echo two >&2; echo three; exit 3`,
		Dir:    t.TempDir(),
		Env:    []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
	}, lines.onLine)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if got := strings.Join(lines.stdout, "|"); got != "one hello|three" {
		t.Errorf("stdout = %q", got)
	}
	if got := strings.Join(lines.stderr, "|"); got != "two" {
		t.Errorf("stderr = %q", got)
	}
}

func TestShellRunnerSpawnFailure(t *testing.T) {
	t.Parallel()
	code, err := ShellRunner{}.Run(context.Background(), Command{
		Script: "true",
		Dir:    filepath.Join(t.TempDir(), "does-not-exist"),
	}, func(Stream, []byte) {})
	if err == nil {
		t.Fatal("Run in a missing directory succeeded")
	}
	if code != SpawnFailedExitCode {
		t.Errorf("exit code = %d, want %d", code, SpawnFailedExitCode)
	}
}

func TestShellRunnerCancelKillsProcessGroup(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// The background sleep holds the stdout pipe open; only killing
	// the whole group lets Run return.
	code, err := ShellRunner{}.Run(ctx, Command{
		Script: "sleep 30 & sleep 30",
		Dir:    t.TempDir(),
		Env:    []string{"PATH=/usr/bin:/bin"},
	}, func(Stream, []byte) {})
	if err == nil {
		t.Fatal("cancelled Run returned no error")
	}
	if code != SpawnFailedExitCode {
		t.Errorf("exit code = %d, want %d", code, SpawnFailedExitCode)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %v after cancellation", elapsed)
	}
}

func TestScanLinesSplitsLongLines(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", lineBufferSize+10)
	var pieces []string
	scanLines(strings.NewReader(long+"\nshort\n"), Stdout, func(_ Stream, line []byte) {
		pieces = append(pieces, string(line))
	})
	if len(pieces) != 3 {
		t.Fatalf("got %d pieces, want 3", len(pieces))
	}
	if len(pieces[0]) != lineBufferSize || len(pieces[1]) != 10 || pieces[2] != "short" {
		t.Errorf("piece lengths = %d, %d, %q", len(pieces[0]), len(pieces[1]), pieces[2])
	}
}
