// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taskgroup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnFailedExitCode is the exit code recorded for a command that
// never started (shell missing, working directory unusable). Real
// processes never exit with a negative code, so it cannot be confused
// with a command that ran and failed.
const SpawnFailedExitCode = -1

// lineBufferSize bounds a single streamed output line. Longer lines
// are delivered in pieces of this size.
const lineBufferSize = 64 * 1024

// Stream identifies an output stream.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Command is one shell command to run.
type Command struct {
	// Script is passed to sh -c.
	Script string
	Dir    string

	// Env is the complete environment in NAME=value form.
	Env []string
}

// Runner executes a command, calling onLine for every line of output
// as it is produced. It returns the exit code. A non-nil error means
// the command could not be started or was interrupted; the exit code
// is then SpawnFailedExitCode.
type Runner interface {
	Run(ctx context.Context, command Command, onLine func(stream Stream, line []byte)) (int, error)
}

// ShellRunner runs commands with sh -c in their own process group.
// Cancelling the context kills the whole group, so children of the
// shell do not outlive the task holding its output pipes open.
type ShellRunner struct{}

// Run implements Runner.
func (ShellRunner) Run(ctx context.Context, command Command, onLine func(stream Stream, line []byte)) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command.Script)
	cmd.Dir = command.Dir
	cmd.Env = command.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnFailedExitCode, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return SpawnFailedExitCode, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return SpawnFailedExitCode, fmt.Errorf("starting command: %w", err)
	}

	// onLine is called from two goroutines; serialize it so callers
	// see one line at a time.
	var lineMu sync.Mutex
	emit := func(stream Stream, line []byte) {
		lineMu.Lock()
		defer lineMu.Unlock()
		onLine(stream, line)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); scanLines(stdout, Stdout, emit) }()
	go func() { defer readers.Done(); scanLines(stderr, Stderr, emit) }()
	readers.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && ctx.Err() == nil {
		if code := exitError.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal it did not ask for: report it the way a
		// shell does.
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
	}
	return SpawnFailedExitCode, err
}

func scanLines(reader io.Reader, stream Stream, emit func(Stream, []byte)) {
	buffered := bufio.NewReaderSize(reader, lineBufferSize)
	for {
		line, _, err := buffered.ReadLine()
		if err != nil {
			return
		}
		emit(stream, append([]byte(nil), line...))
	}
}
