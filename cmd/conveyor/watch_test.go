// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/lib/testutil"
)

const testTimeout = 5 * time.Second

func TestWatchViewRendersEvents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	view := &watchView{out: &out, styles: newStyles(&out), jobInstanceID: "job-1", lineEnd: "\n"}

	view.render(broker.Output{Data: []byte("compiling\n"), TaskGroupID: "build", TaskID: "make"})
	view.render(broker.Output{Data: []byte("warning: unused"), Stderr: true, TaskID: "lint"})
	view.render(broker.Output{Data: []byte("\x1b[32mok\x1b[0m 12 tests"), TaskID: "test"})
	view.render(broker.AgentLog{Level: "WARN", Message: "slow task", Block: "build"})
	view.render(broker.BreakpointTrip{ID: "bp-1", Checkpoint: "on_failure", TaskID: "make", TaskName: "make all", AllowRetry: true})
	view.render(broker.BreakpointResolved{ID: "bp-1", Retry: true})

	output := out.String()
	for _, want := range []string{
		"[build/make] compiling\n",
		"[lint] warning: unused",
		"[test] ok 12 tests",
		"warn [build] slow task",
		"breakpoint bp-1: on_failure make all",
		"conveyor resume job-1 bp-1 [--retry]",
		"-- breakpoint bp-1 resumed (retry)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestWatchViewDetach(t *testing.T) {
	t.Parallel()

	view := &watchView{out: io.Discard, styles: newStyles(io.Discard), lineEnd: "\n"}
	if view.render(broker.SourceStatus{Attached: false}) {
		t.Error("a detach before any attach ended the watch")
	}
	if view.render(broker.SourceStatus{Attached: true}) {
		t.Error("an attach ended the watch")
	}
	if !view.render(broker.SourceStatus{Attached: false}) {
		t.Error("a detach after an attach did not end the watch")
	}
}

func TestTaskLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		group, task, want string
	}{
		{"build", "make", "[build/make]"},
		{"", "make", "[make]"},
		{"build", "", "[build]"},
		{"", "", "[job]"},
	}
	for _, test := range tests {
		if got := taskLabel(test.group, test.task); got != test.want {
			t.Errorf("taskLabel(%q, %q) = %q, want %q", test.group, test.task, got, test.want)
		}
	}
}

func TestWatchFollowsJobUntilDetach(t *testing.T) {
	t.Parallel()

	streams := broker.New(broker.Config{})
	sources, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	clients, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		streams.Close()
	})
	go streams.ServeSources(ctx, sources)
	go streams.ServeClients(ctx, clients)

	source := broker.NewSource(broker.SourceConfig{
		Address:  sources.Addr().String(),
		Metadata: broker.Announce{JobInstanceID: "job-7", PipelineID: "web", StageID: "build", JobID: "compile"},
	})
	go source.Run(ctx)
	source.Publish(broker.Output{Data: []byte("hello from the worker"), TaskID: "greet", Time: time.Now()})
	testutil.Eventually(t, testTimeout, func() bool { return len(streams.History("job-7")) == 1 }, "history recorded")

	stdout := &syncBuffer{}
	a := newApp(ctx, strings.NewReader(""), stdout, io.Discard)
	a.brokerAddress = clients.Addr().String()
	done := make(chan error, 1)
	go func() { done <- a.watch("job-7", false, true) }()

	testutil.Eventually(t, testTimeout, func() bool {
		output := stdout.String()
		return strings.Contains(output, "[greet] hello from the worker") && strings.Contains(output, "-- worker connected")
	}, "replayed output")

	source.Close()
	if err := testutil.RequireReceive(t, done, testTimeout, "watch to exit after detach"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(stdout.String(), "-- worker disconnected") {
		t.Errorf("output:\n%s", stdout.String())
	}
}
