// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/breakpoint"
	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lifecycle"
	"github.com/bureau-foundation/conveyor/taskgroup"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broker.Event
}

func (p *recordingPublisher) Publish(event broker.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []broker.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Event(nil), p.events...)
}

type fakeResumer struct {
	known map[string]bool
	calls []string
}

func (r *fakeResumer) Resume(_ context.Context, id string, retry bool) bool {
	r.calls = append(r.calls, id)
	return r.known[id]
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStreamerPublishesOutputCopies(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	events := &streamer{source: publisher, clock: clock.Fake(epoch)}

	line := []byte("compiling")
	events.Output(taskgroup.Stderr, "build", "compile", line)
	copy(line, "XXXXXXXXX")
	events.Output(taskgroup.Stdout, "build", "compile", []byte("done"))
	events.Log(slog.LevelWarn, "build", "slow task")

	published := publisher.published()
	if len(published) != 3 {
		t.Fatalf("published %d events, want 3", len(published))
	}
	first, ok := published[0].(broker.Output)
	if !ok {
		t.Fatalf("first event is %T, want broker.Output", published[0])
	}
	if !first.Stderr || string(first.Data) != "compiling" || first.TaskID != "compile" || !first.Time.Equal(epoch) {
		t.Errorf("first output = %+v", first)
	}
	if second := published[1].(broker.Output); second.Stderr {
		t.Error("stdout line marked as stderr")
	}
	log, ok := published[2].(broker.AgentLog)
	if !ok {
		t.Fatalf("third event is %T, want broker.AgentLog", published[2])
	}
	if log.Level != "WARN" || log.Block != "build" || log.Message != "slow task" {
		t.Errorf("agent log = %+v", log)
	}
}

func TestStreamerAnnouncesTrips(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	events := &streamer{source: publisher, clock: clock.Fake(epoch)}
	events.BreakpointTripped(breakpoint.Event{
		ID:          "bp-1",
		Kind:        breakpoint.OnTaskFailure,
		TaskID:      "test",
		TaskName:    "unit tests",
		TaskGroupID: "build",
		AllowRetry:  true,
		Time:        epoch,
	})

	published := publisher.published()
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	trip := published[0].(broker.BreakpointTrip)
	if trip.ID != "bp-1" || trip.Checkpoint != "on-task-failure" || !trip.AllowRetry || trip.TaskName != "unit tests" {
		t.Errorf("trip = %+v", trip)
	}
}

func TestControllerRoutesControlMessages(t *testing.T) {
	t.Parallel()

	publisher := &recordingPublisher{}
	events := &streamer{source: publisher, clock: clock.Fake(epoch)}
	resumer := &fakeResumer{known: map[string]bool{"bp-1": true}}
	stops := 0
	control := newController(context.Background(), resumer, events, func() { stops++ }, slog.New(slog.DiscardHandler))

	t.Run("resume", func(t *testing.T) {
		control.handle(broker.BreakpointResume{ID: "bp-1", Retry: true})
		control.handle(broker.BreakpointResume{ID: "stale"})

		if len(resumer.calls) != 2 {
			t.Fatalf("resume calls = %v, want two", resumer.calls)
		}
		published := publisher.published()
		if len(published) != 1 {
			t.Fatalf("published %d events, want one resolution", len(published))
		}
		resolved := published[0].(broker.BreakpointResolved)
		if resolved.ID != "bp-1" || !resolved.Retry {
			t.Errorf("resolution = %+v", resolved)
		}
	})

	t.Run("stop", func(t *testing.T) {
		if control.wasStopped() {
			t.Fatal("stopped before any stop request")
		}
		control.handle(broker.StopJob{Reason: "operator"})
		control.handle(broker.StopJob{Reason: "again"})
		if stops != 1 {
			t.Errorf("stop called %d times, want 1", stops)
		}
		if !control.wasStopped() {
			t.Error("wasStopped is false after a stop request")
		}
	})

	t.Run("terminal input ignored", func(t *testing.T) {
		before := len(publisher.published())
		control.handle(broker.TerminalInput{Data: []byte("ls\n")})
		if len(publisher.published()) != before {
			t.Error("terminal input produced an event")
		}
	})
}

type recordingAPI struct {
	jobInstanceID string
	states        []schema.JobState
}

func (a *recordingAPI) ReportState(_ context.Context, jobInstanceID string, state schema.JobState) error {
	a.jobInstanceID = jobInstanceID
	a.states = append(a.states, state)
	return nil
}

func TestStateReporterAddressesOwnJob(t *testing.T) {
	t.Parallel()

	recorder := &recordingAPI{}
	reporter := stateReporter{api: recorder, jobInstanceID: "job-7"}
	if err := reporter.ReportState(context.Background(), schema.JobFrozen); err != nil {
		t.Fatalf("ReportState: %v", err)
	}
	if recorder.jobInstanceID != "job-7" || len(recorder.states) != 1 || recorder.states[0] != schema.JobFrozen {
		t.Errorf("recorded %q %v", recorder.jobInstanceID, recorder.states)
	}
}

func TestReadPayload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	valid := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(valid, []byte(`{
		"pipeline": {"id": "web"},
		"pipelineInstanceId": "run-1",
		"stageId": "build",
		"jobId": "compile",
		"jobInstanceId": "job-1"
	}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	payload, err := readPayload(valid)
	if err != nil {
		t.Fatalf("readPayload: %v", err)
	}
	if payload.Pipeline.ID != "web" || payload.JobInstanceID != "job-1" {
		t.Errorf("payload = %+v", payload)
	}

	incomplete := filepath.Join(dir, "incomplete.json")
	if err := os.WriteFile(incomplete, []byte(`{"stageId": "build"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := readPayload(incomplete); err == nil || !strings.Contains(err.Error(), "job identity") {
		t.Errorf("readPayload(incomplete) error = %v", err)
	}
}

func TestTaskEnvironOmitsToken(t *testing.T) {
	t.Setenv(lifecycle.EnvToken, "secret-token")
	t.Setenv("CONVEYOR_TEST_MARKER", "kept")

	var sawMarker bool
	for _, entry := range taskEnviron() {
		if strings.HasPrefix(entry, lifecycle.EnvToken+"=") {
			t.Errorf("task environment carries the worker token: %s", entry)
		}
		if entry == "CONVEYOR_TEST_MARKER=kept" {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Error("task environment dropped an ordinary variable")
	}
}
