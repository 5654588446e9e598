// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package breakpoint suspends task execution at operator-controlled
// checkpoints.
//
// A Trip registers a pending breakpoint under a fresh correlation id,
// reports the job as frozen, announces the trip, and blocks until
// Resume delivers an Action for that id or the context ends. Pending
// breakpoints are independent: parallel task groups may each hold one
// and each is resumed by its own id.
//
// A breakpoint has no timeout. A job left frozen stays frozen until an
// operator resumes or cancels it.
package breakpoint

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Action is the resume decision.
type Action int

const (
	// Continue proceeds past the checkpoint.
	Continue Action = iota
	// Retry re-runs the task that tripped.
	Retry
)

func (a Action) String() string {
	if a == Retry {
		return "retry"
	}
	return "continue"
}

// Kind identifies the checkpoint that tripped.
type Kind string

const (
	BeforeTask    Kind = "before-task"
	AfterTask     Kind = "after-task"
	OnTaskFailure Kind = "on-task-failure"
	OnTaskSuccess Kind = "on-task-success"
)

// Point describes where execution is stopping.
type Point struct {
	Kind        Kind
	TaskID      string
	TaskName    string
	TaskGroupID string

	// AllowRetry is false for checkpoints where re-running makes no
	// sense (before a task has run). A Retry resume of such a
	// breakpoint is treated as Continue.
	AllowRetry bool
}

// Event is the announcement of a trip.
type Event struct {
	ID          string
	Kind        Kind
	TaskID      string
	TaskName    string
	TaskGroupID string
	AllowRetry  bool
	Time        time.Time
}

// StateReporter persists job state changes.
type StateReporter interface {
	ReportState(ctx context.Context, state schema.JobState) error
}

// Notifier announces trips to observers.
type Notifier interface {
	BreakpointTripped(event Event)
}

// Config holds Coordinator dependencies. All fields are optional.
type Config struct {
	Reporter StateReporter
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Coordinator owns the pending breakpoints of one worker.
type Coordinator struct {
	reporter StateReporter
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingBreakpoint
}

type pendingBreakpoint struct {
	event  Event
	resume chan Action
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		reporter: cfg.Reporter,
		notifier: cfg.Notifier,
		clock:    clk,
		logger:   logger,
		pending:  make(map[string]*pendingBreakpoint),
	}
}

// Trip freezes execution at point and blocks until resumed. Returns
// ctx.Err() if the context ends first, in which case the breakpoint
// is discarded.
func (c *Coordinator) Trip(ctx context.Context, point Point) (Action, error) {
	entry := &pendingBreakpoint{
		event: Event{
			ID:          uuid.NewString(),
			Kind:        point.Kind,
			TaskID:      point.TaskID,
			TaskName:    point.TaskName,
			TaskGroupID: point.TaskGroupID,
			AllowRetry:  point.AllowRetry,
			Time:        c.clock.Now(),
		},
		resume: make(chan Action, 1),
	}

	c.mu.Lock()
	c.pending[entry.event.ID] = entry
	c.mu.Unlock()

	c.logger.Info("breakpoint tripped",
		"breakpoint_id", entry.event.ID,
		"kind", point.Kind,
		"task", point.TaskID,
		"task_group", point.TaskGroupID,
	)
	c.report(ctx, schema.JobFrozen)
	if c.notifier != nil {
		c.notifier.BreakpointTripped(entry.event)
	}

	select {
	case action := <-entry.resume:
		if action == Retry && !point.AllowRetry {
			action = Continue
		}
		return action, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, entry.event.ID)
		c.mu.Unlock()
		return Continue, ctx.Err()
	}
}

// Resume delivers a decision to the pending breakpoint id. Reports
// whether such a breakpoint existed; a stale or duplicate id is a
// no-op. The job returns to building once no breakpoint is pending.
func (c *Coordinator) Resume(ctx context.Context, id string, retry bool) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	remaining := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("resume for unknown breakpoint ignored", "breakpoint_id", id)
		return false
	}

	action := Continue
	if retry {
		action = Retry
	}
	c.logger.Info("breakpoint resumed", "breakpoint_id", id, "action", action)
	entry.resume <- action
	if remaining == 0 {
		c.report(ctx, schema.JobBuilding)
	}
	return true
}

// Pending returns the events of every pending breakpoint, oldest
// first.
func (c *Coordinator) Pending() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, 0, len(c.pending))
	for _, entry := range c.pending {
		events = append(events, entry.event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return events
}

func (c *Coordinator) report(ctx context.Context, state schema.JobState) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.ReportState(ctx, state); err != nil {
		c.logger.Error("reporting job state failed", "state", state, "error", err)
	}
}
