// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/conveyor/breakpoint"
	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/taskgroup"
)

// publisher is the part of *broker.Source the worker streams through.
type publisher interface {
	Publish(event broker.Event)
}

// streamer turns scheduler output and breakpoint trips into broker
// events. It implements taskgroup.Observer and breakpoint.Notifier.
type streamer struct {
	source publisher
	clock  clock.Clock
}

func (s *streamer) Output(stream taskgroup.Stream, taskGroupID, taskID string, line []byte) {
	s.source.Publish(broker.Output{
		Stderr:      stream == taskgroup.Stderr,
		Data:        append([]byte(nil), line...),
		TaskGroupID: taskGroupID,
		TaskID:      taskID,
		Time:        s.clock.Now(),
	})
}

func (s *streamer) Log(level slog.Level, block, message string) {
	s.source.Publish(broker.AgentLog{
		Level:   level.String(),
		Message: message,
		Block:   block,
		Time:    s.clock.Now(),
	})
}

func (s *streamer) BreakpointTripped(event breakpoint.Event) {
	s.source.Publish(broker.BreakpointTrip{
		ID:          event.ID,
		Checkpoint:  string(event.Kind),
		TaskID:      event.TaskID,
		TaskName:    event.TaskName,
		TaskGroupID: event.TaskGroupID,
		AllowRetry:  event.AllowRetry,
		Time:        event.Time,
	})
}

// resumer is the part of *breakpoint.Coordinator control messages
// reach.
type resumer interface {
	Resume(ctx context.Context, id string, retry bool) bool
}

// controller handles the control messages the broker routes to this
// worker.
type controller struct {
	ctx         context.Context
	breakpoints resumer
	streamer    *streamer
	logger      *slog.Logger

	stopOnce sync.Once
	stop     func()
	stopped  chan struct{}
}

func newController(ctx context.Context, breakpoints resumer, streamer *streamer, stop func(), logger *slog.Logger) *controller {
	return &controller{
		ctx:         ctx,
		breakpoints: breakpoints,
		streamer:    streamer,
		logger:      logger,
		stop:        stop,
		stopped:     make(chan struct{}),
	}
}

// handle is the source's OnControl callback.
func (c *controller) handle(message broker.Message) {
	switch message := message.(type) {
	case broker.BreakpointResume:
		if c.breakpoints.Resume(c.ctx, message.ID, message.Retry) {
			c.streamer.source.Publish(broker.BreakpointResolved{
				ID:    message.ID,
				Retry: message.Retry,
				Time:  c.streamer.clock.Now(),
			})
		}
	case broker.StopJob:
		c.stopOnce.Do(func() {
			c.logger.Info("stop requested", "reason", message.Reason)
			close(c.stopped)
			c.stop()
		})
	case broker.TerminalInput, broker.TerminalResize:
		c.logger.Debug("terminal control ignored; tasks run without a terminal", "kind", message.Kind().String())
	default:
		c.logger.Warn("unexpected control message", "kind", message.Kind().String())
	}
}

// wasStopped reports whether a stop request arrived.
func (c *controller) wasStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// stateReporter reports this worker's job state through the API.
type stateReporter struct {
	api interface {
		ReportState(ctx context.Context, jobInstanceID string, state schema.JobState) error
	}
	jobInstanceID string
}

func (r stateReporter) ReportState(ctx context.Context, state schema.JobState) error {
	return r.api.ReportState(ctx, r.jobInstanceID, state)
}
