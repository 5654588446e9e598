// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taskgroup

import (
	"time"

	"github.com/bureau-foundation/conveyor/lib/dag"
)

// Outcome is how one task ended.
type Outcome string

const (
	// Succeeded: the command exited 0.
	Succeeded Outcome = "succeeded"
	// Failed: the command ran and exited non-zero.
	Failed Outcome = "failed"
	// Crashed: the command never started, or was interrupted.
	Crashed Outcome = "crashed"
	// Errored: the task could not be turned into a command (unknown
	// task type, unresolvable template).
	Errored Outcome = "errored"
	// Skipped: the task is disabled.
	Skipped Outcome = "skipped"
	// Cancelled: the job was stopped before or during the task.
	Cancelled Outcome = "cancelled"
)

// TaskResult records one task's execution.
type TaskResult struct {
	ID      string
	Outcome Outcome

	// ExitCode of the last attempt. SpawnFailedExitCode for a crash.
	ExitCode int

	// Attempts counts command invocations, including retries.
	Attempts int

	// Error describes a crash or a task-level error.
	Error string

	StartedAt time.Time
	EndedAt   time.Time
}

// GroupResult records one task group's execution.
type GroupResult struct {
	ID string

	// Succeeded is true when no task failed, crashed, errored or was
	// cancelled.
	Succeeded bool

	Tasks     []TaskResult
	StartedAt time.Time
	EndedAt   time.Time
}

// Result is the outcome of Scheduler.Run.
type Result struct {
	// Groups holds every executed group in completion order.
	Groups []GroupResult

	// Impossible lists groups that were never executed.
	Impossible []dag.Impossible
}

// Succeeded reports whether every executed group succeeded. Impossible
// groups do not count against the job.
func (r Result) Succeeded() bool {
	for _, group := range r.Groups {
		if !group.Succeeded {
			return false
		}
	}
	return true
}

// Group returns the result for a group id.
func (r Result) Group(id string) (GroupResult, bool) {
	for _, group := range r.Groups {
		if group.ID == id {
			return group, true
		}
	}
	return GroupResult{}, false
}
