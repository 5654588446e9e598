// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package taskgroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/conveyor/breakpoint"
	"github.com/bureau-foundation/conveyor/lib/environment"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// errCancelled marks an attempt abandoned because the job is
// stopping.
var errCancelled = errors.New("cancelled")

// attempt is the outcome of one run of a task's command.
type attempt struct {
	outcome  Outcome
	exitCode int
	err      error
}

// runTask executes one enabled task until a breakpoint resume (or the
// absence of breakpoints) lets the group move on.
func (s *Scheduler) runTask(ctx context.Context, group *schema.TaskGroup, task schema.Task) TaskResult {
	result := TaskResult{ID: task.ID, StartedAt: s.clock.Now()}
	defer func() { result.EndedAt = s.clock.Now() }()

	for {
		if task.BreakBeforeTask {
			if _, err := s.trip(ctx, breakpoint.BeforeTask, group, task, false); err != nil {
				result.Outcome = Cancelled
				return result
			}
		}

		current := s.attempt(ctx, group, task)
		if current.outcome != Errored {
			result.Attempts++
		}
		if ctx.Err() != nil {
			current.outcome = Cancelled
		}
		result.Outcome = current.outcome
		result.ExitCode = current.exitCode
		result.Error = ""
		if current.err != nil {
			result.Error = current.err.Error()
		}
		if result.Outcome == Cancelled {
			return result
		}

		retry, err := s.applyBreakpoints(ctx, group, task, current.outcome)
		if err != nil {
			result.Outcome = Cancelled
			return result
		}
		if !retry {
			return result
		}
		s.logger.Info("retrying task", "task_group", group.ID, "task", task.ID)
		s.observer.Log(slog.LevelInfo, task.ID, "retrying task")
	}
}

// applyBreakpoints trips the task's post-run breakpoints in order:
// on success, on failure, after. The first Retry wins and skips the
// rest. A task-level error only honours breakOnTaskFailure.
func (s *Scheduler) applyBreakpoints(ctx context.Context, group *schema.TaskGroup, task schema.Task, outcome Outcome) (retry bool, err error) {
	var kinds []breakpoint.Kind
	switch outcome {
	case Succeeded:
		if task.BreakOnTaskSuccess {
			kinds = append(kinds, breakpoint.OnTaskSuccess)
		}
	case Failed, Crashed, Errored:
		if task.BreakOnTaskFailure {
			kinds = append(kinds, breakpoint.OnTaskFailure)
		}
	}
	if task.BreakAfterTask && outcome != Errored {
		kinds = append(kinds, breakpoint.AfterTask)
	}

	for _, kind := range kinds {
		action, err := s.trip(ctx, kind, group, task, true)
		if err != nil {
			return false, err
		}
		if action == breakpoint.Retry {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) trip(ctx context.Context, kind breakpoint.Kind, group *schema.TaskGroup, task schema.Task, allowRetry bool) (breakpoint.Action, error) {
	if s.breakpoints == nil {
		return breakpoint.Continue, nil
	}
	s.observer.Log(slog.LevelInfo, task.ID, fmt.Sprintf("breakpoint %s", kind))
	action, err := s.breakpoints.Trip(ctx, breakpoint.Point{
		Kind:        kind,
		TaskID:      task.ID,
		TaskName:    task.DisplayName(),
		TaskGroupID: group.ID,
		AllowRetry:  allowRetry,
	})
	if err != nil {
		return breakpoint.Continue, errCancelled
	}
	return action, nil
}

// attempt resolves the task's environment and command and runs it
// once.
func (s *Scheduler) attempt(ctx context.Context, group *schema.TaskGroup, task schema.Task) attempt {
	merged := environment.Merge(s.pipeline.Env, s.stage.Env, s.job.Env, group.Env, task.Env)
	resolved := environment.Resolve(ctx, merged, s.secrets, s.logger)
	for _, variable := range resolved {
		if variable.Null {
			s.observer.Log(slog.LevelWarn, task.ID,
				fmt.Sprintf("secret for %s could not be resolved, exporting empty value", variable.Name))
		}
	}

	script, err := s.commandFor(task, resolved)
	if err != nil {
		s.logger.Error("task error", "task_group", group.ID, "task", task.ID, "error", err)
		s.observer.Log(slog.LevelError, task.ID, "fatal: "+err.Error())
		return attempt{outcome: Errored, exitCode: SpawnFailedExitCode, err: err}
	}

	dir := s.buildRoot
	if task.WorkingDir != "" {
		dir = task.WorkingDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.buildRoot, dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		err = fmt.Errorf("creating working directory: %w", err)
		s.observer.Log(slog.LevelError, task.ID, err.Error())
		return attempt{outcome: Crashed, exitCode: SpawnFailedExitCode, err: err}
	}

	s.logger.Info("task started", "task_group", group.ID, "task", task.ID, "order", task.Order)
	s.observer.Log(slog.LevelInfo, task.ID, "task started")

	exitCode, err := s.runner.Run(ctx, Command{
		Script: script,
		Dir:    dir,
		Env:    environment.Environ(s.baseEnv, resolved),
	}, func(stream Stream, line []byte) {
		s.observer.Output(stream, group.ID, task.ID, line)
	})

	current := attempt{exitCode: exitCode, err: err}
	switch {
	case err != nil:
		current.outcome = Crashed
		s.observer.Log(slog.LevelError, task.ID, "task crashed: "+err.Error())
	case exitCode == 0:
		current.outcome = Succeeded
		s.observer.Log(slog.LevelInfo, task.ID, "task succeeded")
	default:
		current.outcome = Failed
		s.observer.Log(slog.LevelError, task.ID, fmt.Sprintf("task failed with exit code %d", exitCode))
	}
	s.logger.Info("task finished", "task_group", group.ID, "task", task.ID,
		"outcome", string(current.outcome), "exit_code", exitCode)
	return current
}

// commandFor returns the shell script for a task. A typed task uses
// its type's template, expanded against the resolved environment.
func (s *Scheduler) commandFor(task schema.Task, resolved []environment.Resolved) (string, error) {
	if task.Type == "" {
		if task.Command == "" {
			return "", fmt.Errorf("task %s has no command", task.ID)
		}
		return task.Command, nil
	}
	taskType, ok := s.pipeline.TaskType(task.Type)
	if !ok {
		return "", fmt.Errorf("task type %q is not defined", task.Type)
	}
	variables := environment.Lookup(resolved)
	if task.Command != "" {
		variables["COMMAND"] = task.Command
	}
	script, err := environment.Expand(taskType.Command, variables)
	if err != nil {
		return "", fmt.Errorf("expanding task type %q: %w", task.Type, err)
	}
	return script, nil
}
