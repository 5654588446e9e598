// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskgroup executes one job's task groups inside a worker.
//
// Groups form a DAG through preTaskGroups. Groups with no
// prerequisites start together; every other group starts the moment
// its last prerequisite completes, independent of unrelated siblings.
// Groups whose prerequisites can never complete (unknown ids, cycles)
// are reported once as impossible and never run.
//
// Within a group, tasks run strictly one at a time in ascending
// order. Each task attempt passes through the task's breakpoints
// (before, on success, on failure, after); a Retry resume at any of
// them re-runs the same task from the top. A failing task does not
// stop its group or any other group: the group is marked failed and
// carries on with its next task. Downstream groups are released when
// a group completes, whatever its outcome.
package taskgroup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/conveyor/breakpoint"
	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/dag"
	"github.com/bureau-foundation/conveyor/lib/environment"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Tripper suspends execution at a breakpoint.
// *breakpoint.Coordinator implements it.
type Tripper interface {
	Trip(ctx context.Context, point breakpoint.Point) (breakpoint.Action, error)
}

// Observer receives everything the scheduler wants streamed to
// watchers. Calls may come from several goroutines at once.
type Observer interface {
	// Output delivers one line of task output.
	Output(stream Stream, taskGroupID, taskID string, line []byte)

	// Log delivers a scheduler message. block names the task group or
	// task the message is about, or is empty.
	Log(level slog.Level, block, message string)
}

// Config holds the parameters for New.
type Config struct {
	// Pipeline is the frozen pipeline spec. Its env and task types
	// apply to the job.
	Pipeline *schema.Pipeline
	StageID  string
	JobID    string

	// BuildRoot is the working directory for tasks that do not set
	// one. Relative task working directories resolve against it.
	BuildRoot string

	// BaseEnv is the process environment every task starts from,
	// before the pipeline's layered env is applied.
	BaseEnv []string

	Secrets     environment.SecretFetcher
	Breakpoints Tripper
	Runner      Runner
	Observer    Observer
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Scheduler runs one job. It is single-use.
type Scheduler struct {
	pipeline *schema.Pipeline
	stage    *schema.Stage
	job      *schema.Job
	plan     *dag.Plan

	buildRoot   string
	baseEnv     []string
	secrets     environment.SecretFetcher
	breakpoints Tripper
	runner      Runner
	observer    Observer
	clock       clock.Clock
	logger      *slog.Logger
}

// New validates the job's task-group graph and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("taskgroup: Pipeline is required")
	}
	stage, ok := cfg.Pipeline.Stage(cfg.StageID)
	if !ok {
		return nil, fmt.Errorf("taskgroup: stage %q not in pipeline %s", cfg.StageID, cfg.Pipeline.ID)
	}
	job, ok := stage.Job(cfg.JobID)
	if !ok {
		return nil, fmt.Errorf("taskgroup: job %q not in stage %s", cfg.JobID, cfg.StageID)
	}

	nodes := make([]dag.Node, 0, len(job.TaskGroups))
	for _, group := range job.TaskGroups {
		nodes = append(nodes, dag.Node{ID: group.ID, Prerequisites: group.PreTaskGroups})
	}
	plan, err := dag.NewPlan(nodes)
	if err != nil {
		return nil, fmt.Errorf("taskgroup: job %s: %w", job.ID, err)
	}

	scheduler := &Scheduler{
		pipeline:    cfg.Pipeline,
		stage:       stage,
		job:         job,
		plan:        plan,
		buildRoot:   cfg.BuildRoot,
		baseEnv:     cfg.BaseEnv,
		secrets:     cfg.Secrets,
		breakpoints: cfg.Breakpoints,
		runner:      cfg.Runner,
		observer:    cfg.Observer,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if scheduler.runner == nil {
		scheduler.runner = ShellRunner{}
	}
	if scheduler.observer == nil {
		scheduler.observer = discardObserver{}
	}
	if scheduler.clock == nil {
		scheduler.clock = clock.Real()
	}
	if scheduler.logger == nil {
		scheduler.logger = slog.New(slog.DiscardHandler)
	}
	if scheduler.buildRoot == "" {
		scheduler.buildRoot, _ = os.Getwd()
	}
	return scheduler, nil
}

// Run executes every reachable group and waits for all of them. The
// error is non-nil only when ctx ended before the job finished; the
// Result is valid either way.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	var result Result
	result.Impossible = s.plan.Impossible()
	for _, entry := range result.Impossible {
		message := fmt.Sprintf("task group %s will never run: %s", entry.ID, entry.Reason)
		if len(entry.Missing) > 0 {
			message = fmt.Sprintf("%s %v", message, entry.Missing)
		}
		s.logger.Warn("impossible task group", "task_group", entry.ID, "reason", entry.Reason.String(), "missing", entry.Missing)
		s.observer.Log(slog.LevelWarn, entry.ID, message)
	}

	groups := make(map[string]*schema.TaskGroup, len(s.job.TaskGroups))
	for index := range s.job.TaskGroups {
		groups[s.job.TaskGroups[index].ID] = &s.job.TaskGroups[index]
	}

	tracker := s.plan.NewTracker()
	var (
		resultMu sync.Mutex
		running  sync.WaitGroup
	)
	var launch func(id string)
	launch = func(id string) {
		running.Add(1)
		go func() {
			defer running.Done()
			groupResult := s.runGroup(ctx, groups[id])
			resultMu.Lock()
			result.Groups = append(result.Groups, groupResult)
			resultMu.Unlock()
			for _, next := range tracker.Complete(id) {
				launch(next)
			}
		}()
	}
	for _, id := range s.plan.Roots() {
		launch(id)
	}
	running.Wait()

	return result, ctx.Err()
}

func (s *Scheduler) runGroup(ctx context.Context, group *schema.TaskGroup) GroupResult {
	result := GroupResult{ID: group.ID, Succeeded: true, StartedAt: s.clock.Now()}
	s.logger.Info("task group started", "task_group", group.ID)
	s.observer.Log(slog.LevelInfo, group.ID, "task group started")

	for _, task := range group.SortedTasks() {
		var taskResult TaskResult
		switch {
		case ctx.Err() != nil:
			taskResult = TaskResult{ID: task.ID, Outcome: Cancelled, StartedAt: s.clock.Now(), EndedAt: s.clock.Now()}
		case task.Disabled:
			now := s.clock.Now()
			taskResult = TaskResult{ID: task.ID, Outcome: Skipped, StartedAt: now, EndedAt: now}
			s.observer.Log(slog.LevelInfo, task.ID, "skipped (disabled)")
		default:
			taskResult = s.runTask(ctx, group, task)
		}
		switch taskResult.Outcome {
		case Succeeded, Skipped:
		default:
			result.Succeeded = false
		}
		result.Tasks = append(result.Tasks, taskResult)
	}

	result.EndedAt = s.clock.Now()
	status := "succeeded"
	if !result.Succeeded {
		status = "failed"
	}
	s.logger.Info("task group finished", "task_group", group.ID, "status", status)
	s.observer.Log(slog.LevelInfo, group.ID, "task group "+status)
	return result
}

type discardObserver struct{}

func (discardObserver) Output(Stream, string, string, []byte) {}
func (discardObserver) Log(slog.Level, string, string)        {}
