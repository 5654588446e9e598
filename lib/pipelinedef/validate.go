// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pipelinedef

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bureau-foundation/conveyor/lib/dag"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// envNamePattern matches valid environment variable names.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Report is the result of Validate. Errors make the definition
// unusable. Warnings describe stages or task groups that reference
// unknown or cyclic prerequisites: those nodes are never triggered,
// but the rest of the pipeline runs normally.
type Report struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether the definition has no errors.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

// Err returns the errors joined into a single error, or nil.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("invalid pipeline: %s", strings.Join(r.Errors, "; "))
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a pipeline for structural issues:
//   - the pipeline, every stage, job, task group and task has an id
//   - ids are unique among siblings of the same kind
//   - pipeline, stage and job ids are usable as a path segment: not
//     "." or "..", and free of slashes and backslashes
//   - at least one stage has no stageTrigger
//   - requiredApprovals is not negative
//   - a task with a Type references a declared task type, and every
//     enabled task has a Command or a Type
//   - env names are valid identifiers
//   - webhooks have a URL
//
// Dangling or cyclic stageTrigger and preTaskGroups references are
// warnings.
func Validate(pipeline *schema.Pipeline) Report {
	var report Report

	if pipeline.ID == "" {
		report.errorf("pipeline has no id")
	} else if !pathSegment(pipeline.ID) {
		report.errorf("pipeline id %q is not usable as a path segment", pipeline.ID)
	}
	if len(pipeline.Stages) == 0 {
		report.errorf("pipeline has no stages (at least one stage is required)")
	}

	taskTypes := make(map[string]bool, len(pipeline.TaskTypes))
	for index, taskType := range pipeline.TaskTypes {
		prefix := fmt.Sprintf("taskTypes[%d]", index)
		if taskType.Name == "" {
			report.errorf("%s: name is required", prefix)
			continue
		}
		if taskTypes[taskType.Name] {
			report.errorf("%s %q: duplicate task type", prefix, taskType.Name)
		}
		taskTypes[taskType.Name] = true
		if taskType.Command == "" {
			report.errorf("%s %q: command is required", prefix, taskType.Name)
		}
	}

	validateEnv(&report, "pipeline", pipeline.Env)

	hasEntry := false
	stageIDs := make(map[string]bool, len(pipeline.Stages))
	var stageNodes []dag.Node
	for index := range pipeline.Stages {
		stage := &pipeline.Stages[index]
		prefix := fmt.Sprintf("stages[%d]", index)
		if stage.ID == "" {
			report.errorf("%s: id is required", prefix)
			continue
		}
		prefix = fmt.Sprintf("%s %q", prefix, stage.ID)
		if stageIDs[stage.ID] {
			report.errorf("%s: duplicate stage id", prefix)
			continue
		}
		stageIDs[stage.ID] = true
		if !pathSegment(stage.ID) {
			report.errorf("%s: id is not usable as a path segment", prefix)
		}
		if stage.IsEntry() {
			hasEntry = true
		}
		if stage.RequiredApprovals < 0 {
			report.errorf("%s: requiredApprovals must not be negative", prefix)
		}
		for webhookIndex, webhook := range stage.Webhooks {
			if webhook.URL == "" {
				report.errorf("%s: webhooks[%d]: url is required", prefix, webhookIndex)
			}
		}
		validateEnv(&report, prefix, stage.Env)
		validateJobs(&report, prefix, stage.Jobs, taskTypes)
		stageNodes = append(stageNodes, dag.Node{ID: stage.ID, Prerequisites: stage.StageTrigger})
	}
	if len(pipeline.Stages) > 0 && !hasEntry {
		report.errorf("pipeline has no entry stage (every stage has a stageTrigger)")
	}

	if plan, err := dag.NewPlan(stageNodes); err == nil {
		for _, entry := range plan.Impossible() {
			report.warnf("stage %q will never run: %s", entry.ID, describe(entry))
		}
	}

	return report
}

func validateJobs(report *Report, stagePrefix string, jobs []schema.Job, taskTypes map[string]bool) {
	if len(jobs) == 0 {
		report.warnf("%s: stage has no jobs and completes as soon as it is triggered", stagePrefix)
	}
	jobIDs := make(map[string]bool, len(jobs))
	for index := range jobs {
		job := &jobs[index]
		prefix := fmt.Sprintf("%s jobs[%d]", stagePrefix, index)
		if job.ID == "" {
			report.errorf("%s: id is required", prefix)
			continue
		}
		prefix = fmt.Sprintf("%s %q", prefix, job.ID)
		if jobIDs[job.ID] {
			report.errorf("%s: duplicate job id", prefix)
			continue
		}
		jobIDs[job.ID] = true
		if !pathSegment(job.ID) {
			report.errorf("%s: id is not usable as a path segment", prefix)
		}
		validateEnv(report, prefix, job.Env)

		groupIDs := make(map[string]bool, len(job.TaskGroups))
		var groupNodes []dag.Node
		for groupIndex := range job.TaskGroups {
			group := &job.TaskGroups[groupIndex]
			groupPrefix := fmt.Sprintf("%s taskGroups[%d]", prefix, groupIndex)
			if group.ID == "" {
				report.errorf("%s: id is required", groupPrefix)
				continue
			}
			groupPrefix = fmt.Sprintf("%s %q", groupPrefix, group.ID)
			if groupIDs[group.ID] {
				report.errorf("%s: duplicate task group id", groupPrefix)
				continue
			}
			groupIDs[group.ID] = true
			validateEnv(report, groupPrefix, group.Env)
			validateTasks(report, groupPrefix, group.Tasks, taskTypes)
			groupNodes = append(groupNodes, dag.Node{ID: group.ID, Prerequisites: group.PreTaskGroups})
		}

		if plan, err := dag.NewPlan(groupNodes); err == nil {
			for _, entry := range plan.Impossible() {
				report.warnf("%s: task group %q will never run: %s", prefix, entry.ID, describe(entry))
			}
		}
	}
}

func validateTasks(report *Report, groupPrefix string, tasks []schema.Task, taskTypes map[string]bool) {
	taskIDs := make(map[string]bool, len(tasks))
	for index, task := range tasks {
		prefix := fmt.Sprintf("%s tasks[%d]", groupPrefix, index)
		if task.ID == "" {
			report.errorf("%s: id is required", prefix)
			continue
		}
		prefix = fmt.Sprintf("%s %q", prefix, task.ID)
		if taskIDs[task.ID] {
			report.errorf("%s: duplicate task id", prefix)
		}
		taskIDs[task.ID] = true
		validateEnv(report, prefix, task.Env)

		if task.Type != "" && !taskTypes[task.Type] {
			// The worker reports this as a task-level error at run
			// time; authors should hear about it at push time too.
			report.warnf("%s: task type %q is not declared", prefix, task.Type)
		}
		if !task.Disabled && task.Command == "" && task.Type == "" {
			report.errorf("%s: command or type is required", prefix)
		}
	}
}

func validateEnv(report *Report, prefix string, env []schema.EnvVar) {
	for index, variable := range env {
		if !envNamePattern.MatchString(variable.Name) {
			report.errorf("%s env[%d]: invalid name %q", prefix, index, variable.Name)
		}
		if variable.IsSecret && variable.Value == "" {
			report.errorf("%s env[%d] %q: secret entries must name the secret in value", prefix, index, variable.Name)
		}
	}
}

// pathSegment reports whether id can name a directory in the log
// archive.
func pathSegment(id string) bool {
	return id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func describe(entry dag.Impossible) string {
	if entry.Reason == dag.MissingPrerequisite {
		return fmt.Sprintf("%s %s", entry.Reason, strings.Join(entry.Missing, ", "))
	}
	return entry.Reason.String()
}
