// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EnvVar is one environment entry. Entries marked IsSecret carry the
// secret's name in Value; the worker resolves the real value through
// the secret fetcher just before the task runs.
type EnvVar struct {
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	IsSecret bool   `json:"isSecret,omitempty"`
}

// Pipeline is a versioned pipeline definition.
type Pipeline struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version,omitempty"`

	// Env applies to every task in the pipeline, lowest priority.
	Env []EnvVar `json:"env,omitempty"`

	// TaskTypes are reusable command templates referenced by
	// Task.Type.
	TaskTypes []TaskType `json:"taskTypes,omitempty"`

	Stages []Stage `json:"stages"`
}

// TaskType is a named command template. Command may reference the
// task's resolved environment as ${NAME}, and the referencing task's
// own command as ${COMMAND}.
type TaskType struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Stage is a node in the pipeline's stage graph.
type Stage struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// StageTrigger lists upstream stage ids. A stage with a non-empty
	// trigger list never runs at pipeline start.
	StageTrigger []string `json:"stageTrigger,omitempty"`

	// RequiredApprovals gates the stage behind a manual approval
	// count once its triggers are satisfied.
	RequiredApprovals int `json:"requiredApprovals,omitempty"`

	// RunOnFailure lets the stage be triggered by a failed upstream
	// stage. Without it, failure of any trigger stage skips this one.
	RunOnFailure bool `json:"runOnFailure,omitempty"`

	Webhooks []Webhook `json:"webhooks,omitempty"`
	Env      []EnvVar  `json:"env,omitempty"`
	Jobs     []Job     `json:"jobs"`
}

// IsEntry reports whether the stage runs at pipeline start.
func (s *Stage) IsEntry() bool { return len(s.StageTrigger) == 0 }

// Job is a unit of work executed by one ephemeral worker.
type Job struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Image      string      `json:"image,omitempty"`
	Resources  Resources   `json:"resources,omitempty"`
	Env        []EnvVar    `json:"env,omitempty"`
	TaskGroups []TaskGroup `json:"taskGroups"`
}

// Resources are the compute limits requested for a job's worker.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// TaskGroup is a node in a job's task-group graph.
type TaskGroup struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// PreTaskGroups lists task-group ids in the same job that must
	// complete before this group starts.
	PreTaskGroups []string `json:"preTaskGroups,omitempty"`

	Env   []EnvVar `json:"env,omitempty"`
	Tasks []Task   `json:"tasks"`
}

// SortedTasks returns the group's tasks in ascending Order. Ties keep
// definition order.
func (g *TaskGroup) SortedTasks() []Task {
	tasks := make([]Task, len(g.Tasks))
	copy(tasks, g.Tasks)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
	return tasks
}

// Task is one command within a task group.
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Order int    `json:"order"`

	// Command is run with sh -c. Exactly one of Command and Type is
	// expected; Type wins when both are set.
	Command string `json:"command,omitempty"`
	Type    string `json:"type,omitempty"`

	// WorkingDir defaults to the worker's build root.
	WorkingDir string   `json:"workingDir,omitempty"`
	Env        []EnvVar `json:"env,omitempty"`

	BreakBeforeTask    bool `json:"breakBeforeTask,omitempty"`
	BreakAfterTask     bool `json:"breakAfterTask,omitempty"`
	BreakOnTaskFailure bool `json:"breakOnTaskFailure,omitempty"`
	BreakOnTaskSuccess bool `json:"breakOnTaskSuccess,omitempty"`
	Disabled           bool `json:"disabled,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// WebhookState is the outcome of a webhook's most recent firing.
type WebhookState string

const (
	WebhookSuccess WebhookState = "success"
	WebhookFail    WebhookState = "fail"
)

// Webhook is an HTTP request fired when its stage completes.
type Webhook struct {
	Name    string            `json:"name,omitempty"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// ExecuteOnFailure fires the webhook when the stage fails as well
	// as when it finishes.
	ExecuteOnFailure bool `json:"executeOnFailure,omitempty"`
	Disabled         bool `json:"disabled,omitempty"`

	// State and LastFiredAt are overwritten on each firing.
	State       WebhookState `json:"state,omitempty"`
	LastFiredAt *time.Time   `json:"lastFiredAt,omitempty"`
}

// Stage returns the stage with the given id.
func (p *Pipeline) Stage(id string) (*Stage, bool) {
	for index := range p.Stages {
		if p.Stages[index].ID == id {
			return &p.Stages[index], true
		}
	}
	return nil, false
}

// TaskType returns the task type with the given name.
func (p *Pipeline) TaskType(name string) (TaskType, bool) {
	for _, taskType := range p.TaskTypes {
		if taskType.Name == name {
			return taskType, true
		}
	}
	return TaskType{}, false
}

// Job returns the job with the given id.
func (s *Stage) Job(id string) (*Job, bool) {
	for index := range s.Jobs {
		if s.Jobs[index].ID == id {
			return &s.Jobs[index], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the pipeline. Pipeline instances freeze
// a clone as their spec.
func (p *Pipeline) Clone() (*Pipeline, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("cloning pipeline %s: %w", p.ID, err)
	}
	var clone Pipeline
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("cloning pipeline %s: %w", p.ID, err)
	}
	return &clone, nil
}
