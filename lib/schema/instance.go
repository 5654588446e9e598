// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"slices"
	"time"
)

// PipelinePhase is the coarse state of a pipeline instance.
type PipelinePhase string

const (
	// PhaseStarted means at least one stage is running or about to.
	PhaseStarted PipelinePhase = "started"
	// PhaseWaiting means nothing is running and at least one stage is
	// waiting for approval.
	PhaseWaiting PipelinePhase = "waiting"
	// PhaseStopped is terminal.
	PhaseStopped PipelinePhase = "stopped"
)

// PipelineInstance is one execution of a pipeline.
type PipelineInstance struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipelineId"`

	// Spec is the frozen copy of the pipeline this run executes.
	Spec Pipeline `json:"spec"`

	Status    PipelineStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PipelineStatus is the mutable part of a pipeline instance. Every
// list is a set that only grows; writers merge into it rather than
// replacing it, so concurrent updates commute.
type PipelineStatus struct {
	Phase PipelinePhase `json:"phase"`

	// JobInstances lists job instance ids in launch order.
	JobInstances []string `json:"jobInstances,omitempty"`

	FinishedStages []string `json:"finishedStages,omitempty"`
	FailedStages   []string `json:"failedStages,omitempty"`

	// TriggeredStages is the launch de-duplication set: a stage id
	// here has been launched (or gated for approval) in this instance
	// and is never launched again by the cascade.
	TriggeredStages []string `json:"triggeredStages,omitempty"`

	StageApprovals []StageApproval `json:"stageApprovals,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	// RuntimeSeconds is EndedAt - StartedAt, set when the instance
	// stops.
	RuntimeSeconds float64 `json:"runtime,omitempty"`
}

// StageApproval tracks a gated stage waiting for operator approval.
type StageApproval struct {
	StageID          string   `json:"stageId"`
	ApprovalCount    int      `json:"approvalCount"`
	Approvers        []string `json:"approvers,omitempty"`
	ReadyForApproval bool     `json:"readyForApproval"`
	HasRun           bool     `json:"hasRun"`
}

// addToSet appends value to set unless present. Reports whether the
// set changed.
func addToSet(set *[]string, value string) bool {
	if slices.Contains(*set, value) {
		return false
	}
	*set = append(*set, value)
	return true
}

// AddJobInstance records a launched job instance id.
func (s *PipelineStatus) AddJobInstance(id string) bool { return addToSet(&s.JobInstances, id) }

// AddFinishedStage records a finished stage. Reports whether it was
// newly recorded.
func (s *PipelineStatus) AddFinishedStage(id string) bool { return addToSet(&s.FinishedStages, id) }

// AddFailedStage records a failed stage. Reports whether it was newly
// recorded.
func (s *PipelineStatus) AddFailedStage(id string) bool { return addToSet(&s.FailedStages, id) }

// MarkTriggered adds a stage to the de-duplication set. Reports false
// if the stage was already triggered.
func (s *PipelineStatus) MarkTriggered(id string) bool { return addToSet(&s.TriggeredStages, id) }

// IsFinished reports whether the stage is recorded as finished.
func (s *PipelineStatus) IsFinished(id string) bool { return slices.Contains(s.FinishedStages, id) }

// IsFailed reports whether the stage is recorded as failed.
func (s *PipelineStatus) IsFailed(id string) bool { return slices.Contains(s.FailedStages, id) }

// IsTriggered reports whether the stage is in the de-duplication set.
func (s *PipelineStatus) IsTriggered(id string) bool {
	return slices.Contains(s.TriggeredStages, id)
}

// Approval returns the approval record for a stage.
func (s *PipelineStatus) Approval(stageID string) (*StageApproval, bool) {
	for index := range s.StageApprovals {
		if s.StageApprovals[index].StageID == stageID {
			return &s.StageApprovals[index], true
		}
	}
	return nil, false
}

// PendingApprovals reports whether any gated stage is waiting.
func (s *PipelineStatus) PendingApprovals() bool {
	for _, approval := range s.StageApprovals {
		if approval.ReadyForApproval && !approval.HasRun {
			return true
		}
	}
	return false
}

// JobState is the state of a job instance.
type JobState string

const (
	JobPending   JobState = "pending"
	JobBuilding  JobState = "building"
	JobFrozen    JobState = "frozen"
	JobFinished  JobState = "finished"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobFinished, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobBuilding, JobFrozen, JobFinished, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobInstance is one launch attempt of a job.
type JobInstance struct {
	ID                 string   `json:"id"`
	PipelineID         string   `json:"pipelineId"`
	PipelineInstanceID string   `json:"pipelineInstanceId"`
	StageID            string   `json:"stageId"`
	JobID              string   `json:"jobId"`
	State              JobState `json:"state"`

	// UnitName is the compute unit running this instance, empty until
	// the lifecycle controller has spawned it.
	UnitName string `json:"unitName,omitempty"`

	// LogPath and LogDigest are set when the unit's output has been
	// persisted. LogDigest is the hex BLAKE3-256 of the log contents.
	LogPath   string `json:"logPath,omitempty"`
	LogDigest string `json:"logDigest,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPayload is the document the lifecycle controller writes into
// every worker's unit. The worker reads it at startup to learn what
// to build.
type JobPayload struct {
	Pipeline           Pipeline `json:"pipeline"`
	PipelineInstanceID string   `json:"pipelineInstanceId"`
	StageID            string   `json:"stageId"`
	JobID              string   `json:"jobId"`
	JobInstanceID      string   `json:"jobInstanceId"`
}
