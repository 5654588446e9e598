// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

func newID() string { return uuid.NewString() }

type stageState int

const (
	stageRunning stageState = iota
	stageFinished
	stageFailed
)

// aggregate computes a stage's state from its job instances. A job
// counts as finished when any of its instances finished, and as
// failed when it has a failed or cancelled instance and nothing still
// running. The stage is finished when every job finished, failed when
// every job is finished or failed but not all finished, and running
// otherwise.
func aggregate(stage *schema.Stage, jobs []schema.JobInstance) stageState {
	finished, failed := 0, 0
	for _, job := range stage.Jobs {
		var anyFinished, anyFailed, anyActive bool
		for _, instance := range jobs {
			if instance.JobID != job.ID {
				continue
			}
			switch {
			case instance.State == schema.JobFinished:
				anyFinished = true
			case instance.State.IsTerminal():
				anyFailed = true
			default:
				anyActive = true
			}
		}
		switch {
		case anyFinished:
			finished++
		case anyFailed && !anyActive:
			failed++
		}
	}
	switch {
	case finished == len(stage.Jobs):
		return stageFinished
	case finished+failed == len(stage.Jobs):
		return stageFailed
	default:
		return stageRunning
	}
}

// completeStage records a stage as finished or failed. The first
// recording fires the stage's webhooks and triggers downstream
// stages; later ones do nothing.
func (c *Cascade) completeStage(ctx context.Context, instanceID, stageID string, succeeded bool) {
	logger := c.logger.With("pipeline_instance_id", instanceID, "stage_id", stageID)
	var recorded bool
	instance, err := c.store.UpdatePipelineInstance(ctx, instanceID, func(instance *schema.PipelineInstance) error {
		if instance.Status.IsFinished(stageID) || instance.Status.IsFailed(stageID) {
			return nil
		}
		if succeeded {
			recorded = instance.Status.AddFinishedStage(stageID)
		} else {
			recorded = instance.Status.AddFailedStage(stageID)
		}
		return nil
	})
	if err != nil {
		logger.Error("recording stage completion failed", "error", err)
		return
	}
	if !recorded {
		logger.Debug("stage completion already recorded")
		return
	}
	logger.Info("stage completed", "succeeded", succeeded)

	if stage, ok := instance.Spec.Stage(stageID); ok {
		c.fireWebhooks(ctx, instance, stage, succeeded)
	}
	c.triggerDownstream(ctx, instanceID, stageID)
}

// triggerDownstream launches or gates every stage triggered by
// completedID whose triggers have all completed. A candidate with a
// failed trigger is skipped unless it runs on failure; that check
// comes before approval gating, so a skipped stage never gets an
// approval record.
func (c *Cascade) triggerDownstream(ctx context.Context, instanceID, completedID string) {
	instance, err := c.store.GetPipelineInstance(ctx, instanceID)
	if err != nil {
		c.logger.Error("reading pipeline instance failed", "pipeline_instance_id", instanceID, "error", err)
		return
	}
	for index := range instance.Spec.Stages {
		candidate := &instance.Spec.Stages[index]
		if !slices.Contains(candidate.StageTrigger, completedID) {
			continue
		}
		logger := c.logger.With("pipeline_instance_id", instanceID, "stage_id", candidate.ID, "triggered_by", completedID)

		complete, upstreamFailed := true, false
		for _, trigger := range candidate.StageTrigger {
			switch {
			case instance.Status.IsFinished(trigger):
			case instance.Status.IsFailed(trigger):
				upstreamFailed = true
			default:
				complete = false
			}
		}
		if !complete {
			logger.Debug("stage still waiting for other triggers")
			continue
		}
		if upstreamFailed && !candidate.RunOnFailure {
			logger.Info("stage skipped: an upstream stage failed")
			continue
		}
		c.trigger(ctx, instanceID, candidate)
	}
}

// errAlreadyTriggered aborts a pipeline instance update whose stage
// is already in the triggered set.
var errAlreadyTriggered = errors.New("stage already triggered")

// trigger adds the stage to the triggered set and then either gates it
// behind an approval record or launches it.
func (c *Cascade) trigger(ctx context.Context, instanceID string, stage *schema.Stage) {
	logger := c.logger.With("pipeline_instance_id", instanceID, "stage_id", stage.ID)
	gated := stage.RequiredApprovals > 0
	instance, err := c.store.UpdatePipelineInstance(ctx, instanceID, func(instance *schema.PipelineInstance) error {
		if !instance.Status.MarkTriggered(stage.ID) {
			return errAlreadyTriggered
		}
		if gated {
			if _, exists := instance.Status.Approval(stage.ID); !exists {
				instance.Status.StageApprovals = append(instance.Status.StageApprovals, schema.StageApproval{
					StageID:          stage.ID,
					ReadyForApproval: true,
				})
			}
		}
		return nil
	})
	if errors.Is(err, errAlreadyTriggered) {
		logger.Debug("stage already triggered")
		return
	}
	if err != nil {
		logger.Error("marking stage triggered failed", "error", err)
		return
	}
	if gated {
		logger.Info("stage waiting for approval", "required_approvals", stage.RequiredApprovals)
		return
	}
	c.launchStage(ctx, instance, stage.ID)
}

// launchStage creates and spawns one job instance per job of the
// stage. A stage without jobs completes on the spot. Jobs whose spawn
// failed are already terminal and are processed inline.
func (c *Cascade) launchStage(ctx context.Context, instance *schema.PipelineInstance, stageID string) {
	logger := c.logger.With("pipeline_instance_id", instance.ID, "stage_id", stageID)
	stage, ok := instance.Spec.Stage(stageID)
	if !ok {
		logger.Error("launching a stage missing from the pipeline spec")
		return
	}
	if len(stage.Jobs) == 0 {
		logger.Info("stage has no jobs, completing it")
		c.completeStage(ctx, instance.ID, stage.ID, true)
		return
	}

	var spawnFailures []*schema.JobInstance
	for _, job := range stage.Jobs {
		jobInstance := &schema.JobInstance{
			ID:                 c.newID(),
			PipelineID:         instance.PipelineID,
			PipelineInstanceID: instance.ID,
			StageID:            stage.ID,
			JobID:              job.ID,
			State:              schema.JobPending,
		}
		if err := c.store.CreateJobInstance(ctx, jobInstance); err != nil {
			logger.Error("creating job instance failed", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := c.store.UpdatePipelineInstance(ctx, instance.ID, func(instance *schema.PipelineInstance) error {
			instance.Status.AddJobInstance(jobInstance.ID)
			if instance.Status.Phase != schema.PhaseStarted {
				instance.Status.Phase = schema.PhaseStarted
			}
			return nil
		}); err != nil {
			logger.Error("recording job instance failed", "job_instance_id", jobInstance.ID, "error", err)
		}
		if _, err := c.spawner.Spawn(ctx, &instance.Spec, jobInstance); err != nil {
			logger.Error("spawning job failed", "job_instance_id", jobInstance.ID, "error", err)
			spawnFailures = append(spawnFailures, jobInstance)
			continue
		}
		logger.Info("job launched", "job_id", job.ID, "job_instance_id", jobInstance.ID)
	}

	for _, failed := range spawnFailures {
		stored, err := c.store.GetJobInstance(ctx, failed.ID)
		if err != nil {
			logger.Error("reading failed job instance", "job_instance_id", failed.ID, "error", err)
			continue
		}
		c.handleCompletionLocked(ctx, stored)
	}
}

// settle updates the instance phase once processing is done: started
// while any job instance is active, waiting when nothing is active but
// an approval is pending, stopped otherwise.
func (c *Cascade) settle(ctx context.Context, instanceID string) {
	jobs, err := c.store.ListJobInstances(ctx, instanceID, "")
	if err != nil {
		c.logger.Error("listing job instances failed", "pipeline_instance_id", instanceID, "error", err)
		return
	}
	active := slices.ContainsFunc(jobs, func(job schema.JobInstance) bool { return !job.State.IsTerminal() })

	now := c.clock.Now()
	var stopped bool
	instance, err := c.store.UpdatePipelineInstance(ctx, instanceID, func(instance *schema.PipelineInstance) error {
		status := &instance.Status
		switch {
		case status.Phase == schema.PhaseStopped:
		case active:
			status.Phase = schema.PhaseStarted
		case status.PendingApprovals():
			status.Phase = schema.PhaseWaiting
		default:
			status.Phase = schema.PhaseStopped
			status.EndedAt = &now
			status.RuntimeSeconds = now.Sub(status.StartedAt).Seconds()
			stopped = true
		}
		return nil
	})
	if err != nil {
		c.logger.Error("updating pipeline phase failed", "pipeline_instance_id", instanceID, "error", err)
		return
	}
	if stopped {
		c.logger.Info("pipeline instance stopped",
			"pipeline_instance_id", instanceID,
			"finished_stages", instance.Status.FinishedStages,
			"failed_stages", instance.Status.FailedStages,
			"runtime_seconds", instance.Status.RuntimeSeconds,
		)
	}
}
