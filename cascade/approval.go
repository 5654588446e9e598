// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// StartPipeline creates an instance of the stored pipeline, freezing a
// copy of its definition, and triggers the entry stages.
func (c *Cascade) StartPipeline(ctx context.Context, pipelineID string) (*schema.PipelineInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pipeline, err := c.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("cascade: starting %s: %w", pipelineID, err)
	}
	spec, err := pipeline.Clone()
	if err != nil {
		return nil, fmt.Errorf("cascade: starting %s: %w", pipelineID, err)
	}
	now := c.clock.Now()
	instance := &schema.PipelineInstance{
		ID:         c.newID(),
		PipelineID: pipeline.ID,
		Spec:       *spec,
		Status: schema.PipelineStatus{
			Phase:     schema.PhaseStarted,
			StartedAt: now,
		},
		CreatedAt: now,
	}
	if err := c.store.CreatePipelineInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("cascade: starting %s: %w", pipelineID, err)
	}
	c.logger.Info("pipeline instance started",
		"pipeline_id", pipeline.ID,
		"pipeline_instance_id", instance.ID,
		"version", pipeline.Version,
	)

	for index := range instance.Spec.Stages {
		if stage := &instance.Spec.Stages[index]; stage.IsEntry() {
			c.trigger(ctx, instance.ID, stage)
		}
	}
	c.settle(ctx, instance.ID)
	return c.store.GetPipelineInstance(ctx, instance.ID)
}

// Approve records an approval of a gated stage. Each approver counts
// once. The stage launches when the count reaches its required
// approvals. Returns the approval record as stored.
func (c *Cascade) Approve(ctx context.Context, instanceID, stageID, approver string) (schema.StageApproval, error) {
	if approver == "" {
		return schema.StageApproval{}, errors.New("cascade: approver is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var approval schema.StageApproval
	var launch bool
	instance, err := c.store.UpdatePipelineInstance(ctx, instanceID, func(instance *schema.PipelineInstance) error {
		stage, record, err := gatedStage(instance, stageID)
		if err != nil {
			return err
		}
		if !slices.Contains(record.Approvers, approver) {
			record.Approvers = append(record.Approvers, approver)
			record.ApprovalCount++
		}
		if record.ApprovalCount >= stage.RequiredApprovals {
			record.HasRun = true
			launch = true
		}
		approval = *record
		return nil
	})
	if err != nil {
		return schema.StageApproval{}, fmt.Errorf("cascade: approving %s in %s: %w", stageID, instanceID, err)
	}
	c.logger.Info("stage approved",
		"pipeline_instance_id", instanceID,
		"stage_id", stageID,
		"approver", approver,
		"approval_count", approval.ApprovalCount,
	)
	if launch {
		c.launchStage(ctx, instance, stageID)
		c.settle(ctx, instanceID)
	}
	return approval, nil
}

// ForceRun launches a gated stage regardless of its approval count.
func (c *Cascade) ForceRun(ctx context.Context, instanceID, stageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	instance, err := c.store.UpdatePipelineInstance(ctx, instanceID, func(instance *schema.PipelineInstance) error {
		_, record, err := gatedStage(instance, stageID)
		if err != nil {
			return err
		}
		record.HasRun = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("cascade: force-running %s in %s: %w", stageID, instanceID, err)
	}
	c.logger.Info("stage force-run", "pipeline_instance_id", instanceID, "stage_id", stageID)
	c.launchStage(ctx, instance, stageID)
	c.settle(ctx, instanceID)
	return nil
}

// gatedStage returns the stage and its approval record, which must be
// ready and not yet run.
func gatedStage(instance *schema.PipelineInstance, stageID string) (*schema.Stage, *schema.StageApproval, error) {
	stage, ok := instance.Spec.Stage(stageID)
	if !ok {
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownStage, stageID)
	}
	record, ok := instance.Status.Approval(stageID)
	if !ok || !record.ReadyForApproval {
		return nil, nil, ErrStageNotGated
	}
	if record.HasRun {
		return nil, nil, ErrAlreadyRun
	}
	return stage, record, nil
}
