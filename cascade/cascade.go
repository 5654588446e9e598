// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cascade advances the stage graph of pipeline instances. It
// consumes the store's job-instance change feed and, for every job
// instance that reaches a terminal state, recomputes its stage's
// aggregate, records a completed stage once, fires the stage's
// webhooks, and triggers the downstream stages whose triggers are all
// satisfied. Gated stages wait for approvals; a pipeline instance with
// nothing left to run is stopped.
//
// All processing happens under one mutex, so the cascade is a single
// logical thread per process. Duplicate deliveries of a completion are
// absorbed by the store's processed ledger, and the per-instance
// triggered set keeps a stage from launching twice.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lifecycle"
	"github.com/bureau-foundation/conveyor/store"
)

var (
	// ErrStageNotGated is returned when approving or force-running a
	// stage that has no approval record waiting.
	ErrStageNotGated = errors.New("cascade: stage is not waiting for approval")

	// ErrAlreadyRun is returned when approving or force-running a
	// gated stage that has already been launched.
	ErrAlreadyRun = errors.New("cascade: stage has already run")

	// ErrUnknownStage is returned for a stage id missing from the
	// instance's pipeline spec.
	ErrUnknownStage = errors.New("cascade: unknown stage")
)

// DefaultWebhookTimeout bounds one webhook request.
const DefaultWebhookTimeout = 10 * time.Second

// Spawner launches the worker of a job instance.
// *lifecycle.Controller implements it.
type Spawner interface {
	Spawn(ctx context.Context, pipeline *schema.Pipeline, job *schema.JobInstance) (lifecycle.Handle, error)
}

// Config holds the parameters for New.
type Config struct {
	Store   *store.Store
	Spawner Spawner

	// HTTPClient fires webhooks. Defaults to a client with
	// WebhookTimeout.
	HTTPClient     *http.Client
	WebhookTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Cascade drives pipeline instances from start to stop.
type Cascade struct {
	store   *store.Store
	spawner Spawner
	http    *http.Client
	clock   clock.Clock
	logger  *slog.Logger

	// mu serializes every mutation the cascade makes.
	mu sync.Mutex

	// newID generates instance ids. Replaced in tests.
	newID func() string
}

// New creates a Cascade.
func New(cfg Config) (*Cascade, error) {
	if cfg.Store == nil || cfg.Spawner == nil {
		return nil, errors.New("cascade: Store and Spawner are required")
	}
	cascade := &Cascade{
		store:   cfg.Store,
		spawner: cfg.Spawner,
		http:    cfg.HTTPClient,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		newID:   newID,
	}
	if cascade.http == nil {
		timeout := cfg.WebhookTimeout
		if timeout <= 0 {
			timeout = DefaultWebhookTimeout
		}
		cascade.http = &http.Client{Timeout: timeout}
	}
	if cascade.clock == nil {
		cascade.clock = clock.Real()
	}
	if cascade.logger == nil {
		cascade.logger = slog.New(slog.DiscardHandler)
	}
	return cascade, nil
}

// Run consumes the change feed until ctx ends. Completions committed
// while no cascade was running are replayed first.
func (c *Cascade) Run(ctx context.Context) error {
	feed := c.store.Subscribe()
	defer feed.Close()

	pending, err := c.store.ListUnprocessedCompletions(ctx)
	if err != nil {
		return fmt.Errorf("cascade: replaying completions: %w", err)
	}
	if len(pending) > 0 {
		c.logger.Info("replaying unprocessed completions", "count", len(pending))
	}
	for index := range pending {
		c.HandleCompletion(ctx, &pending[index])
	}

	for {
		change, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("cascade: change feed: %w", err)
		}
		if change.JobInstance.State.IsTerminal() {
			c.HandleCompletion(ctx, &change.JobInstance)
		}
	}
}

// HandleCompletion processes the terminal state of one job instance.
// Only the first call per job instance has any effect. Failures are
// logged; nothing is returned because there is no caller to retry.
func (c *Cascade) HandleCompletion(ctx context.Context, job *schema.JobInstance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handleCompletionLocked(ctx, job)
}

func (c *Cascade) handleCompletionLocked(ctx context.Context, job *schema.JobInstance) {
	if !job.State.IsTerminal() {
		return
	}
	logger := c.logger.With(
		"job_instance_id", job.ID,
		"pipeline_instance_id", job.PipelineInstanceID,
		"stage_id", job.StageID,
	)
	first, err := c.store.MarkCompletionProcessed(ctx, job.ID)
	if err != nil {
		logger.Error("recording processed completion failed", "error", err)
		return
	}
	if !first {
		logger.Debug("completion already processed")
		return
	}

	instance, err := c.store.GetPipelineInstance(ctx, job.PipelineInstanceID)
	if err != nil {
		logger.Warn("completion for unknown pipeline instance", "error", err)
		return
	}
	stage, ok := instance.Spec.Stage(job.StageID)
	if !ok {
		logger.Warn("completion for a stage missing from the pipeline spec")
		return
	}

	jobs, err := c.store.ListJobInstances(ctx, instance.ID, stage.ID)
	if err != nil {
		logger.Error("listing stage job instances failed", "error", err)
		return
	}
	switch aggregate(stage, jobs) {
	case stageRunning:
		logger.Debug("stage still running", "state", job.State)
	case stageFinished:
		c.completeStage(ctx, instance.ID, stage.ID, true)
	case stageFailed:
		c.completeStage(ctx, instance.ID, stage.ID, false)
	}
	c.settle(ctx, instance.ID)
}
