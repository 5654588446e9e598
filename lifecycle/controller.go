// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle provisions one ephemeral compute unit per job
// instance, watches it to completion, persists its output, and
// reclaims it.
//
// Finalization runs from two independent paths: the watch loop, fed
// by the driver's status transitions, and a periodic sweep that lists
// every orchestrator-owned unit. Either may run first, and both may
// run for the same unit. Finalization is idempotent: the log is
// rewritten atomically, the job state is only coerced when the worker
// did not report a terminal state itself, and a missing unit or
// credential is not an error.
package lifecycle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/environment"
	"github.com/bureau-foundation/conveyor/lib/fileutil"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/store"
)

// JobStore is the persistence the controller needs. *store.Store
// implements it.
type JobStore interface {
	GetJobInstance(ctx context.Context, id string) (*schema.JobInstance, error)
	SetJobInstanceState(ctx context.Context, id string, state schema.JobState, transition store.Transition) (bool, *schema.JobInstance, error)
	UpdateJobInstance(ctx context.Context, id string, mutate func(*schema.JobInstance) bool) (*schema.JobInstance, error)
}

// Credentials issues and revokes worker bearer tokens.
// *credential.Issuer implements it.
type Credentials interface {
	Issue(ctx context.Context, jobInstanceID string) (string, error)
	Revoke(ctx context.Context, jobInstanceID string) error
}

// Config holds the parameters for New.
type Config struct {
	Store       JobStore
	Driver      Driver
	Credentials Credentials

	// LogRoot is the root of the persisted log tree.
	LogRoot string

	// APIURL and BrokerAddress are handed to workers.
	APIURL        string
	BrokerAddress string

	// BuildRoot is the parent of each worker's build directory.
	BuildRoot string

	// BufferLimit is passed to workers as their offline event buffer.
	BufferLimit int

	SweepInterval   time.Duration
	WatchRetryStart time.Duration
	WatchRetryMax   time.Duration

	// OnFinalized is called after a unit is finalized, with the job
	// instance as stored. It may be called more than once per job.
	OnFinalized func(job schema.JobInstance)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller owns the compute units of job instances.
type Controller struct {
	store       JobStore
	driver      Driver
	credentials Credentials
	logRoot     string
	apiURL      string
	broker      string
	buildRoot   string
	bufferLimit int

	sweepInterval   time.Duration
	watchRetryStart time.Duration
	watchRetryMax   time.Duration
	onFinalized     func(schema.JobInstance)

	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	finalizing map[string]bool
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Driver == nil || cfg.Credentials == nil {
		return nil, errors.New("lifecycle: Store, Driver and Credentials are required")
	}
	if cfg.LogRoot == "" {
		return nil, errors.New("lifecycle: LogRoot is required")
	}
	controller := &Controller{
		store:           cfg.Store,
		driver:          cfg.Driver,
		credentials:     cfg.Credentials,
		logRoot:         cfg.LogRoot,
		apiURL:          cfg.APIURL,
		broker:          cfg.BrokerAddress,
		buildRoot:       cfg.BuildRoot,
		bufferLimit:     cfg.BufferLimit,
		sweepInterval:   cfg.SweepInterval,
		watchRetryStart: cfg.WatchRetryStart,
		watchRetryMax:   cfg.WatchRetryMax,
		onFinalized:     cfg.OnFinalized,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		finalizing:      make(map[string]bool),
	}
	if controller.sweepInterval <= 0 {
		controller.sweepInterval = 30 * time.Second
	}
	if controller.watchRetryStart <= 0 {
		controller.watchRetryStart = time.Second
	}
	if controller.watchRetryMax < controller.watchRetryStart {
		controller.watchRetryMax = 30 * time.Second
	}
	if controller.clock == nil {
		controller.clock = clock.Real()
	}
	if controller.logger == nil {
		controller.logger = slog.New(slog.DiscardHandler)
	}
	return controller, nil
}

// Handle identifies a spawned worker.
type Handle struct {
	UnitName      string
	JobInstanceID string
}

// UnitName returns the compute unit name for a job instance.
func UnitName(jobInstanceID string) string {
	return "conveyor-" + jobInstanceID
}

// Spawn creates the compute unit for job and returns without waiting
// for it. pipeline is the pipeline instance's frozen spec. Every
// failure marks the job instance failed, so the cascade sees it
// complete.
func (c *Controller) Spawn(ctx context.Context, pipeline *schema.Pipeline, job *schema.JobInstance) (Handle, error) {
	stage, ok := pipeline.Stage(job.StageID)
	if !ok {
		return Handle{}, c.spawnFailed(ctx, job.ID, fmt.Errorf("stage %q not in pipeline %s", job.StageID, pipeline.ID))
	}
	jobSpec, ok := stage.Job(job.JobID)
	if !ok {
		return Handle{}, c.spawnFailed(ctx, job.ID, fmt.Errorf("job %q not in stage %s", job.JobID, stage.ID))
	}

	handle := Handle{UnitName: UnitName(job.ID), JobInstanceID: job.ID}
	labels := Labels{
		PipelineID:         job.PipelineID,
		PipelineInstanceID: job.PipelineInstanceID,
		StageID:            job.StageID,
		JobID:              job.JobID,
		JobInstanceID:      job.ID,
	}
	if _, err := c.logPath(labels); err != nil {
		return Handle{}, c.spawnFailed(ctx, job.ID, err)
	}

	payload, err := json.Marshal(schema.JobPayload{
		Pipeline:           *pipeline,
		PipelineInstanceID: job.PipelineInstanceID,
		StageID:            job.StageID,
		JobID:              job.JobID,
		JobInstanceID:      job.ID,
	})
	if err != nil {
		return Handle{}, c.spawnFailed(ctx, job.ID, fmt.Errorf("encoding payload: %w", err))
	}

	token, err := c.credentials.Issue(ctx, job.ID)
	if err != nil {
		return Handle{}, c.spawnFailed(ctx, job.ID, fmt.Errorf("issuing credential: %w", err))
	}

	spec := UnitSpec{
		Name:    handle.UnitName,
		Labels:  labels,
		Image:   jobSpec.Image,
		CPU:     jobSpec.Resources.CPU,
		Memory:  jobSpec.Resources.Memory,
		Env:     c.workerEnv(pipeline, stage, jobSpec, labels, token),
		Payload: payload,
	}
	if err := c.driver.Create(ctx, spec); err != nil {
		if revokeErr := c.credentials.Revoke(ctx, job.ID); revokeErr != nil {
			c.logger.Warn("revoking credential of failed spawn", "job_instance_id", job.ID, "error", revokeErr)
		}
		return Handle{}, c.spawnFailed(ctx, job.ID, err)
	}

	if _, err := c.store.UpdateJobInstance(ctx, job.ID, func(stored *schema.JobInstance) bool {
		if stored.UnitName == handle.UnitName {
			return false
		}
		stored.UnitName = handle.UnitName
		return true
	}); err != nil {
		c.logger.Error("recording unit name failed", "job_instance_id", job.ID, "unit", handle.UnitName, "error", err)
	}
	c.logger.Info("worker spawned",
		"job_instance_id", job.ID,
		"unit", handle.UnitName,
		"pipeline_instance_id", job.PipelineInstanceID,
		"stage_id", job.StageID,
		"job_id", job.JobID,
	)
	return handle, nil
}

func (c *Controller) spawnFailed(ctx context.Context, jobInstanceID string, cause error) error {
	c.logger.Error("spawning worker failed", "job_instance_id", jobInstanceID, "error", cause)
	if _, _, err := c.store.SetJobInstanceState(ctx, jobInstanceID, schema.JobFailed, store.UnlessTerminal); err != nil {
		c.logger.Error("marking job failed after spawn error", "job_instance_id", jobInstanceID, "error", err)
	}
	return fmt.Errorf("lifecycle: spawning %s: %w", jobInstanceID, cause)
}

// workerEnv builds the unit environment: the plain (non-secret)
// variables of the pipeline, stage and job levels, then the identity
// and connection variables. Secrets are resolved by the worker.
func (c *Controller) workerEnv(pipeline *schema.Pipeline, stage *schema.Stage, job *schema.Job, labels Labels, token string) []string {
	var env []string
	for _, variable := range environment.Merge(pipeline.Env, stage.Env, job.Env) {
		if !variable.IsSecret {
			env = append(env, variable.Name+"="+variable.Value)
		}
	}
	buildRoot := c.buildRoot
	if buildRoot != "" {
		buildRoot = filepath.Join(buildRoot, labels.JobInstanceID)
	}
	return append(env,
		EnvAPIURL+"="+c.apiURL,
		EnvBrokerAddress+"="+c.broker,
		EnvToken+"="+token,
		EnvBuildRoot+"="+buildRoot,
		EnvPipelineID+"="+labels.PipelineID,
		EnvPipelineInstanceID+"="+labels.PipelineInstanceID,
		EnvStageID+"="+labels.StageID,
		EnvJobID+"="+labels.JobID,
		EnvJobInstanceID+"="+labels.JobInstanceID,
		EnvBufferLimit+"="+strconv.Itoa(c.bufferLimit),
	)
}

// LogPath returns where a job instance's log is persisted:
// {root}/{pipeline}/{pipelineInstance}/{stage}/{job}/{jobInstance}.log
func LogPath(root string, labels Labels) (string, error) {
	parts := []string{labels.PipelineID, labels.PipelineInstanceID, labels.StageID, labels.JobID, labels.JobInstanceID}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("lifecycle: %q is not usable in a log path", part)
		}
	}
	return filepath.Join(root, parts[0], parts[1], parts[2], parts[3], parts[4]+".log"), nil
}

func (c *Controller) logPath(labels Labels) (string, error) {
	return LogPath(c.logRoot, labels)
}

// Run drives the watch loop and the periodic sweep until ctx ends. It
// sweeps once at startup to pick up units finished while the server
// was down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Sweep(ctx); err != nil {
		c.logger.Warn("startup sweep failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweepLoop(ctx)
	}()
	c.watchLoop(ctx)
	wg.Wait()
	return ctx.Err()
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// watchLoop re-enters the driver watch whenever it ends or fails,
// backing off between attempts.
func (c *Controller) watchLoop(ctx context.Context) {
	delay := c.watchRetryStart
	for ctx.Err() == nil {
		events, err := c.driver.Watch(ctx)
		if err != nil {
			c.logger.Warn("unit watch failed, retrying", "delay", delay, "error", err)
		} else {
			received := false
			for unit := range events {
				received = true
				if unit.Phase.IsTerminal() {
					if err := c.Finalize(ctx, unit); err != nil {
						c.logger.Warn("finalize from watch failed, sweep will retry", "unit", unit.Name, "error", err)
					}
				}
			}
			if ctx.Err() != nil {
				return
			}
			if received {
				delay = c.watchRetryStart
			}
			c.logger.Info("unit watch ended, re-entering", "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}
		delay = min(delay*2, c.watchRetryMax)
	}
}

// Sweep finalizes every terminal orchestrator-owned unit.
func (c *Controller) Sweep(ctx context.Context) error {
	units, err := c.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: sweep: %w", err)
	}
	var errs []error
	for _, unit := range units {
		if !unit.Phase.IsTerminal() || unit.Labels.JobInstanceID == "" {
			continue
		}
		if err := c.Finalize(ctx, unit); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Finalize persists a terminal unit's log, coerces its job instance
// to finished or failed unless the worker already reported a terminal
// state, deletes the unit, and revokes its credential. Concurrent
// calls for the same unit collapse into one; repeated calls are safe.
func (c *Controller) Finalize(ctx context.Context, unit Unit) error {
	if !unit.Phase.IsTerminal() {
		return fmt.Errorf("lifecycle: unit %s is %s, not terminal", unit.Name, unit.Phase)
	}
	c.mu.Lock()
	if c.finalizing[unit.Name] {
		c.mu.Unlock()
		return nil
	}
	c.finalizing[unit.Name] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.finalizing, unit.Name)
		c.mu.Unlock()
	}()

	jobInstanceID := unit.Labels.JobInstanceID
	logger := c.logger.With("unit", unit.Name, "job_instance_id", jobInstanceID)

	logPath, logDigest, err := c.persistLog(ctx, unit)
	if err != nil {
		return fmt.Errorf("lifecycle: finalizing %s: %w", unit.Name, err)
	}

	state := schema.JobFailed
	if unit.Phase == PhaseSucceeded {
		state = schema.JobFinished
	}
	coerced, _, err := c.store.SetJobInstanceState(ctx, jobInstanceID, state, store.UnlessTerminal)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lifecycle: finalizing %s: %w", unit.Name, err)
	}
	if coerced {
		logger.Warn("worker exited without reporting a final state", "state", state, "exit_code", unit.ExitCode)
	}

	var stored *schema.JobInstance
	if logPath != "" {
		stored, err = c.store.UpdateJobInstance(ctx, jobInstanceID, func(job *schema.JobInstance) bool {
			if job.LogPath == logPath && job.LogDigest == logDigest {
				return false
			}
			job.LogPath = logPath
			job.LogDigest = logDigest
			return true
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lifecycle: recording log of %s: %w", unit.Name, err)
		}
	}

	if err := c.driver.Delete(ctx, unit.Name); err != nil && !errors.Is(err, ErrUnitNotFound) {
		return fmt.Errorf("lifecycle: deleting %s: %w", unit.Name, err)
	}
	if err := c.credentials.Revoke(ctx, jobInstanceID); err != nil {
		logger.Warn("revoking credential failed", "error", err)
	}
	logger.Info("unit finalized", "phase", unit.Phase, "exit_code", unit.ExitCode, "log", logPath)

	if c.onFinalized != nil {
		if stored == nil {
			stored, err = c.store.GetJobInstance(ctx, jobInstanceID)
		}
		if err == nil && stored != nil {
			c.onFinalized(*stored)
		}
	}
	return nil
}

// persistLog writes the unit's output to its log path and returns the
// path and BLAKE3 digest. A unit already deleted has no log left;
// that returns an empty path.
func (c *Controller) persistLog(ctx context.Context, unit Unit) (string, string, error) {
	path, err := c.logPath(unit.Labels)
	if err != nil {
		return "", "", err
	}
	data, err := c.driver.Logs(ctx, unit.Name)
	if errors.Is(err, ErrUnitNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("fetching logs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("creating log directory: %w", err)
	}
	if err := fileutil.WriteAtomic(path, data, 0o644); err != nil {
		return "", "", err
	}
	digest := blake3.Sum256(data)
	return path, hex.EncodeToString(digest[:]), nil
}

// Cancel stops a job instance: it is marked cancelled (unless already
// terminal), its output so far is persisted, and its unit deleted.
// Output already streamed to observers is not retracted.
func (c *Controller) Cancel(ctx context.Context, jobInstanceID string) error {
	job, err := c.store.GetJobInstance(ctx, jobInstanceID)
	if err != nil {
		return fmt.Errorf("lifecycle: cancelling %s: %w", jobInstanceID, err)
	}
	if job.State.IsTerminal() {
		return nil
	}
	if _, _, err := c.store.SetJobInstanceState(ctx, jobInstanceID, schema.JobCancelled, store.UnlessTerminal); err != nil {
		return fmt.Errorf("lifecycle: cancelling %s: %w", jobInstanceID, err)
	}

	unitName := job.UnitName
	if unitName == "" {
		unitName = UnitName(jobInstanceID)
	}
	labels := Labels{
		PipelineID:         job.PipelineID,
		PipelineInstanceID: job.PipelineInstanceID,
		StageID:            job.StageID,
		JobID:              job.JobID,
		JobInstanceID:      job.ID,
	}
	if path, digest, err := c.persistLog(ctx, Unit{Name: unitName, Labels: labels}); err != nil {
		c.logger.Warn("persisting log of cancelled job failed", "job_instance_id", jobInstanceID, "error", err)
	} else if path != "" {
		if _, err := c.store.UpdateJobInstance(ctx, jobInstanceID, func(stored *schema.JobInstance) bool {
			stored.LogPath = path
			stored.LogDigest = digest
			return true
		}); err != nil {
			c.logger.Error("recording log of cancelled job failed", "job_instance_id", jobInstanceID, "log", path, "error", err)
		}
	}

	if err := c.driver.Delete(ctx, unitName); err != nil && !errors.Is(err, ErrUnitNotFound) {
		return fmt.Errorf("lifecycle: deleting unit of %s: %w", jobInstanceID, err)
	}
	if err := c.credentials.Revoke(ctx, jobInstanceID); err != nil {
		c.logger.Warn("revoking credential failed", "job_instance_id", jobInstanceID, "error", err)
	}
	c.logger.Info("job cancelled", "job_instance_id", jobInstanceID, "unit", unitName)
	return nil
}
