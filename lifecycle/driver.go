// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"time"
)

// ErrUnitNotFound is returned by a Driver for a unit that does not
// exist (never created, or already deleted).
var ErrUnitNotFound = errors.New("lifecycle: unit not found")

// Phase is a compute unit's lifecycle phase.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether the unit has exited.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Labels tag every unit the controller creates. They identify the
// unit as orchestrator-owned and carry everything finalization needs
// to locate the job instance and build its log path.
type Labels struct {
	PipelineID         string `json:"pipelineId"`
	PipelineInstanceID string `json:"pipelineInstanceId"`
	StageID            string `json:"stageId"`
	JobID              string `json:"jobId"`
	JobInstanceID      string `json:"jobInstanceId"`
}

// UnitSpec describes a unit to create.
type UnitSpec struct {
	Name   string
	Labels Labels

	// Image and resource limits come from the job definition. The
	// local driver records but does not enforce them.
	Image  string
	CPU    string
	Memory string

	// Env is the complete worker environment in NAME=value form.
	Env []string

	// Payload is made available to the worker; the driver sets
	// EnvPayload to its location.
	Payload []byte
}

// Unit is a unit's observed status.
type Unit struct {
	Name       string
	Labels     Labels
	Phase      Phase
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Driver provisions and reclaims compute units.
type Driver interface {
	// Create starts a unit and returns without waiting for it.
	Create(ctx context.Context, spec UnitSpec) error

	// Get returns one unit's status.
	Get(ctx context.Context, name string) (Unit, error)

	// List returns every orchestrator-owned unit.
	List(ctx context.Context) ([]Unit, error)

	// Watch delivers unit status transitions until ctx ends. The
	// channel is closed when the watch ends for any reason; callers
	// re-enter it.
	Watch(ctx context.Context) (<-chan Unit, error)

	// Logs returns the unit's complete combined output.
	Logs(ctx context.Context, name string) ([]byte, error)

	// Delete stops the unit if needed and removes it. Returns
	// ErrUnitNotFound when there is nothing to delete.
	Delete(ctx context.Context, name string) error
}

// Environment variables the controller sets on every worker.
const (
	EnvAPIURL             = "CONVEYOR_API_URL"
	EnvBrokerAddress      = "CONVEYOR_BROKER_ADDRESS"
	EnvToken              = "CONVEYOR_TOKEN"
	EnvPayload            = "CONVEYOR_PAYLOAD"
	EnvBuildRoot          = "CONVEYOR_BUILD_ROOT"
	EnvPipelineID         = "CONVEYOR_PIPELINE_ID"
	EnvPipelineInstanceID = "CONVEYOR_PIPELINE_INSTANCE_ID"
	EnvStageID            = "CONVEYOR_STAGE_ID"
	EnvJobID              = "CONVEYOR_JOB_ID"
	EnvJobInstanceID      = "CONVEYOR_JOB_INSTANCE_ID"
	EnvBufferLimit        = "CONVEYOR_BUFFER_LIMIT"
)
