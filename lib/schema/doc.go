// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the records shared by every conveyor
// component: pipeline definitions (Pipeline, Stage, Job, TaskGroup,
// Task), run-time records (PipelineInstance, JobInstance,
// StageApproval), and the payload the lifecycle controller hands to
// each worker.
//
// Definitions are immutable once a run starts. A PipelineInstance
// carries its own frozen copy of the definition in Spec, so edits to
// the stored pipeline never affect runs already in flight.
//
// JSON field names follow the camelCase names used by pipeline
// authors (stageTrigger, preTaskGroups, requiredApprovals). The same
// JSON is what the store persists.
package schema
