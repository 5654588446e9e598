// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import "github.com/bureau-foundation/conveyor/lib/schema"

// PushResponse is returned by POST /v1/pipelines.
type PushResponse struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Warnings []string `json:"warnings,omitempty"`
}

// ApproveRequest is the body of a stage approval.
type ApproveRequest struct {
	Approver string `json:"approver"`
}

// StopRequest is the body of a job stop.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeRequest is the body of a breakpoint resume.
type ResumeRequest struct {
	Retry bool `json:"retry"`
}

// StateRequest is a worker's state report.
type StateRequest struct {
	State schema.JobState `json:"state"`
}

// SecretResponse carries a decrypted secret to a worker.
type SecretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}
