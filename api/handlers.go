// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/cascade"
	"github.com/bureau-foundation/conveyor/lib/pipelinedef"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lib/sealed"
	"github.com/bureau-foundation/conveyor/store"
)

// handlePushPipeline stores a definition. The format follows the
// Content-Type header; definitions with validation errors are
// rejected with the issues listed.
func (s *Server) handlePushPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionSize))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "reading definition: %v", err)
		return
	}
	pipeline, err := pipelinedef.Parse(data, pipelinedef.FormatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	report := pipelinedef.Validate(pipeline)
	if !report.Valid() {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid pipeline", Issues: report.Errors})
		return
	}
	version, err := s.store.PutPipeline(r.Context(), pipeline)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.logger.Info("pipeline stored", "pipeline_id", pipeline.ID, "version", version, "warnings", len(report.Warnings))
	s.writeJSON(w, http.StatusCreated, PushResponse{ID: pipeline.ID, Version: version, Warnings: report.Warnings})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := s.store.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pipeline)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListPipelineInstances(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	if instances == nil {
		instances = []schema.PipelineInstance{}
	}
	s.writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	instance, err := s.orchestrator.StartPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.store.GetPipelineInstance(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if _, err := s.store.GetPipelineInstance(r.Context(), instanceID); err != nil {
		s.sendStoreError(w, err)
		return
	}
	jobs, err := s.store.ListJobInstances(r.Context(), instanceID, r.URL.Query().Get("stage"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []schema.JobInstance{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

// sendCascadeError maps approval and force-run failures.
func (s *Server) sendCascadeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cascade.ErrStageNotGated), errors.Is(err, cascade.ErrAlreadyRun):
		s.sendError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, cascade.ErrUnknownStage):
		s.sendError(w, http.StatusNotFound, "%v", err)
	default:
		s.sendStoreError(w, err)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var request ApproveRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if request.Approver == "" {
		s.sendError(w, http.StatusBadRequest, "approver is required")
		return
	}
	approval, err := s.orchestrator.Approve(r.Context(), chi.URLParam(r, "instanceID"), chi.URLParam(r, "stageID"), request.Approver)
	if err != nil {
		s.sendCascadeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleForceRun(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := s.orchestrator.ForceRun(r.Context(), instanceID, chi.URLParam(r, "stageID")); err != nil {
		s.sendCascadeError(w, err)
		return
	}
	s.handleGetInstance(w, r)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJobInstance(r.Context(), chi.URLParam(r, "jobInstanceID"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleStopJob cancels the job and deletes its unit, then tells the
// worker to stop if it is attached.
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	jobInstanceID := chi.URLParam(r, "jobInstanceID")
	var request StopRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if request.Reason == "" {
		request.Reason = "stopped by operator"
	}
	// The job is cancelled before the worker hears the stop.
	if err := s.canceller.Cancel(r.Context(), jobInstanceID); err != nil {
		s.sendStoreError(w, err)
		return
	}
	if err := s.streams.StopJob(jobInstanceID, request.Reason); err != nil && !errors.Is(err, broker.ErrSourceNotAttached) {
		s.logger.Warn("routing stop to worker failed", "job_instance_id", jobInstanceID, "error", err)
	}
	s.handleGetJob(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var request ResumeRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	jobInstanceID := chi.URLParam(r, "jobInstanceID")
	correlationID := chi.URLParam(r, "correlationID")
	err := s.streams.ResumeBreakpoint(jobInstanceID, correlationID, request.Retry)
	switch {
	case errors.Is(err, broker.ErrNoPendingBreakpoint):
		s.sendError(w, http.StatusNotFound, "no pending breakpoint %s on job %s", correlationID, jobInstanceID)
	case errors.Is(err, broker.ErrSourceNotAttached):
		s.sendError(w, http.StatusConflict, "worker of job %s is not attached", jobInstanceID)
	case err != nil:
		s.logger.Error("resuming breakpoint failed", "job_instance_id", jobInstanceID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type workerKey struct{}

// authenticateWorker requires a bearer token and puts the job
// instance it was issued to in the request context.
func (s *Server) authenticateWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.sendError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		jobInstanceID, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workerKey{}, jobInstanceID)))
	})
}

func workerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}

// handleReportState records a worker's own state. A terminal state is
// never overwritten, so a late report cannot revive a cancelled job.
func (s *Server) handleReportState(w http.ResponseWriter, r *http.Request) {
	jobInstanceID := chi.URLParam(r, "jobInstanceID")
	if workerFromContext(r.Context()) != jobInstanceID {
		s.sendError(w, http.StatusForbidden, "token was not issued to job %s", jobInstanceID)
		return
	}
	var request StateRequest
	if err := decodeBody(w, r, &request); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	switch request.State {
	case schema.JobBuilding, schema.JobFrozen, schema.JobFinished, schema.JobFailed:
	default:
		s.sendError(w, http.StatusBadRequest, "workers cannot report state %q", request.State)
		return
	}
	_, job, err := s.store.SetJobInstanceState(r.Context(), jobInstanceID, request.State, store.UnlessTerminal)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleGetSecret decrypts a secret for a worker whose pipeline
// references it.
func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.secrets == nil {
		s.sendError(w, http.StatusNotFound, "no secret store configured")
		return
	}
	job, err := s.store.GetJobInstance(r.Context(), workerFromContext(r.Context()))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	instance, err := s.store.GetPipelineInstance(r.Context(), job.PipelineInstanceID)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	if !referencesSecret(&instance.Spec, name) {
		s.sendError(w, http.StatusForbidden, "pipeline %s does not reference secret %s", instance.PipelineID, name)
		return
	}
	value, err := s.secrets.Open(name)
	if errors.Is(err, sealed.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "secret %s not found", name)
		return
	}
	if err != nil {
		s.logger.Error("opening secret failed", "secret", name, "job_instance_id", job.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, SecretResponse{Name: name, Value: string(value)})
}

// referencesSecret reports whether any environment level of the
// pipeline names the secret.
func referencesSecret(pipeline *schema.Pipeline, name string) bool {
	matches := func(env []schema.EnvVar) bool {
		for _, variable := range env {
			if variable.IsSecret && variable.Value == name {
				return true
			}
		}
		return false
	}
	if matches(pipeline.Env) {
		return true
	}
	for _, stage := range pipeline.Stages {
		if matches(stage.Env) {
			return true
		}
		for _, job := range stage.Jobs {
			if matches(job.Env) {
				return true
			}
			for _, group := range job.TaskGroups {
				if matches(group.Env) {
					return true
				}
				for _, task := range group.Tasks {
					if matches(task.Env) {
						return true
					}
				}
			}
		}
	}
	return false
}
