// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP control surface of the conveyor server:
// pipeline definitions, runs, approvals, job stops and breakpoint
// resumes for operators, plus the bearer-authenticated state report
// and secret fetch endpoints used by workers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/store"
)

// maxDefinitionSize bounds a pushed pipeline definition.
const maxDefinitionSize = 4 << 20

// Orchestrator starts pipelines and acts on gated stages.
// *cascade.Cascade implements it.
type Orchestrator interface {
	StartPipeline(ctx context.Context, pipelineID string) (*schema.PipelineInstance, error)
	Approve(ctx context.Context, instanceID, stageID, approver string) (schema.StageApproval, error)
	ForceRun(ctx context.Context, instanceID, stageID string) error
}

// Canceller stops a job's compute unit. *lifecycle.Controller
// implements it.
type Canceller interface {
	Cancel(ctx context.Context, jobInstanceID string) error
}

// Streams routes control messages to attached workers.
// *broker.Broker implements it.
type Streams interface {
	ResumeBreakpoint(jobInstanceID, correlationID string, retry bool) error
	StopJob(jobInstanceID, reason string) error
}

// Verifier maps a worker bearer token to its job instance id.
// *credential.Issuer implements it.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// SecretOpener decrypts a named secret. *sealed.Store implements it.
type SecretOpener interface {
	Open(name string) ([]byte, error)
}

// Config holds the parameters for New.
type Config struct {
	Store        *store.Store
	Orchestrator Orchestrator
	Canceller    Canceller
	Streams      Streams
	Verifier     Verifier

	// Secrets may be nil; secret fetches then fail with 404.
	Secrets SecretOpener

	Logger *slog.Logger
}

// Server serves the control API.
type Server struct {
	store        *store.Store
	orchestrator Orchestrator
	canceller    Canceller
	streams      Streams
	verifier     Verifier
	secrets      SecretOpener
	logger       *slog.Logger
	router       chi.Router
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Orchestrator == nil || cfg.Canceller == nil || cfg.Streams == nil || cfg.Verifier == nil {
		return nil, errors.New("api: Store, Orchestrator, Canceller, Streams and Verifier are required")
	}
	server := &Server{
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		canceller:    cfg.Canceller,
		streams:      cfg.Streams,
		verifier:     cfg.Verifier,
		secrets:      cfg.Secrets,
		logger:       cfg.Logger,
	}
	if server.logger == nil {
		server.logger = slog.New(slog.DiscardHandler)
	}
	server.router = server.routes()
	return server, nil
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/pipelines", s.handlePushPipeline)
		r.Get("/pipelines/{pipelineID}", s.handleGetPipeline)
		r.Get("/pipelines/{pipelineID}/instances", s.handleListInstances)
		r.Post("/pipelines/{pipelineID}/run", s.handleRunPipeline)

		r.Get("/pipeline-instances/{instanceID}", s.handleGetInstance)
		r.Get("/pipeline-instances/{instanceID}/jobs", s.handleListJobs)
		r.Post("/pipeline-instances/{instanceID}/stages/{stageID}/approve", s.handleApprove)
		r.Post("/pipeline-instances/{instanceID}/stages/{stageID}/force-run", s.handleForceRun)

		r.Get("/job-instances/{jobInstanceID}", s.handleGetJob)
		r.Post("/job-instances/{jobInstanceID}/stop", s.handleStopJob)
		r.Post("/job-instances/{jobInstanceID}/breakpoints/{correlationID}/resume", s.handleResume)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticateWorker)
			r.Put("/job-instances/{jobInstanceID}/state", s.handleReportState)
			r.Get("/secrets/{name}", s.handleGetSecret)
		})
	})
	return router
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve serves the API on listener until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() { errs <- httpServer.Serve(listener) }()
	s.logger.Info("api listening", "address", listener.Addr().String())

	select {
	case err := <-errs:
		return fmt.Errorf("api: serving: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutting down: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

// sendStoreError maps a store lookup failure to 404 or 500.
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "%v", err)
		return
	}
	s.logger.Error("store request failed", "error", err)
	s.sendError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody decodes an optional JSON body into value. An empty body
// leaves value untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, value any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(value); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
