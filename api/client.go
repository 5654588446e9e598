// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/conveyor/lib/pipelinedef"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Message    string
	Issues     []string
}

func (e *Error) Error() string {
	message := fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
	if len(e.Issues) > 0 {
		message += ": " + strings.Join(e.Issues, "; ")
	}
	return message
}

// Client calls the control API. Workers set Token to their bearer
// credential; operator calls need none.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON response into result, which
// may be nil.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, result any) error {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: creating request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiError := &Error{StatusCode: response.StatusCode, Message: response.Status}
		var decoded ErrorResponse
		if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&decoded); err == nil && decoded.Error != "" {
			apiError.Message = decoded.Error
			apiError.Issues = decoded.Issues
		}
		return apiError
	}
	if result == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, request, result any) error {
	var body io.Reader
	contentType := ""
	if request != nil {
		encoded, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("api: encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, result)
}

func escape(segment string) string { return url.PathEscape(segment) }

// PushPipeline uploads a definition in the given format.
func (c *Client) PushPipeline(ctx context.Context, definition []byte, format pipelinedef.Format) (PushResponse, error) {
	var response PushResponse
	err := c.do(ctx, http.MethodPost, "/v1/pipelines", format.ContentType(), bytes.NewReader(definition), &response)
	return response, err
}

// GetPipeline returns the current definition of a pipeline.
func (c *Client) GetPipeline(ctx context.Context, pipelineID string) (*schema.Pipeline, error) {
	var pipeline schema.Pipeline
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pipelines/"+escape(pipelineID), nil, &pipeline); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// ListPipelineInstances returns a pipeline's runs, newest first.
func (c *Client) ListPipelineInstances(ctx context.Context, pipelineID string) ([]schema.PipelineInstance, error) {
	var instances []schema.PipelineInstance
	err := c.doJSON(ctx, http.MethodGet, "/v1/pipelines/"+escape(pipelineID)+"/instances", nil, &instances)
	return instances, err
}

// RunPipeline starts a run.
func (c *Client) RunPipeline(ctx context.Context, pipelineID string) (*schema.PipelineInstance, error) {
	var instance schema.PipelineInstance
	if err := c.doJSON(ctx, http.MethodPost, "/v1/pipelines/"+escape(pipelineID)+"/run", nil, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetPipelineInstance returns a run.
func (c *Client) GetPipelineInstance(ctx context.Context, instanceID string) (*schema.PipelineInstance, error) {
	var instance schema.PipelineInstance
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pipeline-instances/"+escape(instanceID), nil, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ListJobInstances returns the job instances of a run. A non-empty
// stageID restricts them to one stage.
func (c *Client) ListJobInstances(ctx context.Context, instanceID, stageID string) ([]schema.JobInstance, error) {
	path := "/v1/pipeline-instances/" + escape(instanceID) + "/jobs"
	if stageID != "" {
		path += "?stage=" + url.QueryEscape(stageID)
	}
	var jobs []schema.JobInstance
	err := c.doJSON(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

// Approve approves a gated stage.
func (c *Client) Approve(ctx context.Context, instanceID, stageID, approver string) (schema.StageApproval, error) {
	var approval schema.StageApproval
	path := "/v1/pipeline-instances/" + escape(instanceID) + "/stages/" + escape(stageID) + "/approve"
	err := c.doJSON(ctx, http.MethodPost, path, ApproveRequest{Approver: approver}, &approval)
	return approval, err
}

// ForceRun launches a gated stage without waiting for approvals.
func (c *Client) ForceRun(ctx context.Context, instanceID, stageID string) (*schema.PipelineInstance, error) {
	var instance schema.PipelineInstance
	path := "/v1/pipeline-instances/" + escape(instanceID) + "/stages/" + escape(stageID) + "/force-run"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetJobInstance returns a job instance.
func (c *Client) GetJobInstance(ctx context.Context, jobInstanceID string) (*schema.JobInstance, error) {
	var job schema.JobInstance
	if err := c.doJSON(ctx, http.MethodGet, "/v1/job-instances/"+escape(jobInstanceID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StopJob cancels a job instance.
func (c *Client) StopJob(ctx context.Context, jobInstanceID, reason string) (*schema.JobInstance, error) {
	var job schema.JobInstance
	if err := c.doJSON(ctx, http.MethodPost, "/v1/job-instances/"+escape(jobInstanceID)+"/stop", StopRequest{Reason: reason}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ResumeBreakpoint resumes a pending breakpoint of a job.
func (c *Client) ResumeBreakpoint(ctx context.Context, jobInstanceID, correlationID string, retry bool) error {
	path := "/v1/job-instances/" + escape(jobInstanceID) + "/breakpoints/" + escape(correlationID) + "/resume"
	return c.doJSON(ctx, http.MethodPost, path, ResumeRequest{Retry: retry}, nil)
}

// ReportState records the calling worker's job state.
func (c *Client) ReportState(ctx context.Context, jobInstanceID string, state schema.JobState) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/job-instances/"+escape(jobInstanceID)+"/state", StateRequest{State: state}, nil)
}

// FetchSecret returns a secret's plaintext. It satisfies
// environment.SecretFetcher.
func (c *Client) FetchSecret(ctx context.Context, name string) (string, error) {
	var response SecretResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/secrets/"+escape(name), nil, &response); err != nil {
		return "", err
	}
	return response.Value, nil
}
