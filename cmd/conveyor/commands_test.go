// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/api"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the
// test reads.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// fakeAPI records requests and answers with canned documents.
type fakeAPI struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	headers map[string]http.Header
}

func (f *fakeAPI) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Method + " " + r.URL.Path
	f.bodies[key] = body
	f.headers[key] = r.Header.Clone()
}

func (f *fakeAPI) body(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeAPI) header(key string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[key]
}

var started = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func sampleInstance() schema.PipelineInstance {
	ended := started.Add(90 * time.Second)
	return schema.PipelineInstance{
		ID:         "run-1",
		PipelineID: "web",
		Spec: schema.Pipeline{
			ID: "web",
			Stages: []schema.Stage{
				{ID: "build", Jobs: []schema.Job{{ID: "compile"}}},
				{ID: "deploy", StageTrigger: []string{"build"}, RequiredApprovals: 2},
			},
		},
		Status: schema.PipelineStatus{
			Phase:           schema.PhaseStopped,
			FinishedStages:  []string{"build"},
			TriggeredStages: []string{"build", "deploy"},
			StageApprovals:  []schema.StageApproval{{StageID: "deploy", ApprovalCount: 1, Approvers: []string{"alice"}, ReadyForApproval: true}},
			StartedAt:       started,
			EndedAt:         &ended,
			RuntimeSeconds:  90,
		},
	}
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	fake := &fakeAPI{bodies: make(map[string][]byte), headers: make(map[string]http.Header)}
	reply := func(w http.ResponseWriter, status int, value any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(value)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		reply(w, http.StatusCreated, api.PushResponse{ID: "web", Version: 3, Warnings: []string{"stage deploy: stage has no jobs"}})
	})
	mux.HandleFunc("POST /v1/pipelines/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		if r.PathValue("id") != "web" {
			reply(w, http.StatusNotFound, api.ErrorResponse{Error: "pipeline not found"})
			return
		}
		instance := sampleInstance()
		instance.Status.Phase = schema.PhaseStarted
		reply(w, http.StatusCreated, instance)
	})
	mux.HandleFunc("GET /v1/pipeline-instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		reply(w, http.StatusOK, sampleInstance())
	})
	mux.HandleFunc("GET /v1/pipeline-instances/{id}/jobs", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		reply(w, http.StatusOK, []schema.JobInstance{{ID: "job-1", StageID: "build", JobID: "compile", State: schema.JobFinished}})
	})
	mux.HandleFunc("POST /v1/pipeline-instances/{id}/stages/{stage}/approve", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		var request api.ApproveRequest
		json.Unmarshal(fake.body(r.Method+" "+r.URL.Path), &request)
		reply(w, http.StatusOK, schema.StageApproval{StageID: r.PathValue("stage"), ApprovalCount: 2, Approvers: []string{"alice", request.Approver}, HasRun: true})
	})
	mux.HandleFunc("POST /v1/job-instances/{id}/breakpoints/{bp}/resume", func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return fake, server
}

func runCLI(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	stdout := &syncBuffer{}
	a := newApp(context.Background(), strings.NewReader(""), stdout, io.Discard)
	err := a.root().Execute(append(args, "--server", server.URL))
	return stdout.String(), err
}

func TestPushSendsFormatFromExtension(t *testing.T) {
	t.Parallel()
	fake, server := newFakeAPI(t)

	path := filepath.Join(t.TempDir(), "web.toml")
	definition := "id = \"web\"\n"
	if err := os.WriteFile(path, []byte(definition), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	output, err := runCLI(t, server, "push", path)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := string(fake.body("POST /v1/pipelines")); got != definition {
		t.Errorf("uploaded %q, want %q", got, definition)
	}
	if contentType := fake.header("POST /v1/pipelines").Get("Content-Type"); !strings.Contains(contentType, "toml") {
		t.Errorf("Content-Type = %q, want a TOML type", contentType)
	}
	if !strings.Contains(output, "pipeline web stored as version 3") || !strings.Contains(output, "warning: stage deploy") {
		t.Errorf("output:\n%s", output)
	}
}

func TestRunReportsInstance(t *testing.T) {
	t.Parallel()
	_, server := newFakeAPI(t)

	output, err := runCLI(t, server, "run", "web")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(output, "started run-1 (started)") {
		t.Errorf("output = %q", output)
	}

	_, err = runCLI(t, server, "run", "missing")
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("run missing: error = %v, want a 404 API error", err)
	}
}

func TestStatusTable(t *testing.T) {
	t.Parallel()
	_, server := newFakeAPI(t)

	output, err := runCLI(t, server, "status", "run-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"run-1", "stopped", "runtime 1m30s", "build", "finished", "deploy", "1/2 (alice)", "awaiting approval", "job-1", "compile"} {
		if !strings.Contains(output, want) {
			t.Errorf("status output missing %q:\n%s", want, output)
		}
	}

	output, err = runCLI(t, server, "status", "run-1", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		t.Fatalf("decoding --json output: %v\n%s", err, output)
	}
	if report.Instance.ID != "run-1" || len(report.Jobs) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestApproveSendsApprover(t *testing.T) {
	t.Parallel()
	fake, server := newFakeAPI(t)

	output, err := runCLI(t, server, "approve", "run-1", "deploy", "--as", "bob")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	var request api.ApproveRequest
	if err := json.Unmarshal(fake.body("POST /v1/pipeline-instances/run-1/stages/deploy/approve"), &request); err != nil {
		t.Fatalf("decoding approve request: %v", err)
	}
	if request.Approver != "bob" {
		t.Errorf("approver = %q, want bob", request.Approver)
	}
	if !strings.Contains(output, "stage deploy approved and launched") {
		t.Errorf("output = %q", output)
	}
}

func TestResumeRetryFlag(t *testing.T) {
	t.Parallel()
	fake, server := newFakeAPI(t)

	output, err := runCLI(t, server, "resume", "job-1", "bp-9", "--retry")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var request api.ResumeRequest
	if err := json.Unmarshal(fake.body("POST /v1/job-instances/job-1/breakpoints/bp-9/resume"), &request); err != nil {
		t.Fatalf("decoding resume request: %v", err)
	}
	if !request.Retry {
		t.Error("retry not sent")
	}
	if !strings.Contains(output, "breakpoint bp-9 resumed (retry)") {
		t.Errorf("output = %q", output)
	}
}

func TestCommandsRequireArguments(t *testing.T) {
	t.Parallel()
	_, server := newFakeAPI(t)

	for _, args := range [][]string{{"run"}, {"approve", "run-1"}, {"resume", "job-1"}, {"watch"}} {
		if _, err := runCLI(t, server, args...); err == nil || !strings.Contains(err.Error(), "missing") {
			t.Errorf("%v: error = %v, want a missing-argument error", args, err)
		}
	}
}
