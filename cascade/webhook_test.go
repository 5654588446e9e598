// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

type webhookRequest struct {
	path   string
	method string
	header http.Header
	body   string
}

type webhookRecorder struct {
	mu       sync.Mutex
	requests []webhookRequest
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	body, _ := io.ReadAll(request.Body)
	r.mu.Lock()
	r.requests = append(r.requests, webhookRequest{
		path:   request.URL.Path,
		method: request.Method,
		header: request.Header.Clone(),
		body:   string(body),
	})
	r.mu.Unlock()
	if request.URL.Path == "/broken" {
		http.Error(w, "broken", http.StatusInternalServerError)
	}
}

func (r *webhookRecorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for _, request := range r.requests {
		paths = append(paths, request.path)
	}
	return paths
}

func (r *webhookRecorder) request(path string) (webhookRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, request := range r.requests {
		if request.path == path {
			return request, true
		}
	}
	return webhookRequest{}, false
}

func webhookStage(id, baseURL string, triggers ...string) schema.Stage {
	s := stage(id, triggers...)
	s.Webhooks = []schema.Webhook{
		{Name: "default", URL: baseURL + "/" + id + "/default"},
		{
			Name:    "templated",
			URL:     baseURL + "/" + id + "/templated",
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": "text/plain", "X-Token": "hook-token"},
			Body:    "${STAGE_ID} is ${STAGE_STATUS}",
		},
		{Name: "on-failure", URL: baseURL + "/" + id + "/on-failure", ExecuteOnFailure: true},
		{Name: "disabled", URL: baseURL + "/" + id + "/disabled", Disabled: true, ExecuteOnFailure: true},
		{Name: "broken", URL: baseURL + "/broken", ExecuteOnFailure: true},
	}
	return s
}

func TestWebhooksFireOnStageCompletion(t *testing.T) {
	t.Parallel()
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder)
	defer server.Close()

	h := newHarness(t)
	instance := h.start(t, webhookStage("build", server.URL), webhookStage("test", server.URL, "build"))

	h.complete(t, "build", schema.JobFinished)
	want := []string{"/build/default", "/build/templated", "/build/on-failure", "/broken"}
	if got := recorder.paths(); !slices.Equal(got, want) {
		t.Fatalf("webhook requests after success = %v, want %v", got, want)
	}

	templated, _ := recorder.request("/build/templated")
	if templated.method != http.MethodPut || templated.body != "build is finished" {
		t.Errorf("templated request = %s %q", templated.method, templated.body)
	}
	if templated.header.Get("X-Token") != "hook-token" || templated.header.Get("Content-Type") != "text/plain" {
		t.Errorf("templated headers = %v", templated.header)
	}
	defaultHook, _ := recorder.request("/build/default")
	var event webhookEvent
	if err := json.Unmarshal([]byte(defaultHook.body), &event); err != nil {
		t.Fatalf("default body %q: %v", defaultHook.body, err)
	}
	if defaultHook.method != http.MethodPost || event.StageID != "build" || event.Status != "finished" || event.PipelineInstanceID != instance.ID {
		t.Errorf("default request = %s %+v", defaultHook.method, event)
	}

	// A failed stage fires only the hooks that execute on failure.
	h.complete(t, "test", schema.JobFailed)
	want = append(want, "/test/on-failure", "/broken")
	if got := recorder.paths(); !slices.Equal(got, want) {
		t.Fatalf("webhook requests after failure = %v, want %v", got, want)
	}

	stored := h.instance(t, instance.ID)
	build, _ := stored.Spec.Stage("build")
	for _, hook := range build.Webhooks {
		switch hook.Name {
		case "broken":
			if hook.State != schema.WebhookFail || hook.LastFiredAt == nil {
				t.Errorf("broken hook = %s at %v, want fail", hook.State, hook.LastFiredAt)
			}
		case "disabled":
			if hook.State != "" || hook.LastFiredAt != nil {
				t.Errorf("disabled hook was recorded as %s", hook.State)
			}
		default:
			if hook.State != schema.WebhookSuccess || hook.LastFiredAt == nil {
				t.Errorf("%s hook = %s at %v, want success", hook.Name, hook.State, hook.LastFiredAt)
			}
		}
	}
	test, _ := stored.Spec.Stage("test")
	if test.Webhooks[0].State != "" {
		t.Errorf("default hook fired on a failed stage")
	}

	// A webhook failure never stops the cascade.
	if stored.Status.Phase != schema.PhaseStopped {
		t.Errorf("phase = %s, want stopped", stored.Status.Phase)
	}
}

func TestUnreachableWebhookIsRecorded(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	h := newHarness(t)
	build := stage("build")
	build.Webhooks = []schema.Webhook{{Name: "gone", URL: url + "/hook"}, {Name: "template", URL: url, Body: "${UNKNOWN}"}}
	instance := h.start(t, build, stage("test", "build"))

	h.complete(t, "build", schema.JobFinished)
	requireLaunched(t, h, "build", "test")
	stored, _ := h.instance(t, instance.ID).Spec.Stage("build")
	for _, hook := range stored.Webhooks {
		if hook.State != schema.WebhookFail {
			t.Errorf("%s hook state = %q, want fail", hook.Name, hook.State)
		}
	}
}
