// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lib/testutil"
	"github.com/bureau-foundation/conveyor/lifecycle"
	"github.com/bureau-foundation/conveyor/store"
)

// fakeSpawner records launches. A stage listed in failStages fails to
// spawn the way the lifecycle controller does: the job instance is
// marked failed before the error is returned.
type fakeSpawner struct {
	store      *store.Store
	failStages map[string]bool

	mu      sync.Mutex
	spawned []schema.JobInstance
}

func (s *fakeSpawner) Spawn(ctx context.Context, pipeline *schema.Pipeline, job *schema.JobInstance) (lifecycle.Handle, error) {
	if s.failStages[job.StageID] {
		if _, _, err := s.store.SetJobInstanceState(ctx, job.ID, schema.JobFailed, store.UnlessTerminal); err != nil {
			return lifecycle.Handle{}, err
		}
		return lifecycle.Handle{}, errors.New("no capacity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, *job)
	return lifecycle.Handle{UnitName: lifecycle.UnitName(job.ID), JobInstanceID: job.ID}, nil
}

// stages returns the stage of every launched job, in launch order.
func (s *fakeSpawner) stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stages []string
	for _, job := range s.spawned {
		stages = append(stages, job.StageID)
	}
	return stages
}

// jobs returns the launched job instances of one stage.
func (s *fakeSpawner) jobs(stageID string) []schema.JobInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []schema.JobInstance
	for _, job := range s.spawned {
		if job.StageID == stageID {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

type harness struct {
	cascade *Cascade
	store   *store.Store
	spawner *fakeSpawner
	clock   *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	records, err := store.Open(context.Background(), store.Config{
		Path:  filepath.Join(t.TempDir(), "conveyor.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	spawner := &fakeSpawner{store: records, failStages: make(map[string]bool)}
	cascade, err := New(Config{Store: records, Spawner: spawner, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{cascade: cascade, store: records, spawner: spawner, clock: fake}
}

func stage(id string, triggers ...string) schema.Stage {
	return schema.Stage{
		ID:           id,
		StageTrigger: triggers,
		Jobs: []schema.Job{{
			ID:         "job",
			TaskGroups: []schema.TaskGroup{{ID: "main", Tasks: []schema.Task{{ID: "run", Command: "true"}}}},
		}},
	}
}

func (h *harness) start(t *testing.T, stages ...schema.Stage) *schema.PipelineInstance {
	t.Helper()
	pipeline := &schema.Pipeline{ID: "web", Stages: stages}
	if _, err := h.store.PutPipeline(context.Background(), pipeline); err != nil {
		t.Fatalf("PutPipeline: %v", err)
	}
	instance, err := h.cascade.StartPipeline(context.Background(), "web")
	if err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	return instance
}

// complete moves every launched job of a stage to state and delivers
// the completions.
func (h *harness) complete(t *testing.T, stageID string, state schema.JobState) {
	t.Helper()
	jobs := h.spawner.jobs(stageID)
	if len(jobs) == 0 {
		t.Fatalf("stage %s has no launched jobs", stageID)
	}
	for _, job := range jobs {
		h.completeJob(t, job.ID, state)
	}
}

func (h *harness) completeJob(t *testing.T, jobInstanceID string, state schema.JobState) {
	t.Helper()
	_, job, err := h.store.SetJobInstanceState(context.Background(), jobInstanceID, state, store.Always)
	if err != nil {
		t.Fatalf("SetJobInstanceState: %v", err)
	}
	h.cascade.HandleCompletion(context.Background(), job)
}

func (h *harness) instance(t *testing.T, id string) *schema.PipelineInstance {
	t.Helper()
	instance, err := h.store.GetPipelineInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPipelineInstance: %v", err)
	}
	return instance
}

func requireLaunched(t *testing.T, h *harness, want ...string) {
	t.Helper()
	if got := h.spawner.stages(); !slices.Equal(got, want) {
		t.Fatalf("launched stages = %v, want %v", got, want)
	}
}

func TestLinearPipelineWithApprovalGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gated := stage("c", "b")
	gated.RequiredApprovals = 1
	instance := h.start(t, stage("a"), stage("b", "a"), gated)

	requireLaunched(t, h, "a")
	if phase := h.instance(t, instance.ID).Status.Phase; phase != schema.PhaseStarted {
		t.Errorf("phase after start = %s, want started", phase)
	}

	h.complete(t, "a", schema.JobFinished)
	requireLaunched(t, h, "a", "b")

	h.complete(t, "b", schema.JobFinished)
	requireLaunched(t, h, "a", "b")
	status := h.instance(t, instance.ID).Status
	approval, ok := status.Approval("c")
	if !ok || !approval.ReadyForApproval || approval.HasRun {
		t.Fatalf("approval of c = %+v, %v; want ready and not run", approval, ok)
	}
	if status.Phase != schema.PhaseWaiting {
		t.Errorf("phase while gated = %s, want waiting", status.Phase)
	}

	record, err := h.cascade.Approve(context.Background(), instance.ID, "c", "alice")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if record.ApprovalCount != 1 || !record.HasRun {
		t.Errorf("approval after approve = %+v", record)
	}
	requireLaunched(t, h, "a", "b", "c")
	if phase := h.instance(t, instance.ID).Status.Phase; phase != schema.PhaseStarted {
		t.Errorf("phase after approval = %s, want started", phase)
	}

	h.clock.Advance(90 * time.Second)
	h.complete(t, "c", schema.JobFinished)
	status = h.instance(t, instance.ID).Status
	if status.Phase != schema.PhaseStopped {
		t.Fatalf("final phase = %s, want stopped", status.Phase)
	}
	if status.EndedAt == nil || status.RuntimeSeconds != 90 {
		t.Errorf("ended at %v after %vs, want 90s", status.EndedAt, status.RuntimeSeconds)
	}
	if !slices.Equal(status.FinishedStages, []string{"a", "b", "c"}) {
		t.Errorf("finished stages = %v", status.FinishedStages)
	}
	if len(status.JobInstances) != 3 {
		t.Errorf("job instances = %v", status.JobInstances)
	}
}

func TestSiblingJobsCompleteStageOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	wide := stage("a")
	wide.Jobs = append(wide.Jobs, schema.Job{ID: "lint"})
	instance := h.start(t, wide, stage("b", "a"))

	jobs := h.spawner.jobs("a")
	if len(jobs) != 2 {
		t.Fatalf("launched %d jobs for a, want 2", len(jobs))
	}
	var stored []*schema.JobInstance
	for _, job := range jobs {
		_, updated, err := h.store.SetJobInstanceState(context.Background(), job.ID, schema.JobFinished, store.Always)
		if err != nil {
			t.Fatalf("SetJobInstanceState: %v", err)
		}
		stored = append(stored, updated)
	}

	// Both completions land at once, and each is delivered twice.
	var wg sync.WaitGroup
	for _, job := range append(stored, stored...) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.cascade.HandleCompletion(context.Background(), job)
		}()
	}
	wg.Wait()

	requireLaunched(t, h, "a", "a", "b")
	if finished := h.instance(t, instance.ID).Status.FinishedStages; !slices.Equal(finished, []string{"a"}) {
		t.Errorf("finished stages = %v, want [a]", finished)
	}
}

func TestStageWaitsForSiblingJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	wide := stage("a")
	wide.Jobs = append(wide.Jobs, schema.Job{ID: "lint"})
	instance := h.start(t, wide, stage("b", "a"))

	jobs := h.spawner.jobs("a")
	h.completeJob(t, jobs[0].ID, schema.JobFailed)
	status := h.instance(t, instance.ID).Status
	if len(status.FailedStages) != 0 || len(status.FinishedStages) != 0 {
		t.Fatalf("stage recorded before its last job ended: %+v", status)
	}

	h.completeJob(t, jobs[1].ID, schema.JobFinished)
	status = h.instance(t, instance.ID).Status
	if !slices.Equal(status.FailedStages, []string{"a"}) {
		t.Errorf("failed stages = %v, want [a]", status.FailedStages)
	}
	requireLaunched(t, h, "a", "a")
	if status.Phase != schema.PhaseStopped {
		t.Errorf("phase = %s, want stopped", status.Phase)
	}
}

func TestFailureGatingPrecedesApproval(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gated := stage("deploy", "build")
	gated.RequiredApprovals = 1
	cleanup := stage("cleanup", "build")
	cleanup.RunOnFailure = true
	instance := h.start(t, stage("build"), gated, cleanup)

	h.complete(t, "build", schema.JobFailed)
	requireLaunched(t, h, "build", "cleanup")
	status := h.instance(t, instance.ID).Status
	if _, ok := status.Approval("deploy"); ok {
		t.Error("approval record created for a stage skipped by failure")
	}
	if status.IsTriggered("deploy") {
		t.Error("skipped stage marked triggered")
	}

	h.complete(t, "cleanup", schema.JobFinished)
	if phase := h.instance(t, instance.ID).Status.Phase; phase != schema.PhaseStopped {
		t.Errorf("phase = %s, want stopped", phase)
	}
}

func TestStageWaitsForEveryTrigger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, stage("unit"), stage("integration"), stage("release", "unit", "integration"))
	requireLaunched(t, h, "unit", "integration")

	h.complete(t, "unit", schema.JobFinished)
	requireLaunched(t, h, "unit", "integration")

	h.complete(t, "integration", schema.JobFinished)
	requireLaunched(t, h, "unit", "integration", "release")
}

func TestApprovalThresholdCountsDistinctApprovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gated := stage("deploy", "build")
	gated.RequiredApprovals = 2
	instance := h.start(t, stage("build"), gated)
	h.complete(t, "build", schema.JobFinished)

	for _, approver := range []string{"alice", "alice"} {
		record, err := h.cascade.Approve(context.Background(), instance.ID, "deploy", approver)
		if err != nil {
			t.Fatalf("Approve(%s): %v", approver, err)
		}
		if record.ApprovalCount != 1 || record.HasRun {
			t.Errorf("approval after %s = %+v", approver, record)
		}
	}
	requireLaunched(t, h, "build")

	record, err := h.cascade.Approve(context.Background(), instance.ID, "deploy", "bob")
	if err != nil {
		t.Fatalf("Approve(bob): %v", err)
	}
	if record.ApprovalCount != 2 || !slices.Equal(record.Approvers, []string{"alice", "bob"}) {
		t.Errorf("approval = %+v", record)
	}
	requireLaunched(t, h, "build", "deploy")

	if _, err := h.cascade.Approve(context.Background(), instance.ID, "deploy", "carol"); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("approving a launched stage: %v, want ErrAlreadyRun", err)
	}
}

func TestForceRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gated := stage("deploy", "build")
	gated.RequiredApprovals = 3
	instance := h.start(t, stage("build"), gated)

	if err := h.cascade.ForceRun(context.Background(), instance.ID, "deploy"); !errors.Is(err, ErrStageNotGated) {
		t.Errorf("force-run before gating: %v, want ErrStageNotGated", err)
	}
	if err := h.cascade.ForceRun(context.Background(), instance.ID, "build"); !errors.Is(err, ErrStageNotGated) {
		t.Errorf("force-run of an ungated stage: %v, want ErrStageNotGated", err)
	}

	h.complete(t, "build", schema.JobFinished)
	if err := h.cascade.ForceRun(context.Background(), instance.ID, "deploy"); err != nil {
		t.Fatalf("ForceRun: %v", err)
	}
	requireLaunched(t, h, "build", "deploy")
	if err := h.cascade.ForceRun(context.Background(), instance.ID, "deploy"); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second force-run: %v, want ErrAlreadyRun", err)
	}
}

func TestGatedEntryStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gated := stage("deploy")
	gated.RequiredApprovals = 1
	instance := h.start(t, gated)

	requireLaunched(t, h)
	if phase := h.instance(t, instance.ID).Status.Phase; phase != schema.PhaseWaiting {
		t.Errorf("phase = %s, want waiting", phase)
	}
}

func TestSpawnFailureFailsStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.spawner.failStages["b"] = true
	notify := stage("notify", "b")
	notify.RunOnFailure = true
	instance := h.start(t, stage("a"), stage("b", "a"), notify)

	h.complete(t, "a", schema.JobFinished)
	status := h.instance(t, instance.ID).Status
	if !slices.Equal(status.FailedStages, []string{"b"}) {
		t.Errorf("failed stages = %v, want [b]", status.FailedStages)
	}
	requireLaunched(t, h, "a", "notify")
}

func TestStageWithoutJobsCompletesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	empty := stage("gate")
	empty.Jobs = nil
	instance := h.start(t, empty, stage("build", "gate"))

	requireLaunched(t, h, "build")
	if finished := h.instance(t, instance.ID).Status.FinishedStages; !slices.Equal(finished, []string{"gate"}) {
		t.Errorf("finished stages = %v", finished)
	}
}

func TestEmptyPipelineStopsAtOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	instance := h.start(t)
	if phase := instance.Status.Phase; phase != schema.PhaseStopped {
		t.Errorf("phase = %s, want stopped", phase)
	}
}

func TestRunReplaysAndFollowsFeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	instance := h.start(t, stage("a"), stage("b", "a"), stage("c", "b"))

	// Completed while no cascade was running.
	job := h.spawner.jobs("a")[0]
	if _, _, err := h.store.SetJobInstanceState(context.Background(), job.ID, schema.JobFinished, store.Always); err != nil {
		t.Fatalf("SetJobInstanceState: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.cascade.Run(ctx) }()

	testutil.Eventually(t, 5*time.Second, func() bool { return len(h.spawner.jobs("b")) == 1 }, "replayed completion")

	next := h.spawner.jobs("b")[0]
	if _, _, err := h.store.SetJobInstanceState(context.Background(), next.ID, schema.JobBuilding, store.Always); err != nil {
		t.Fatalf("SetJobInstanceState: %v", err)
	}
	if _, _, err := h.store.SetJobInstanceState(context.Background(), next.ID, schema.JobFinished, store.Always); err != nil {
		t.Fatalf("SetJobInstanceState: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return len(h.spawner.jobs("c")) == 1 }, "live completion")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if triggered := h.instance(t, instance.ID).Status.TriggeredStages; !slices.Equal(triggered, []string{"a", "b", "c"}) {
		t.Errorf("triggered stages = %v", triggered)
	}
}

func TestRedeliveredCompletionIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t, stage("a"), stage("b", "a"))
	job := h.spawner.jobs("a")[0]

	for attempt := range 3 {
		t.Run(fmt.Sprintf("delivery-%d", attempt), func(t *testing.T) {
			h.completeJob(t, job.ID, schema.JobFinished)
			requireLaunched(t, h, "a", "b")
		})
	}
}
