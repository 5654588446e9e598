// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"
)

func TestStatusSetsAreIdempotent(t *testing.T) {
	t.Parallel()

	var status PipelineStatus
	if !status.AddFinishedStage("build") {
		t.Fatal("first AddFinishedStage returned false")
	}
	if status.AddFinishedStage("build") {
		t.Error("second AddFinishedStage returned true")
	}
	if len(status.FinishedStages) != 1 {
		t.Errorf("FinishedStages = %v, want one entry", status.FinishedStages)
	}
	if !status.MarkTriggered("deploy") || status.MarkTriggered("deploy") {
		t.Error("MarkTriggered must succeed exactly once")
	}
}

func TestPendingApprovals(t *testing.T) {
	t.Parallel()

	status := PipelineStatus{StageApprovals: []StageApproval{
		{StageID: "a", ReadyForApproval: true, HasRun: true},
	}}
	if status.PendingApprovals() {
		t.Error("approval that has run counted as pending")
	}
	status.StageApprovals = append(status.StageApprovals, StageApproval{StageID: "b", ReadyForApproval: true})
	if !status.PendingApprovals() {
		t.Error("ready approval not counted as pending")
	}
}

func TestSortedTasksIsStable(t *testing.T) {
	t.Parallel()

	group := TaskGroup{Tasks: []Task{
		{ID: "c", Order: 2},
		{ID: "a", Order: 1},
		{ID: "b", Order: 1},
	}}
	sorted := group.SortedTasks()
	var ids []string
	for _, task := range sorted {
		ids = append(ids, task.ID)
	}
	want := []string{"a", "b", "c"}
	for index := range want {
		if ids[index] != want[index] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	if group.Tasks[0].ID != "c" {
		t.Error("SortedTasks mutated the group")
	}
}

func TestJobStateTerminal(t *testing.T) {
	t.Parallel()

	for _, state := range []JobState{JobFinished, JobFailed, JobCancelled} {
		if !state.IsTerminal() {
			t.Errorf("%s should be terminal", state)
		}
	}
	for _, state := range []JobState{JobPending, JobBuilding, JobFrozen} {
		if state.IsTerminal() {
			t.Errorf("%s should not be terminal", state)
		}
	}
}
