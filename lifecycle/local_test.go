// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/lib/fileutil"
	"github.com/bureau-foundation/conveyor/lib/testutil"
)

func newShellDriver(t *testing.T, script string) *LocalDriver {
	t.Helper()
	driver, err := NewLocalDriver(LocalConfig{
		Root:   filepath.Join(t.TempDir(), "units"),
		Binary: "/bin/sh",
		Args:   []string{"-c", script},
	})
	if err != nil {
		t.Fatalf("NewLocalDriver: %v", err)
	}
	t.Cleanup(driver.Wait)
	return driver
}

func testSpec(name string) UnitSpec {
	return UnitSpec{
		Name:    name,
		Labels:  Labels{PipelineID: "web", PipelineInstanceID: "run-1", StageID: "build", JobID: "compile", JobInstanceID: strings.TrimPrefix(name, "conveyor-")},
		Env:     []string{"GREETING=hello"},
		Payload: []byte(`{"jobInstanceId":"job-1"}`),
	}
}

// nextTerminal reads watch events until one is terminal.
func nextTerminal(t *testing.T, events <-chan Unit) Unit {
	t.Helper()
	for {
		unit := testutil.RequireReceive(t, events, 10*time.Second, "unit transition")
		if unit.Phase.IsTerminal() {
			return unit
		}
	}
}

func TestLocalDriverRunsUnitToCompletion(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, `echo "$GREETING from $CONVEYOR_PAYLOAD"; exit 3`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := driver.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := driver.Create(ctx, testSpec("conveyor-job-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	running := testutil.RequireReceive(t, events, 10*time.Second, "running transition")
	if running.Phase != PhaseRunning {
		t.Errorf("first transition = %s, want running", running.Phase)
	}

	unit := nextTerminal(t, events)
	if unit.Phase != PhaseFailed || unit.ExitCode != 3 {
		t.Errorf("terminal unit = %s exit %d, want failed exit 3", unit.Phase, unit.ExitCode)
	}
	if unit.Labels.JobInstanceID != "job-1" {
		t.Errorf("labels = %+v", unit.Labels)
	}

	got, err := driver.Get(ctx, "conveyor-job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != PhaseFailed || got.ExitCode != 3 {
		t.Errorf("Get = %s exit %d", got.Phase, got.ExitCode)
	}

	logs, err := driver.Logs(ctx, "conveyor-job-1")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	payloadPath := filepath.Join(driver.unitDir("conveyor-job-1"), payloadFile)
	if want := "hello from " + payloadPath + "\n"; string(logs) != want {
		t.Errorf("logs = %q, want %q", logs, want)
	}

	units, err := driver.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(units) != 1 || units[0].Name != "conveyor-job-1" {
		t.Errorf("List = %+v", units)
	}

	if err := driver.Delete(ctx, "conveyor-job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := driver.Get(ctx, "conveyor-job-1"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("Get after Delete = %v, want ErrUnitNotFound", err)
	}
	if err := driver.Delete(ctx, "conveyor-job-1"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("second Delete = %v, want ErrUnitNotFound", err)
	}
}

func TestLocalDriverSucceededUnit(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, "exit 0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := driver.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := driver.Create(ctx, testSpec("conveyor-job-ok")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if unit := nextTerminal(t, events); unit.Phase != PhaseSucceeded {
		t.Errorf("phase = %s, want succeeded", unit.Phase)
	}
}

func TestLocalDriverDeleteKillsRunningUnit(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, "sleep 60")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := driver.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := driver.Create(ctx, testSpec("conveyor-job-long")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	unit, err := driver.Get(ctx, "conveyor-job-long")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if unit.Phase != PhaseRunning {
		t.Fatalf("phase = %s, want running", unit.Phase)
	}

	if err := driver.Delete(ctx, "conveyor-job-long"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	killed := nextTerminal(t, events)
	if killed.ExitCode != 137 {
		t.Errorf("exit code = %d, want 137 (SIGKILL)", killed.ExitCode)
	}
}

func TestLocalDriverDeleteRemovesUnitDirectory(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, "sleep 60")
	ctx := context.Background()

	// Deleting straight after Create races the reaper writing
	// exit.json into the directory being removed.
	for attempt := range 20 {
		name := "conveyor-job-" + strings.Repeat("x", attempt+1)
		if err := driver.Create(ctx, testSpec(name)); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		if err := driver.Delete(ctx, name); err != nil {
			t.Fatalf("Delete %s: %v", name, err)
		}
		if _, err := os.Stat(driver.unitDir(name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("unit directory of %s survived Delete: %v", name, err)
		}
		if _, err := driver.Get(ctx, name); !errors.Is(err, ErrUnitNotFound) {
			t.Fatalf("Get %s after Delete: error = %v, want ErrUnitNotFound", name, err)
		}
	}
	units, err := driver.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("List after deleting everything = %d units", len(units))
	}
}

func TestLocalDriverRejectsBadNames(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, "exit 0")
	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		if err := driver.Create(context.Background(), testSpec(name)); err == nil {
			t.Errorf("Create(%q) succeeded", name)
		}
	}
}

func TestLocalDriverReportsLostUnitAsFailed(t *testing.T) {
	t.Parallel()
	driver := newShellDriver(t, "exit 0")

	// A process that is already reaped stands in for a worker that died
	// while the server was down.
	gone := exec.Command("/bin/true")
	if err := gone.Run(); err != nil {
		t.Fatalf("running /bin/true: %v", err)
	}
	dir := driver.unitDir("conveyor-job-lost")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	record := unitRecord{
		Name:   "conveyor-job-lost",
		Labels: testSpec("conveyor-job-lost").Labels,
		PID:    gone.Process.Pid,
	}
	if err := fileutil.WriteJSON(filepath.Join(dir, unitFile), record, 0o644); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	unit, err := driver.Get(context.Background(), "conveyor-job-lost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if unit.Phase != PhaseFailed || unit.ExitCode != lostExitCode {
		t.Errorf("lost unit = %s exit %d, want failed exit %d", unit.Phase, unit.ExitCode, lostExitCode)
	}
}
