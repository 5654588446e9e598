// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/fileutil"
)

// Files in each local unit directory.
const (
	unitFile    = "unit.json"
	exitFile    = "exit.json"
	outputFile  = "output.log"
	payloadFile = "payload.json"
)

// lostExitCode is recorded for a unit whose process is gone without
// an exit record (it outlived a server that then restarted, and died
// unobserved).
const lostExitCode = -1

type unitRecord struct {
	Name      string    `json:"name"`
	Labels    Labels    `json:"labels"`
	Image     string    `json:"image,omitempty"`
	CPU       string    `json:"cpu,omitempty"`
	Memory    string    `json:"memory,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type exitRecord struct {
	ExitCode   int       `json:"exitCode"`
	FinishedAt time.Time `json:"finishedAt"`
}

// LocalConfig holds the parameters for NewLocalDriver.
type LocalConfig struct {
	// Root holds one directory per unit.
	Root string

	// Binary is the worker executable.
	Binary string

	// Args are passed to every worker.
	Args []string

	Clock  clock.Clock
	Logger *slog.Logger
}

// LocalDriver runs workers as local subprocesses, each in its own
// process group. State lives in the unit directory, so a restarted
// server rediscovers its units by listing Root.
type LocalDriver struct {
	root   string
	binary string
	args   []string
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[chan Unit]struct{}
	// reaping holds, per unit started by this process, a channel
	// closed once its exit is recorded.
	reaping map[string]chan struct{}
	exits   sync.WaitGroup
}

// NewLocalDriver creates Root if needed and returns a driver.
func NewLocalDriver(cfg LocalConfig) (*LocalDriver, error) {
	if cfg.Root == "" {
		return nil, errors.New("lifecycle: local driver needs a root directory")
	}
	if cfg.Binary == "" {
		return nil, errors.New("lifecycle: local driver needs a worker binary")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: creating unit root: %w", err)
	}
	driver := &LocalDriver{
		root:     cfg.Root,
		binary:   cfg.Binary,
		args:     cfg.Args,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		watchers: make(map[chan Unit]struct{}),
		reaping:  make(map[string]chan struct{}),
	}
	if driver.clock == nil {
		driver.clock = clock.Real()
	}
	if driver.logger == nil {
		driver.logger = slog.New(slog.DiscardHandler)
	}
	return driver, nil
}

func (d *LocalDriver) unitDir(name string) string { return filepath.Join(d.root, name) }

// Create implements Driver.
func (d *LocalDriver) Create(ctx context.Context, spec UnitSpec) error {
	if spec.Name == "" || spec.Name != filepath.Base(spec.Name) || spec.Name[0] == '.' {
		return fmt.Errorf("lifecycle: invalid unit name %q", spec.Name)
	}
	dir := d.unitDir(spec.Name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("lifecycle: creating unit %s: %w", spec.Name, err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	payloadPath := filepath.Join(dir, payloadFile)
	if err := fileutil.WriteAtomic(payloadPath, spec.Payload, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("lifecycle: writing payload for %s: %w", spec.Name, err)
	}
	output, err := os.OpenFile(filepath.Join(dir, outputFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		cleanup()
		return fmt.Errorf("lifecycle: creating output log for %s: %w", spec.Name, err)
	}

	cmd := exec.Command(d.binary, d.args...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), spec.Env...), EnvPayload+"="+payloadPath)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		output.Close()
		cleanup()
		return fmt.Errorf("lifecycle: starting unit %s: %w", spec.Name, err)
	}

	record := unitRecord{
		Name:      spec.Name,
		Labels:    spec.Labels,
		Image:     spec.Image,
		CPU:       spec.CPU,
		Memory:    spec.Memory,
		PID:       cmd.Process.Pid,
		StartedAt: d.clock.Now(),
	}
	if err := fileutil.WriteJSON(filepath.Join(dir, unitFile), record, 0o644); err != nil {
		unix.Kill(-record.PID, unix.SIGKILL)
		cmd.Wait()
		output.Close()
		cleanup()
		return fmt.Errorf("lifecycle: recording unit %s: %w", spec.Name, err)
	}
	d.logger.Info("unit started", "unit", spec.Name, "pid", record.PID, "job_instance_id", spec.Labels.JobInstanceID)
	d.notify(Unit{Name: spec.Name, Labels: spec.Labels, Phase: PhaseRunning, StartedAt: record.StartedAt})

	reaped := make(chan struct{})
	d.mu.Lock()
	d.reaping[spec.Name] = reaped
	d.mu.Unlock()

	d.exits.Add(1)
	go func() {
		defer d.exits.Done()
		waitErr := cmd.Wait()
		output.Close()
		exit := exitRecord{ExitCode: cmd.ProcessState.ExitCode(), FinishedAt: d.clock.Now()}
		if exit.ExitCode < 0 {
			// Killed by a signal.
			exit.ExitCode = 128 + int(unix.SIGKILL)
			if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				exit.ExitCode = 128 + int(status.Signal())
			}
		}
		if err := fileutil.WriteJSON(filepath.Join(dir, exitFile), exit, 0o644); err != nil {
			// The unit directory is gone.
			d.logger.Debug("recording unit exit failed", "unit", spec.Name, "error", err)
		}
		d.mu.Lock()
		if d.reaping[spec.Name] == reaped {
			delete(d.reaping, spec.Name)
		}
		d.mu.Unlock()
		close(reaped)
		d.logger.Info("unit exited", "unit", spec.Name, "exit_code", exit.ExitCode, "wait_error", waitErr)
		d.notify(unitFromRecords(record, &exit))
	}()
	return nil
}

func unitFromRecords(record unitRecord, exit *exitRecord) Unit {
	unit := Unit{
		Name:      record.Name,
		Labels:    record.Labels,
		Phase:     PhaseRunning,
		StartedAt: record.StartedAt,
	}
	if exit != nil {
		unit.ExitCode = exit.ExitCode
		unit.FinishedAt = exit.FinishedAt
		unit.Phase = PhaseFailed
		if exit.ExitCode == 0 {
			unit.Phase = PhaseSucceeded
		}
	}
	return unit
}

// Get implements Driver.
func (d *LocalDriver) Get(ctx context.Context, name string) (Unit, error) {
	dir := d.unitDir(name)
	var record unitRecord
	if err := fileutil.ReadJSON(filepath.Join(dir, unitFile), &record); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Unit{}, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
		}
		return Unit{}, fmt.Errorf("lifecycle: reading unit %s: %w", name, err)
	}

	var exit exitRecord
	err := fileutil.ReadJSON(filepath.Join(dir, exitFile), &exit)
	switch {
	case err == nil:
		return unitFromRecords(record, &exit), nil
	case !errors.Is(err, os.ErrNotExist):
		return Unit{}, fmt.Errorf("lifecycle: reading exit of %s: %w", name, err)
	}

	if processAlive(record.PID) {
		return unitFromRecords(record, nil), nil
	}
	// Re-check: the exit record may have landed between the two reads.
	if err := fileutil.ReadJSON(filepath.Join(dir, exitFile), &exit); err == nil {
		return unitFromRecords(record, &exit), nil
	}
	return unitFromRecords(record, &exitRecord{ExitCode: lostExitCode, FinishedAt: d.clock.Now()}), nil
}

// processAlive sends signal 0 to pid. EPERM means the process
// exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// List implements Driver. Directories without a unit record (a unit
// mid-creation) are skipped.
func (d *LocalDriver) List(ctx context.Context) ([]Unit, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: listing units: %w", err)
	}
	var units []Unit
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		unit, err := d.Get(ctx, entry.Name())
		if errors.Is(err, ErrUnitNotFound) {
			continue
		}
		if err != nil {
			d.logger.Warn("skipping unreadable unit", "unit", entry.Name(), "error", err)
			continue
		}
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].StartedAt.Before(units[j].StartedAt) })
	return units, nil
}

// Watch implements Driver. Only transitions of units started by this
// driver instance are delivered; the sweep covers the rest.
func (d *LocalDriver) Watch(ctx context.Context) (<-chan Unit, error) {
	events := make(chan Unit, 64)
	d.mu.Lock()
	d.watchers[events] = struct{}{}
	d.mu.Unlock()

	context.AfterFunc(ctx, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.watchers[events]; ok {
			delete(d.watchers, events)
			close(events)
		}
	})
	return events, nil
}

// notify delivers a transition to every watcher. A watcher too slow
// to keep up is dropped; it re-enters the watch and the sweep catches
// what it missed.
func (d *LocalDriver) notify(unit Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for events := range d.watchers {
		select {
		case events <- unit:
		default:
			d.logger.Warn("unit watcher fell behind, dropping it")
			delete(d.watchers, events)
			close(events)
		}
	}
}

// Logs implements Driver.
func (d *LocalDriver) Logs(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.unitDir(name), outputFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: reading logs of %s: %w", name, err)
	}
	return data, nil
}

// Delete implements Driver. A running unit's process group is killed
// first, and a unit started by this driver is removed only after its
// exit is recorded. Waiting for that is bounded by ctx.
func (d *LocalDriver) Delete(ctx context.Context, name string) error {
	dir := d.unitDir(name)
	var record unitRecord
	if err := fileutil.ReadJSON(filepath.Join(dir, unitFile), &record); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrUnitNotFound, name)
		}
		return fmt.Errorf("lifecycle: reading unit %s: %w", name, err)
	}
	if _, err := os.Stat(filepath.Join(dir, exitFile)); errors.Is(err, os.ErrNotExist) && processAlive(record.PID) {
		if err := unix.Kill(-record.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			d.logger.Warn("killing unit failed", "unit", name, "pid", record.PID, "error", err)
		}
	}
	d.mu.Lock()
	reaped := d.reaping[name]
	d.mu.Unlock()
	if reaped != nil {
		select {
		case <-reaped:
		case <-ctx.Done():
			return fmt.Errorf("lifecycle: waiting for unit %s to exit: %w", name, ctx.Err())
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("lifecycle: removing unit %s: %w", name, err)
	}
	d.logger.Info("unit deleted", "unit", name)
	return nil
}

// Wait blocks until every process this driver started has been
// reaped.
func (d *LocalDriver) Wait() {
	d.exits.Wait()
}
