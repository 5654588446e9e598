// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Transition selects how SetJobInstanceState treats the current state.
type Transition int

const (
	// Always writes the new state.
	Always Transition = iota

	// UnlessTerminal writes the new state only when the current state
	// is not terminal. The lifecycle controller uses it so a worker's
	// own final report is never overwritten.
	UnlessTerminal
)

// CreateJobInstance inserts a new job instance and publishes it.
func (s *Store) CreateJobInstance(ctx context.Context, job *schema.JobInstance) error {
	now := s.clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = schema.JobPending
	}
	document, err := encode(job)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO job_instances (id, pipeline_instance_id, stage_id, state, document, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				job.ID, job.PipelineInstanceID, job.StageID, string(job.State), document, formatTime(now),
			}})
	})
	if err != nil {
		return fmt.Errorf("store: creating job instance %s: %w", job.ID, err)
	}
	s.publish(*job)
	return nil
}

// GetJobInstance returns one job instance.
func (s *Store) GetJobInstance(ctx context.Context, id string) (*schema.JobInstance, error) {
	var job *schema.JobInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = queryOne[schema.JobInstance](conn, "job instance", id,
			"SELECT document FROM job_instances WHERE id = ?", id)
		return err
	})
	return job, err
}

// ListJobInstances returns every job instance of a pipeline instance
// in creation order. A non-empty stageID restricts the result to that
// stage.
func (s *Store) ListJobInstances(ctx context.Context, pipelineInstanceID, stageID string) ([]schema.JobInstance, error) {
	query := "SELECT document FROM job_instances WHERE pipeline_instance_id = ? ORDER BY rowid"
	args := []any{pipelineInstanceID}
	if stageID != "" {
		query = "SELECT document FROM job_instances WHERE pipeline_instance_id = ? AND stage_id = ? ORDER BY rowid"
		args = append(args, stageID)
	}
	var jobs []schema.JobInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		jobs, err = queryDocuments[schema.JobInstance](conn, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing job instances of %s: %w", pipelineInstanceID, err)
	}
	return jobs, nil
}

// ListActiveJobInstances returns every job instance that is not in a
// terminal state.
func (s *Store) ListActiveJobInstances(ctx context.Context) ([]schema.JobInstance, error) {
	var jobs []schema.JobInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		jobs, err = queryDocuments[schema.JobInstance](conn,
			"SELECT document FROM job_instances WHERE state NOT IN (?, ?, ?) ORDER BY rowid",
			string(schema.JobFinished), string(schema.JobFailed), string(schema.JobCancelled))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing active job instances: %w", err)
	}
	return jobs, nil
}

// SetJobInstanceState changes a job instance's state. Reports whether
// the state was written; with UnlessTerminal a terminal instance is
// left alone and false is returned. Returns the instance as stored
// after the call. A write that does not change the state is a no-op
// and is not published.
func (s *Store) SetJobInstanceState(ctx context.Context, id string, state schema.JobState, transition Transition) (bool, *schema.JobInstance, error) {
	if !state.Valid() {
		return false, nil, fmt.Errorf("store: invalid job state %q", state)
	}
	var changed bool
	job, err := s.updateJob(ctx, id, func(job *schema.JobInstance) bool {
		if transition == UnlessTerminal && job.State.IsTerminal() {
			return false
		}
		if job.State == state {
			return false
		}
		job.State = state
		changed = true
		return true
	})
	if err != nil {
		return false, nil, err
	}
	return changed, job, nil
}

// UpdateJobInstance applies mutate to a job instance. mutate reports
// whether it changed anything; if not, nothing is written.
func (s *Store) UpdateJobInstance(ctx context.Context, id string, mutate func(*schema.JobInstance) bool) (*schema.JobInstance, error) {
	return s.updateJob(ctx, id, mutate)
}

func (s *Store) updateJob(ctx context.Context, id string, mutate func(*schema.JobInstance) bool) (*schema.JobInstance, error) {
	var job *schema.JobInstance
	var written bool
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		job, err = queryOne[schema.JobInstance](conn, "job instance", id,
			"SELECT document FROM job_instances WHERE id = ?", id)
		if err != nil {
			return err
		}
		if !mutate(job) {
			return nil
		}
		now := s.clock.Now()
		job.UpdatedAt = now
		document, err := encode(job)
		if err != nil {
			return err
		}
		written = true
		return sqlitex.Execute(conn,
			"UPDATE job_instances SET state = ?, document = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(job.State), document, formatTime(now), id}})
	})
	if err != nil {
		return nil, err
	}
	if written {
		s.publish(*job)
	}
	return job, nil
}

// MarkCompletionProcessed records that the completion of a job
// instance has been handled. Reports true for the first caller only;
// the check and the insert are one statement.
func (s *Store) MarkCompletionProcessed(ctx context.Context, jobInstanceID string) (bool, error) {
	var inserted bool
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO processed_completions (job_instance_id, processed_at) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{jobInstanceID, s.now()}})
		if err != nil {
			return err
		}
		inserted = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: marking %s processed: %w", jobInstanceID, err)
	}
	return inserted, nil
}

// ListUnprocessedCompletions returns terminal job instances whose
// completion has not been marked processed, oldest first. The cascade
// replays these on startup.
func (s *Store) ListUnprocessedCompletions(ctx context.Context) ([]schema.JobInstance, error) {
	var jobs []schema.JobInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		jobs, err = queryDocuments[schema.JobInstance](conn, `
			SELECT document FROM job_instances
			WHERE state IN (?, ?, ?)
			AND id NOT IN (SELECT job_instance_id FROM processed_completions)
			ORDER BY updated_at, rowid`,
			string(schema.JobFinished), string(schema.JobFailed), string(schema.JobCancelled))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing unprocessed completions: %w", err)
	}
	return jobs, nil
}
