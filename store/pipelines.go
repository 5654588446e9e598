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

// PutPipeline stores a definition, replacing any previous version.
// The stored version is one past the previous one; the Version field
// of the argument is ignored and overwritten.
func (s *Store) PutPipeline(ctx context.Context, pipeline *schema.Pipeline) (int, error) {
	if pipeline.ID == "" {
		return 0, fmt.Errorf("store: pipeline has no id")
	}
	var version int
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		version = 1
		err := sqlitex.Execute(conn, "SELECT version FROM pipelines WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{pipeline.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt(0) + 1
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("store: reading pipeline version: %w", err)
		}
		pipeline.Version = version
		definition, err := encode(pipeline)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			INSERT INTO pipelines (id, version, definition, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				version = excluded.version,
				definition = excluded.definition,
				updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{pipeline.ID, version, definition, s.now()}})
	})
	if err != nil {
		return 0, fmt.Errorf("store: putting pipeline %s: %w", pipeline.ID, err)
	}
	return version, nil
}

// GetPipeline returns the current definition.
func (s *Store) GetPipeline(ctx context.Context, id string) (*schema.Pipeline, error) {
	var pipeline *schema.Pipeline
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		pipeline, err = queryOne[schema.Pipeline](conn, "pipeline", id,
			"SELECT definition FROM pipelines WHERE id = ?", id)
		return err
	})
	return pipeline, err
}

// CreatePipelineInstance inserts a new instance. The id must be
// unused.
func (s *Store) CreatePipelineInstance(ctx context.Context, instance *schema.PipelineInstance) error {
	document, err := encode(instance)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT INTO pipeline_instances (id, pipeline_id, document, created_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{instance.ID, instance.PipelineID, document, formatTime(instance.CreatedAt)}})
	})
	if err != nil {
		return fmt.Errorf("store: creating pipeline instance %s: %w", instance.ID, err)
	}
	return nil
}

// GetPipelineInstance returns one instance.
func (s *Store) GetPipelineInstance(ctx context.Context, id string) (*schema.PipelineInstance, error) {
	var instance *schema.PipelineInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		instance, err = queryOne[schema.PipelineInstance](conn, "pipeline instance", id,
			"SELECT document FROM pipeline_instances WHERE id = ?", id)
		return err
	})
	return instance, err
}

// ListPipelineInstances returns a pipeline's instances, newest first.
func (s *Store) ListPipelineInstances(ctx context.Context, pipelineID string) ([]schema.PipelineInstance, error) {
	var instances []schema.PipelineInstance
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		instances, err = queryDocuments[schema.PipelineInstance](conn,
			"SELECT document FROM pipeline_instances WHERE pipeline_id = ? ORDER BY created_at DESC", pipelineID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing instances of %s: %w", pipelineID, err)
	}
	return instances, nil
}

// UpdatePipelineInstance reads the instance, applies mutate, and
// writes the result, all in one IMMEDIATE transaction. If mutate
// returns an error nothing is written and the error is returned
// unchanged. Returns the instance as written.
func (s *Store) UpdatePipelineInstance(ctx context.Context, id string, mutate func(*schema.PipelineInstance) error) (*schema.PipelineInstance, error) {
	var instance *schema.PipelineInstance
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		var err error
		instance, err = queryOne[schema.PipelineInstance](conn, "pipeline instance", id,
			"SELECT document FROM pipeline_instances WHERE id = ?", id)
		if err != nil {
			return err
		}
		if err := mutate(instance); err != nil {
			return err
		}
		document, err := encode(instance)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, "UPDATE pipeline_instances SET document = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{document, id}})
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}
