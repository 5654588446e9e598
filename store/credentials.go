// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/conveyor/lib/credential"
)

// PutCredential stores a credential digest.
func (s *Store) PutCredential(ctx context.Context, record credential.Record) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO credentials (digest, job_instance_id, issued_at) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{record.Digest, record.JobInstanceID, formatTime(record.IssuedAt)}})
	})
}

// LookupCredential finds a credential by digest. Returns an error
// wrapping credential.ErrNotFound when there is none.
func (s *Store) LookupCredential(ctx context.Context, digest string) (credential.Record, error) {
	var record credential.Record
	var found bool
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT digest, job_instance_id, issued_at FROM credentials WHERE digest = ?",
			&sqlitex.ExecOptions{
				Args: []any{digest},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = credential.Record{
						Digest:        stmt.ColumnText(0),
						JobInstanceID: stmt.ColumnText(1),
						IssuedAt:      parseTime(stmt.ColumnText(2)),
					}
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return credential.Record{}, fmt.Errorf("store: looking up credential: %w", err)
	}
	if !found {
		return credential.Record{}, credential.ErrNotFound
	}
	return record, nil
}

// DeleteCredentials removes every credential of a job instance.
func (s *Store) DeleteCredentials(ctx context.Context, jobInstanceID string) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM credentials WHERE job_instance_id = ?",
			&sqlitex.ExecOptions{Args: []any{jobInstanceID}})
	})
}
