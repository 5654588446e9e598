// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the
// conveyor store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers
// [Pool.Take] a connection, do their work, and [Pool.Put] it back, or
// use [Pool.With] which does both. Connections are not safe for
// concurrent use.
//
// Every connection is prepared with:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=NORMAL: commits survive a process crash.
//   - busy_timeout=5000: writers wait for the lock instead of failing
//     with SQLITE_BUSY.
//   - foreign_keys=ON
//   - temp_store=MEMORY
//
// # Migrations
//
// Config.Migrations is an ordered list of SQL scripts. Open applies
// every script past the database's PRAGMA user_version inside one
// IMMEDIATE transaction and advances user_version to the list length.
// Scripts are append-only: never edit one that has shipped.
package sqlitepool
