// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads configuration for the conveyor server.
//
// Configuration is a single YAML file named by:
//   - the --config flag, or
//   - the CONVEYOR_CONFIG environment variable
//
// There is no discovery and no search path. Default supplies a value
// for every field before the file is unmarshaled, so the file only
// needs to name what differs.
//
// The file may carry development and production sections whose
// non-empty fields override the base values when the top-level
// environment matches. Path fields may reference ${VAR} and
// ${VAR:-default}; ${CONVEYOR_ROOT} expands to paths.root.
package config
