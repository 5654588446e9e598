// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipelinedef parses and validates conveyor pipeline
// definitions.
//
// Definitions are authored on disk in one of three formats, chosen by
// file extension:
//
//   - .jsonc and .json: JSON extended with comments and trailing
//     commas
//   - .yaml and .yml
//   - .toml
//
// All three decode into the same schema.Pipeline. YAML and TOML are
// first decoded to a generic tree and re-encoded as JSON, so the json
// struct tags on the schema types are the single source of field
// names for every format.
//
// The typical flow:
//
//  1. ReadFile or Parse: bytes → schema.Pipeline
//  2. Validate: structural checks; errors reject the definition,
//     warnings describe nodes that can never run
package pipelinedef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Format identifies a definition encoding.
type Format string

const (
	FormatJSONC Format = "jsonc"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
)

// FormatFromPath picks the format from a file extension. Unknown
// extensions are treated as JSONC.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSONC
	}
}

// FormatFromContentType maps an HTTP Content-Type to a format.
// Anything unrecognised is treated as JSONC.
func FormatFromContentType(contentType string) Format {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return FormatYAML
	case "application/toml", "text/toml":
		return FormatTOML
	default:
		return FormatJSONC
	}
}

// ContentType returns the media type the API expects for format.
func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatTOML:
		return "application/toml"
	default:
		return "application/json"
	}
}

// Parse decodes a definition in the given format.
func Parse(data []byte, format Format) (*schema.Pipeline, error) {
	var jsonData []byte
	switch format {
	case FormatJSONC, "":
		jsonData = jsonc.ToJSON(data)
	case FormatYAML:
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parsing pipeline yaml: %w", err)
		}
		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("converting pipeline yaml: %w", err)
		}
		jsonData = converted
	case FormatTOML:
		var tree map[string]any
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&tree); err != nil {
			return nil, fmt.Errorf("parsing pipeline toml: %w", err)
		}
		converted, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("converting pipeline toml: %w", err)
		}
		jsonData = converted
	default:
		return nil, fmt.Errorf("unknown pipeline format %q", format)
	}

	var pipeline schema.Pipeline
	if err := json.Unmarshal(jsonData, &pipeline); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &pipeline, nil
}

// ReadFile reads and parses a definition file. When the definition
// has no id, the file name without extension is used.
func ReadFile(path string) (*schema.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	pipeline, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pipeline.ID == "" {
		pipeline.ID = NameFromPath(path)
	}
	return pipeline, nil
}

// NameFromPath strips the directory and extension from path:
// "ci/release.yaml" becomes "release".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
