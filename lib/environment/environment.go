// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package environment computes the effective environment of a task.
//
// A task's environment is layered: pipeline, stage, job, task group,
// then task. Merge folds the layers so later levels override earlier
// ones by name. Resolve then replaces secret entries with their values
// through a SecretFetcher. Secrets are fetched concurrently and a
// failed fetch never fails the task: the variable is exported empty
// and the failure is logged.
package environment

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// SecretFetcher returns the plaintext value of a named secret.
type SecretFetcher interface {
	FetchSecret(ctx context.Context, name string) (string, error)
}

// SecretFetcherFunc adapts a function to SecretFetcher.
type SecretFetcherFunc func(ctx context.Context, name string) (string, error)

// FetchSecret calls f.
func (f SecretFetcherFunc) FetchSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Merge folds environment levels from outermost to innermost. A name
// defined at a later level replaces the earlier entry in place, so
// the result keeps the order in which names first appeared.
func Merge(levels ...[]schema.EnvVar) []schema.EnvVar {
	var merged []schema.EnvVar
	position := make(map[string]int)
	for _, level := range levels {
		for _, variable := range level {
			if index, exists := position[variable.Name]; exists {
				merged[index] = variable
				continue
			}
			position[variable.Name] = len(merged)
			merged = append(merged, variable)
		}
	}
	return merged
}

// Resolved is one variable after secret resolution.
type Resolved struct {
	Name  string
	Value string

	// Null is set when the variable was a secret that could not be
	// fetched. Value is empty in that case.
	Null bool
}

// Resolve fetches every secret entry in vars concurrently and returns
// the variables in input order. Non-secret entries pass through. A
// nil fetcher makes every secret resolve to null.
func Resolve(ctx context.Context, vars []schema.EnvVar, fetcher SecretFetcher, logger *slog.Logger) []Resolved {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	resolved := make([]Resolved, len(vars))
	var wg sync.WaitGroup
	for index, variable := range vars {
		resolved[index] = Resolved{Name: variable.Name, Value: variable.Value}
		if !variable.IsSecret {
			continue
		}
		if fetcher == nil {
			logger.Warn("no secret fetcher configured, exporting secret as null",
				"name", variable.Name, "secret", variable.Value)
			resolved[index] = Resolved{Name: variable.Name, Null: true}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := fetcher.FetchSecret(ctx, variable.Value)
			if err != nil {
				logger.Error("secret fetch failed, exporting as null",
					"name", variable.Name, "secret", variable.Value, "error", err)
				resolved[index] = Resolved{Name: variable.Name, Null: true}
				return
			}
			resolved[index].Value = value
		}()
	}
	wg.Wait()
	return resolved
}

// Environ renders resolved variables as NAME=value pairs appended to
// base, the form exec.Cmd.Env expects. Later entries win on duplicate
// names in the child process.
func Environ(base []string, resolved []Resolved) []string {
	result := make([]string, 0, len(base)+len(resolved))
	result = append(result, base...)
	for _, variable := range resolved {
		result = append(result, variable.Name+"="+variable.Value)
	}
	return result
}

// Lookup builds the name to value map used by Expand.
func Lookup(resolved []Resolved) map[string]string {
	values := make(map[string]string, len(resolved))
	for _, variable := range resolved {
		values[variable.Name] = variable.Value
	}
	return values
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} references in template with values from
// variables. Bare $NAME is left for the shell. Every unresolved
// reference is reported in the error.
func Expand(template string, variables map[string]string) (string, error) {
	var unresolved []string
	result := variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		if value, exists := variables[name]; exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return result, nil
}
