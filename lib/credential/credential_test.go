// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/conveyor/lib/clock"
)

func testSecret() []byte { return bytes.Repeat([]byte{7}, MasterSecretSize) }

func TestIssueVerifyRevoke(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	issuer, err := NewIssuer(testSecret(), store, clock.Fake(time.Unix(1000, 0)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	token, err := issuer.Issue(ctx, "job-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q is not raw base64url", token)
	}

	jobInstanceID, err := issuer.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if jobInstanceID != "job-1" {
		t.Errorf("Verify = %q, want job-1", jobInstanceID)
	}

	for digest := range store.records {
		if strings.Contains(digest, token) {
			t.Error("store holds the token itself")
		}
	}

	if err := issuer.Revoke(ctx, "job-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := issuer.Verify(ctx, token); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify after revoke error = %v, want ErrInvalid", err)
	}
	if err := issuer.Revoke(ctx, "job-1"); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	first, err := NewIssuer(testSecret(), store, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	other, err := NewIssuer(bytes.Repeat([]byte{9}, MasterSecretSize), store, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	token, err := first.Issue(ctx, "job-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Verify(ctx, token); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify with a different master secret = %v, want ErrInvalid", err)
	}
	if _, err := first.Verify(ctx, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify(\"\") = %v, want ErrInvalid", err)
	}
}

func TestRevokeScopedToJobInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	issuer, err := NewIssuer(testSecret(), store, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	keep, _ := issuer.Issue(ctx, "job-keep")
	issuer.Issue(ctx, "job-drop")
	if err := issuer.Revoke(ctx, "job-drop"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("store has %d records, want 1", store.Len())
	}
	if _, err := issuer.Verify(ctx, keep); err != nil {
		t.Errorf("Verify(keep): %v", err)
	}
}

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewIssuer([]byte("short"), NewMemoryStore(), nil); err == nil {
		t.Error("NewIssuer accepted a short master secret")
	}
}

func TestLoadOrCreateMasterSecret(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "master.key")
	created, err := LoadOrCreateMasterSecret(path)
	if err != nil {
		t.Fatalf("LoadOrCreateMasterSecret: %v", err)
	}
	loaded, err := LoadOrCreateMasterSecret(path)
	if err != nil {
		t.Fatalf("LoadOrCreateMasterSecret (reload): %v", err)
	}
	if !bytes.Equal(created, loaded) {
		t.Error("reloaded secret differs from created secret")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}
