// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/conveyor/lib/sealed"
)

// secretsFixture writes a server config whose secrets live in a
// temporary directory.
func secretsFixture(t *testing.T) (configPath, identityFile, directory string) {
	t.Helper()
	root := t.TempDir()
	identityFile = filepath.Join(root, "keys", "identity.txt")
	directory = filepath.Join(root, "secrets")
	configPath = filepath.Join(root, "conveyor.yaml")
	content := fmt.Sprintf("secrets:\n  identity_file: %s\n  directory: %s\n", identityFile, directory)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return configPath, identityFile, directory
}

func runSecret(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	a := newApp(context.Background(), strings.NewReader(stdin), &stdout, io.Discard)
	err := a.root().Execute(append([]string{"secret"}, args...))
	return stdout.String(), err
}

func TestSecretKeygenAndSeal(t *testing.T) {
	t.Parallel()
	configPath, identityFile, directory := secretsFixture(t)

	publicKey, err := runSecret(t, "", "keygen", "--config", configPath)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	publicKey = strings.TrimSpace(publicKey)
	if err := sealed.ParsePublicKey(publicKey); err != nil {
		t.Fatalf("keygen printed %q: %v", publicKey, err)
	}

	if _, err := runSecret(t, "", "keygen", "--config", configPath); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Errorf("second keygen: error = %v, want a refusal naming --force", err)
	}

	if _, err := runSecret(t, "hunter2\n", "seal", "DEPLOY_KEY", "--config", configPath); err != nil {
		t.Fatalf("seal: %v", err)
	}
	store, err := sealed.OpenStore(directory, identityFile)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if store.PublicKey() != publicKey {
		t.Errorf("store key %q, keygen printed %q", store.PublicKey(), publicKey)
	}
	value, err := store.Open("DEPLOY_KEY")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(value) != "hunter2" {
		t.Errorf("sealed value = %q, want hunter2 with the newline dropped", value)
	}

	printed, err := runSecret(t, "", "public-key", "--config", configPath)
	if err != nil {
		t.Fatalf("public-key: %v", err)
	}
	if strings.TrimSpace(printed) != publicKey {
		t.Errorf("public-key = %q, want %q", printed, publicKey)
	}
}

func TestSecretSealToRecipient(t *testing.T) {
	t.Parallel()

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	ciphertext, err := runSecret(t, "token-value", "seal", "API_TOKEN", "--recipient", keypair.PublicKey)
	if err != nil {
		t.Fatalf("seal --recipient: %v", err)
	}
	value, err := sealed.Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(value) != "token-value" {
		t.Errorf("decrypted %q, want token-value", value)
	}

	if _, err := runSecret(t, "token-value", "seal", "API_TOKEN", "--recipient", "not-a-key"); err == nil {
		t.Error("seal accepted an invalid recipient")
	}
}

func TestSecretSealRejectsEmptyValue(t *testing.T) {
	t.Parallel()

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if _, err := runSecret(t, "\n", "seal", "EMPTY", "--recipient", keypair.PublicKey); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("error = %v, want an empty-value error", err)
	}
}
