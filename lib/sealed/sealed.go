// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts pipeline secrets with age (filippo.io/age).
//
// Operators seal a secret to the server's X25519 public key with
// "conveyor secret seal"; the server opens it with its identity only
// when an authenticated worker asks for it. Ciphertext is stored as
// base64 text so sealed files survive copy-paste and version control.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/conveyor/lib/fileutil"
)

// Keypair is an age X25519 keypair.
type Keypair struct {
	// PrivateKey is in AGE-SECRET-KEY-1... form. Never log it.
	PrivateKey string

	// PublicKey is in age1... form.
	PublicKey string
}

// GenerateKeypair creates a new X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	return &Keypair{
		PrivateKey: identity.String(),
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt seals plaintext to every recipient and returns base64
// ciphertext. At least one recipient is required.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt opens base64 ciphertext with privateKey.
func Decrypt(ciphertext, privateKey string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return decryptWith(ciphertext, identity)
}

func decryptWith(ciphertext string, identity age.Identity) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}

// ParsePublicKey validates an age public key.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ErrNotFound is returned by Store.Open for a secret with no sealed
// file.
var ErrNotFound = errors.New("sealed: secret not found")

var secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Store is a directory of sealed secrets, one {name}.age file each.
type Store struct {
	directory string
	identity  *age.X25519Identity
}

// OpenStore loads the identity file and returns a store over
// directory. The identity file holds the private key, optionally
// preceded by # comment lines as written by WriteIdentity.
func OpenStore(directory, identityFile string) (*Store, error) {
	data, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("reading age identity: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity %s: %w", identityFile, err)
	}
	identity, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("age identity %s is not an X25519 identity", identityFile)
	}
	return &Store{directory: directory, identity: identity}, nil
}

// WriteIdentity writes a keypair in the age identity file format.
func WriteIdentity(path string, keypair *Keypair) error {
	content := fmt.Sprintf("# public key: %s\n%s\n", keypair.PublicKey, keypair.PrivateKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	return fileutil.WriteAtomic(path, []byte(content), 0o600)
}

// PublicKey returns the recipient secrets must be sealed to.
func (s *Store) PublicKey() string { return s.identity.Recipient().String() }

// Seal encrypts plaintext to the store's own key and writes it under
// name, replacing any previous value.
func (s *Store) Seal(name string, plaintext []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	ciphertext, err := Encrypt(plaintext, []string{s.PublicKey()})
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, []byte(ciphertext+"\n"), 0o600)
}

// Open decrypts the named secret.
func (s *Store) Open(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	ciphertext, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading sealed secret %s: %w", name, err)
	}
	plaintext, err := decryptWith(string(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed secret %s: %w", name, err)
	}
	return plaintext, nil
}

func (s *Store) path(name string) (string, error) {
	if !secretNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	return filepath.Join(s.directory, name+".age"), nil
}
