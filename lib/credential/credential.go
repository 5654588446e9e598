// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential issues the one-time bearer tokens that scope a
// worker to its job instance.
//
// A token is 32 random bytes, base64url encoded. Only a keyed BLAKE3
// digest of the token is persisted; the digest key is derived from
// the server's master secret with HKDF-SHA256, so a leaked database
// does not yield usable tokens and digests from one deployment are
// meaningless in another. Tokens live until the lifecycle controller
// revokes them during finalization.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/fileutil"
)

const (
	// TokenSize is the number of random bytes in a token.
	TokenSize = 32

	// MasterSecretSize is the size of the master secret file.
	MasterSecretSize = 32

	digestInfo = "conveyor credential digest v1"
)

var (
	// ErrInvalid is returned by Verify for unknown or revoked tokens.
	ErrInvalid = errors.New("credential: invalid token")

	// ErrNotFound is returned by a Store lookup that matched nothing.
	ErrNotFound = errors.New("credential: not found")
)

// Record is a persisted credential.
type Record struct {
	Digest        string
	JobInstanceID string
	IssuedAt      time.Time
}

// Store persists credential digests.
type Store interface {
	PutCredential(ctx context.Context, record Record) error

	// LookupCredential returns ErrNotFound (possibly wrapped) when no
	// record has the digest.
	LookupCredential(ctx context.Context, digest string) (Record, error)

	DeleteCredentials(ctx context.Context, jobInstanceID string) error
}

// Issuer issues, verifies, and revokes tokens.
type Issuer struct {
	key   [32]byte
	store Store
	clock clock.Clock
}

// NewIssuer derives the digest key from masterSecret.
func NewIssuer(masterSecret []byte, store Store, clk clock.Clock) (*Issuer, error) {
	if len(masterSecret) < MasterSecretSize {
		return nil, fmt.Errorf("credential: master secret must be at least %d bytes", MasterSecretSize)
	}
	if clk == nil {
		clk = clock.Real()
	}
	issuer := &Issuer{store: store, clock: clk}
	reader := hkdf.New(sha256.New, masterSecret, nil, []byte(digestInfo))
	if _, err := io.ReadFull(reader, issuer.key[:]); err != nil {
		return nil, fmt.Errorf("credential: deriving digest key: %w", err)
	}
	return issuer, nil
}

// Issue creates a token for jobInstanceID and persists its digest.
// The token itself is returned once and never stored.
func (i *Issuer) Issue(ctx context.Context, jobInstanceID string) (string, error) {
	raw := make([]byte, TokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("credential: generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	record := Record{
		Digest:        i.digest(token),
		JobInstanceID: jobInstanceID,
		IssuedAt:      i.clock.Now(),
	}
	if err := i.store.PutCredential(ctx, record); err != nil {
		return "", fmt.Errorf("credential: persisting: %w", err)
	}
	return token, nil
}

// Verify returns the job instance the token was issued for.
func (i *Issuer) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalid
	}
	digest := i.digest(token)
	record, err := i.store.LookupCredential(ctx, digest)
	if errors.Is(err, ErrNotFound) {
		return "", ErrInvalid
	}
	if err != nil {
		return "", fmt.Errorf("credential: lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(record.Digest), []byte(digest)) != 1 {
		return "", ErrInvalid
	}
	return record.JobInstanceID, nil
}

// Revoke deletes every token issued for jobInstanceID. Revoking a job
// instance with no tokens is not an error.
func (i *Issuer) Revoke(ctx context.Context, jobInstanceID string) error {
	if err := i.store.DeleteCredentials(ctx, jobInstanceID); err != nil {
		return fmt.Errorf("credential: revoking %s: %w", jobInstanceID, err)
	}
	return nil
}

func (i *Issuer) digest(token string) string {
	hasher, err := blake3.NewKeyed(i.key[:])
	if err != nil {
		panic("credential: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}

// LoadOrCreateMasterSecret reads the master secret at path, creating
// a random one with mode 0600 when the file does not exist.
func LoadOrCreateMasterSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) < MasterSecretSize {
			return nil, fmt.Errorf("credential: master secret %s is truncated", path)
		}
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("credential: reading master secret: %w", err)
	}

	secret = make([]byte, MasterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("credential: generating master secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credential: creating master secret directory: %w", err)
	}
	if err := fileutil.WriteAtomic(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("credential: writing master secret: %w", err)
	}
	return secret, nil
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) PutCredential(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Digest] = record
	return nil
}

func (m *MemoryStore) LookupCredential(_ context.Context, digest string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[digest]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (m *MemoryStore) DeleteCredentials(_ context.Context, jobInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for digest, record := range m.records {
		if record.JobInstanceID == jobInstanceID {
			delete(m.records, digest)
		}
	}
	return nil
}

// Len returns the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
