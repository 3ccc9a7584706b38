// Package secrets protects per-account session material at rest.
//
// A master key is obtained from one of two interchangeable key backends
// (plain file or OS keychain) and used for authenticated encryption of
// session blobs. Decryption only ever happens inside this package; callers
// get plaintext on the call stack and nothing else.
package secrets

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the master key length in bytes.
	KeySize = chacha20poly1305.KeySize

	// SchemeXChaCha identifies the only sealing scheme currently written.
	SchemeXChaCha = "xchacha20poly1305"

	keyIDSize = 8
)

var (
	// ErrCorrupt means the blob failed authentication or is malformed.
	// Open never returns garbage plaintext.
	ErrCorrupt = errors.New("secrets: blob corrupt")
	// ErrWrongKey means the blob was sealed under a different master key
	// (key rotation or a replaced key file).
	ErrWrongKey = errors.New("secrets: sealed with a different key")
	// ErrNotFound means no blob is stored for the account.
	ErrNotFound = errors.New("secrets: no blob for account")
	// ErrInsecure means the plain key backend is in use without the
	// operator's explicit opt-in.
	ErrInsecure = errors.New("secrets: plain key storage requires accept_plain_secrets_insecure = true")
	// ErrKeychainUnavailable means the OS secret service cannot be reached.
	ErrKeychainUnavailable = errors.New("secrets: keychain unavailable")
	// ErrKeychainDenied means the OS secret service refused access.
	ErrKeychainDenied = errors.New("secrets: keychain access denied")
)

// MasterKey is the key protecting all sealed blobs. It never leaves this
// package except through a KeyBackend storing it.
type MasterKey [KeySize]byte

// NewMasterKey generates a random key.
func NewMasterKey() (MasterKey, error) {
	var k MasterKey
	if _, err := rand.Read(k[:]); err != nil {
		return MasterKey{}, fmt.Errorf("secrets: generating key: %w", err)
	}
	return k, nil
}

func (k MasterKey) fingerprint() []byte {
	sum := sha256.Sum256(k[:])
	return sum[:keyIDSize]
}

// KeyBackend obtains (and on first use creates) the master key.
type KeyBackend interface {
	Name() string
	Unlock() (MasterKey, error)
}

// Blob is sealed session material plus the metadata needed to refuse it
// safely: scheme id and a fingerprint of the sealing key.
type Blob struct {
	Scheme string
	KeyID  []byte
	Nonce  []byte
	Data   []byte
}

// BlobStore persists sealed blobs per account. Implementations never see
// plaintext.
type BlobStore interface {
	PutBlob(ctx context.Context, email string, b Blob) error
	GetBlob(ctx context.Context, email string) (Blob, bool, error)
	DeleteBlob(ctx context.Context, email string) error
}

// Store seals and opens account session blobs under the backend's master key.
// Safe for concurrent use; the key is read-mostly and only mutated by Rotate.
type Store struct {
	blobs BlobStore

	mu    sync.RWMutex
	key   MasterKey
	keyID []byte
}

// Open unlocks the key backend and returns a ready store.
func Open(kb KeyBackend, blobs BlobStore) (*Store, error) {
	key, err := kb.Unlock()
	if err != nil {
		return nil, fmt.Errorf("secrets: unlock %s backend: %w", kb.Name(), err)
	}
	return &Store{blobs: blobs, key: key, keyID: key.fingerprint()}, nil
}

// Seal encrypts plaintext into a Blob.
func (s *Store) Seal(plaintext []byte) (Blob, error) {
	s.mu.RLock()
	key := s.key
	keyID := s.keyID
	s.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return Blob{}, fmt.Errorf("secrets: seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Blob{}, fmt.Errorf("secrets: seal nonce: %w", err)
	}
	return Blob{
		Scheme: SchemeXChaCha,
		KeyID:  append([]byte(nil), keyID...),
		Nonce:  nonce,
		Data:   aead.Seal(nil, nonce, plaintext, keyID),
	}, nil
}

// OpenBlob decrypts a Blob. It fails ErrWrongKey when the blob was sealed
// under another key and ErrCorrupt when authentication fails.
func (s *Store) OpenBlob(b Blob) ([]byte, error) {
	if b.Scheme != SchemeXChaCha {
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrCorrupt, b.Scheme)
	}

	s.mu.RLock()
	key := s.key
	keyID := s.keyID
	s.mu.RUnlock()

	if !bytes.Equal(b.KeyID, keyID) {
		return nil, ErrWrongKey
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	if len(b.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrCorrupt, len(b.Nonce))
	}
	plaintext, err := aead.Open(nil, b.Nonce, b.Data, keyID)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plaintext, nil
}

// SaveSession seals and persists session material for an account.
func (s *Store) SaveSession(ctx context.Context, email string, plaintext []byte) error {
	b, err := s.Seal(plaintext)
	if err != nil {
		return err
	}
	return s.blobs.PutBlob(ctx, email, b)
}

// LoadSession fetches and opens the account's sealed session material.
// Returns ErrNotFound when no blob is stored.
func (s *Store) LoadSession(ctx context.Context, email string) ([]byte, error) {
	b, ok, err := s.blobs.GetBlob(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.OpenBlob(b)
}

// Purge removes the account's sealed blob. A later LoadSession fails with
// ErrNotFound rather than returning stale plaintext.
func (s *Store) Purge(ctx context.Context, email string) error {
	return s.blobs.DeleteBlob(ctx, email)
}
