// Package shredder implements envelope encryption for compliance payloads.
// Each record is sealed with a fresh data key; the data key is wrapped
// under a process-wide master key and stored separately. Erasure destroys
// the wrapped key, leaving the ciphertext permanently unrecoverable.
package shredder

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	dataKeySize  = 32
	gcmNonceSize = 12
	MinMasterKey = 32
	masterKeyEnv = "VERIDION_MASTER_KEY"
)

var (
	// ErrNotFound means no key record was ever written for the seal_id.
	ErrNotFound = errors.New("shredder: key record not found")
	// ErrErased means the wrapped key was destroyed; the payload is gone.
	ErrErased = errors.New("shredder: data key destroyed")
	// ErrCryptoFailure wraps key-wrap/unwrap and cipher failures. It is
	// fatal for the record in question and never degrades to plaintext.
	ErrCryptoFailure = errors.New("shredder: crypto failure")
)

type keyDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MasterKey is the immutable process-wide wrapping key. It is constructed
// once at startup and passed by value; there is no global holder.
type MasterKey struct {
	key []byte
}

// NewMasterKey validates and derives the AES-256 wrapping key from the
// configured secret. The process must refuse to start when the secret is
// missing or shorter than MinMasterKey bytes.
func NewMasterKey(raw string) (MasterKey, error) {
	if len(raw) < MinMasterKey {
		return MasterKey{}, fmt.Errorf("%s must be at least %d bytes, got %d", masterKeyEnv, MinMasterKey, len(raw))
	}
	key := make([]byte, dataKeySize)
	copy(key, raw)
	return MasterKey{key: key}, nil
}

// SealedPayload is what the gateway persists alongside the record: only
// ciphertext and nonce, never key material.
type SealedPayload struct {
	SealID     string
	Ciphertext []byte
	Nonce      []byte
}

type Shredder struct {
	DB     keyDB
	Master MasterKey
}

func New(db keyDB, master MasterKey) *Shredder {
	return &Shredder{DB: db, Master: master}
}

// Seal encrypts payload under a fresh data key with AES-256-GCM, wraps the
// data key under the master key, and persists the wrapped key for sealID.
func (s *Shredder) Seal(ctx context.Context, sealID string, payload []byte) (SealedPayload, error) {
	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return SealedPayload{}, fmt.Errorf("%w: generate data key: %v", ErrCryptoFailure, err)
	}
	nonce, ciphertext, err := encryptGCM(dek, payload)
	if err != nil {
		return SealedPayload{}, err
	}
	wrapNonce, wrappedDEK, err := encryptGCM(s.Master.key, dek)
	if err != nil {
		return SealedPayload{}, err
	}
	// wrap nonce is prepended so a single column holds both
	stored := append(wrapNonce, wrappedDEK...)
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO encryption_keys (seal_id, wrapped_data_key)
		VALUES ($1, $2)
	`, sealID, stored); err != nil {
		return SealedPayload{}, fmt.Errorf("store wrapped key: %w", err)
	}
	return SealedPayload{SealID: sealID, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Open decrypts a sealed payload. It returns ErrErased once the wrapped
// key has been destroyed and ErrNotFound when no key was ever stored.
func (s *Shredder) Open(ctx context.Context, sealID string, ciphertext, nonce []byte) ([]byte, error) {
	var stored []byte
	row := s.DB.QueryRow(ctx, `
		SELECT wrapped_data_key FROM encryption_keys WHERE seal_id=$1
	`, sealID)
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load wrapped key: %w", err)
	}
	if len(stored) == 0 {
		return nil, ErrErased
	}
	if len(stored) <= gcmNonceSize {
		return nil, fmt.Errorf("%w: wrapped key truncated", ErrCryptoFailure)
	}
	dek, err := decryptGCM(s.Master.key, stored[:gcmNonceSize], stored[gcmNonceSize:])
	if err != nil {
		return nil, err
	}
	return decryptGCM(dek, nonce, ciphertext)
}

// Erase destroys the wrapped data key for sealID. Erasing twice is a
// no-op success; erasing a seal that never existed returns ErrNotFound.
func (s *Shredder) Erase(ctx context.Context, sealID string) error {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE encryption_keys
		SET wrapped_data_key = NULL, erased_at = now()
		WHERE seal_id=$1 AND erased_at IS NULL
	`, sealID)
	if err != nil {
		return fmt.Errorf("erase key: %w", err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	row := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM encryption_keys WHERE seal_id=$1)`, sealID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("erase lookup: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func encryptGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	nonce = make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", ErrCryptoFailure, err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func decryptGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}
