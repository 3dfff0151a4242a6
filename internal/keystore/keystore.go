// Package keystore derives, holds, and uses per-user symmetric keys for
// message encryption at rest.
//
// Keys live in process memory only. After a restart they are re-derived on
// demand from a PassphraseSource, so the same user always gets the same key
// for the same passphrase and KDF settings.
//
// Ciphertexts use AES-256-GCM with a random 12-byte nonce per call. The nonce
// is returned as the IV and must be stored next to the ciphertext.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// KeySize is the derived key length (AES-256).
	KeySize = 32

	// NonceSize is the GCM nonce length returned as the IV.
	NonceSize = 12
)

// KeyStore maps user ids to derived keys. It is safe for concurrent use.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte

	kdf    KDF
	source PassphraseSource
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithKDF overrides the key derivation function.
func WithKDF(k KDF) Option {
	return func(ks *KeyStore) {
		if k != nil {
			ks.kdf = k
		}
	}
}

// WithPassphraseSource overrides how EnsureUserKey obtains passphrases.
func WithPassphraseSource(s PassphraseSource) Option {
	return func(ks *KeyStore) {
		if s != nil {
			ks.source = s
		}
	}
}

// New returns an empty KeyStore using PBKDF2 and the default passphrase
// source unless overridden.
func New(opts ...Option) *KeyStore {
	ks := &KeyStore{
		keys:   make(map[string][]byte),
		kdf:    PBKDF2{Iterations: DefaultIterations},
		source: DefaultPassphrase{},
	}
	for _, o := range opts {
		o(ks)
	}
	return ks
}

// GenerateAndStoreUserKey derives a key from password with the user id as
// salt and stores it, replacing any previous key for that user.
func (ks *KeyStore) GenerateAndStoreUserKey(userID, password string) ([]byte, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	key := ks.kdf.Derive([]byte(password), []byte(userID))

	ks.mu.Lock()
	ks.keys[userID] = key
	ks.mu.Unlock()

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// EnsureUserKey derives and stores the user's key from the passphrase
// source when no key is held yet.
func (ks *KeyStore) EnsureUserKey(userID string) error {
	if ks.HasKeyForUser(userID) {
		return nil
	}
	pass, err := ks.source.Passphrase(userID)
	if err != nil {
		return fmt.Errorf("passphrase for %s: %w", userID, err)
	}
	_, err = ks.GenerateAndStoreUserKey(userID, pass)
	return err
}

// HasKeyForUser reports whether a key is held for userID.
func (ks *KeyStore) HasKeyForUser(userID string) bool {
	ks.mu.RLock()
	_, ok := ks.keys[userID]
	ks.mu.RUnlock()
	return ok
}

// RemoveUserKey drops the in-memory key. Stored ciphertext is untouched.
func (ks *KeyStore) RemoveUserKey(userID string) {
	ks.mu.Lock()
	delete(ks.keys, userID)
	ks.mu.Unlock()
}

// Len returns the number of keys held.
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// EncryptMessage seals plaintext under the user's key and returns the
// ciphertext together with the freshly generated IV.
func (ks *KeyStore) EncryptMessage(plaintext, userID string) (ciphertext, iv []byte, err error) {
	aead, err := ks.aeadFor(userID)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return aead.Seal(nil, iv, []byte(plaintext), nil), iv, nil
}

// DecryptMessage opens ciphertext with the user's key and the IV it was
// sealed with.
func (ks *KeyStore) DecryptMessage(ciphertext, iv []byte, userID string) (string, error) {
	aead, err := ks.aeadFor(userID)
	if err != nil {
		return "", err
	}
	if len(iv) != aead.NonceSize() || len(ciphertext) < aead.Overhead() {
		return "", ErrDecryption
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

func (ks *KeyStore) aeadFor(userID string) (cipher.AEAD, error) {
	ks.mu.RLock()
	key, ok := ks.keys[userID]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, userID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
