package keystore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 work factor.
const DefaultIterations = 10000

// KDF derives a KeySize-byte key from a password and salt.
type KDF interface {
	Derive(password, salt []byte) []byte
}

// PBKDF2 is PBKDF2-HMAC-SHA256.
type PBKDF2 struct {
	Iterations int
}

// Derive implements KDF.
func (k PBKDF2) Derive(password, salt []byte) []byte {
	iter := k.Iterations
	if iter <= 0 {
		iter = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iter, KeySize, sha256.New)
}

// Argon2id is the memory-hard alternative. Zero fields take the RFC 9106
// second recommended parameters.
type Argon2id struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// Derive implements KDF.
func (k Argon2id) Derive(password, salt []byte) []byte {
	t, m, p := k.Time, k.Memory, k.Threads
	if t == 0 {
		t = 3
	}
	if m == 0 {
		m = 64 * 1024
	}
	if p == 0 {
		p = 4
	}
	return argon2.IDKey(password, salt, t, m, p, KeySize)
}

// KDFByName maps a config value to a KDF.
func KDFByName(name string, iterations int) (KDF, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pbkdf2":
		return PBKDF2{Iterations: iterations}, nil
	case "argon2id", "argon2":
		return Argon2id{}, nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", name)
	}
}

// PassphraseSource supplies the password a user's key is derived from.
type PassphraseSource interface {
	Passphrase(userID string) (string, error)
}

// DefaultPassphrase reproduces the legacy scheme, where every user's key is
// derived from "default_password_<userID>". Anyone who knows a user id can
// derive the key; use SecretPassphrase for new deployments.
type DefaultPassphrase struct{}

// Passphrase implements PassphraseSource.
func (DefaultPassphrase) Passphrase(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}
	return "default_password_" + userID, nil
}

// SecretPassphrase derives passphrases as HMAC-SHA256(secret, userID).
type SecretPassphrase struct {
	Secret []byte
}

// Passphrase implements PassphraseSource.
func (s SecretPassphrase) Passphrase(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}
	if len(s.Secret) == 0 {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
