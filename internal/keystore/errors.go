package keystore

import "errors"

var (
	// ErrKeyNotFound is returned when no key is stored for the user.
	ErrKeyNotFound = errors.New("encryption key not found for user")

	// ErrDecryption is returned when ciphertext and IV do not authenticate
	// under the stored key (truncated, tampered, or wrong key).
	ErrDecryption = errors.New("decryption failed")

	// ErrEmptyUserID is returned when a key operation is asked for a blank user id.
	ErrEmptyUserID = errors.New("user id is empty")

	// ErrEmptySecret is returned by SecretPassphrase when no secret is set.
	ErrEmptySecret = errors.New("server secret is empty")
)
