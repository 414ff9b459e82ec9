// Package crypto implements passphrase-derived keys and AEAD sealing for
// secrets kept on local disk.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters (tuned for interactive unlock on a workstation).
const (
	SaltLen = 16
	KeyLen  = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
)

// ErrCiphertextTooShort is returned when a sealed blob cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a master key from passphrase and salt using Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveSubKey derives a per-entry key via HKDF-SHA256 using info as context.
func DeriveSubKey(master, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts plaintext with XChaCha20-Poly1305; output is nonce||ciphertext.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal. aad must match the value used when sealing.
func Open(key, aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], aad)
}
