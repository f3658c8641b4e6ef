// Package security implements the cryptographic primitives vigil is built
// on: authenticated encryption of telemetry records, slow key stretching,
// salted one-way hashing, secure token generation, and key custody helpers
// (locked memory, wiping, constant-time comparison).
//
// Plaintext handed to this package exists only for the duration of a call.
// Nothing here logs, retains, or copies caller data beyond what the
// primitive requires.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
	ErrInvalidLength       = errors.New("security: invalid length")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// KeySize is the key size used for all derived encryption keys.
const KeySize = 32 // 256 bits

// SaltSize is the salt size used by DeriveKey and Hash.
const SaltSize = 16

// Argon2id parameters. Chosen to be slow and memory-hard on interactive
// hardware; changing them invalidates previously derived keys.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// GenerateRandom fills the given slice with cryptographically secure
// random bytes.
func GenerateRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// GenerateKey generates a cryptographically secure random key.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	if err := GenerateRandom(key); err != nil {
		return nil, err
	}

	return key, nil
}

// GenerateSalt generates a fresh random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := GenerateRandom(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey stretches a low-entropy secret into a 256-bit key using
// Argon2id. It is deliberately slow and memory-hard; use it for
// passphrases and recovery secrets, not for per-message keys.
//
// Deterministic for a fixed (secret, salt) pair.
func DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrWeakKey)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes, minimum %d required",
			ErrInvalidLength, len(salt), SaltSize)
	}

	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KeySize), nil
}

// ExpandKey derives a subkey from existing high-entropy key material
// using HKDF with SHA-256. Unlike DeriveKey it is fast; the master key
// must already be strong.
func ExpandKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)

	subkey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("key expansion failed: %w", err)
	}

	return subkey, nil
}

// ExpandKeyWithLabel derives a subkey with a domain separation label.
// Keys expanded under different labels are unrelated even when the
// master key and salt match.
func ExpandKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	info := []byte("vigil:" + label)
	return ExpandKey(masterKey, nil, info, keySize)
}

// Hash computes a salted one-way hash of data. The result has the form
// hex(digest) + ":" + hex(salt) with a fresh salt per call, so hashing
// equal inputs yields distinct encodings.
func Hash(data []byte) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	digest := saltedDigest(salt, data)
	return hex.EncodeToString(digest) + ":" + hex.EncodeToString(salt), nil
}

// VerifyHash reports whether data matches a Hash encoding. Malformed
// encodings verify as false; VerifyHash never panics on attacker input.
func VerifyHash(data []byte, encoded string) bool {
	digestHex, saltHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return false
	}

	want, err := hex.DecodeString(digestHex)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}

	return SecureCompare(saltedDigest(salt, data), want)
}

func saltedDigest(salt, data []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(data)
	return h.Sum(nil)
}

// GenerateToken returns a URL-safe random token backed by n bytes of
// entropy. Tokens are base64url without padding.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: token entropy must be positive, got %d", ErrInvalidLength, n)
	}

	raw := make([]byte, n)
	if err := GenerateRandom(raw); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
// Returns true if they are equal.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength checks if a key meets minimum requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}

	if len(key) >= 4 {
		pattern := key[0]
		allSame := true
		for _, b := range key {
			if b != pattern {
				allSame = false
				break
			}
		}
		if allSame {
			return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
		}
	}

	return nil
}

// HashDomainSeparated computes a SHA-256 hash with domain separation.
// The length-prefixed domain prevents collisions across different uses.
func HashDomainSeparated(domain string, data ...[]byte) [32]byte {
	h := sha256.New()

	prefix := []byte(domain)
	h.Write([]byte{byte(len(prefix))})
	h.Write(prefix)

	for _, d := range data {
		h.Write(d)
	}

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}
