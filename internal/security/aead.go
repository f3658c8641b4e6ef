package security

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD errors
var (
	ErrDecryptFailed        = errors.New("security: decryption failed")
	ErrUnsupportedAlgorithm = errors.New("security: unsupported algorithm")
	ErrMalformedRecord      = errors.New("security: malformed record")
)

// Supported AEAD algorithms.
const (
	AlgorithmAESGCM  = "aes-256-gcm"
	AlgorithmXChaCha = "xchacha20-poly1305"
	DefaultAlgorithm = AlgorithmAESGCM

	aeadTagSize  = 16
	aeadKeyLabel = "aead-v1"
)

// Record is an authenticated ciphertext envelope. Every field except
// EncryptedAt participates in authentication: altering the ciphertext,
// salt, nonce, or tag makes Decrypt fail with ErrDecryptFailed.
//
// Byte fields marshal as base64 in JSON, so a Record survives a JSON
// round-trip intact.
type Record struct {
	Algorithm   string    `json:"algorithm"`
	Ciphertext  []byte    `json:"ciphertext"`
	Salt        []byte    `json:"salt"`
	Nonce       []byte    `json:"nonce"`
	Tag         []byte    `json:"tag"`
	EncryptedAt time.Time `json:"encrypted_at"`
}

// Encrypt seals plaintext under the default algorithm. A fresh salt and
// nonce are drawn for every call; encrypting the same plaintext twice
// never yields the same record.
//
// The caller's key is never used directly: a per-record sealing key is
// expanded from (key, salt), so records remain independent even when the
// key is reused. Empty plaintext is valid.
func Encrypt(plaintext, key []byte) (*Record, error) {
	return EncryptWith(plaintext, key, DefaultAlgorithm)
}

// EncryptWith seals plaintext under an explicit algorithm.
func EncryptWith(plaintext, key []byte, algorithm string) (*Record, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrInvalidKeySize, len(key), MinKeySize)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(key, salt, algorithm)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if err := GenerateRandom(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - aeadTagSize

	rec := &Record{
		Algorithm:   algorithm,
		Ciphertext:  sealed[:split:split],
		Salt:        salt,
		Nonce:       nonce,
		Tag:         sealed[split:],
		EncryptedAt: time.Now().UTC(),
	}
	return rec, nil
}

// Decrypt opens a record. Any tampering with the ciphertext, salt,
// nonce, or tag fails authentication; no partial plaintext is ever
// returned.
func Decrypt(rec *Record, key []byte) ([]byte, error) {
	if rec == nil {
		return nil, ErrMalformedRecord
	}
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrInvalidKeySize, len(key), MinKeySize)
	}
	if len(rec.Salt) == 0 || len(rec.Tag) != aeadTagSize {
		return nil, ErrMalformedRecord
	}

	aead, err := newAEAD(key, rec.Salt, rec.Algorithm)
	if err != nil {
		return nil, err
	}
	if len(rec.Nonce) != aead.NonceSize() {
		return nil, ErrMalformedRecord
	}

	sealed := make([]byte, 0, len(rec.Ciphertext)+len(rec.Tag))
	sealed = append(sealed, rec.Ciphertext...)
	sealed = append(sealed, rec.Tag...)

	plaintext, err := aead.Open(nil, rec.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// newAEAD expands the caller key with the record salt and constructs the
// cipher for the given algorithm.
func newAEAD(key, salt []byte, algorithm string) (cipher.AEAD, error) {
	sealKey, err := ExpandKey(key, salt, []byte("vigil:"+aeadKeyLabel), KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(sealKey)

	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(sealKey)
		if err != nil {
			return nil, fmt.Errorf("aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("gcm mode: %w", err)
		}
		return aead, nil

	case AlgorithmXChaCha:
		aead, err := chacha20poly1305.NewX(sealKey)
		if err != nil {
			return nil, fmt.Errorf("xchacha cipher: %w", err)
		}
		return aead, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}
