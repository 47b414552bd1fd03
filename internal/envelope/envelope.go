// Package envelope implements per-segment envelope encryption.
//
// Every payload gets a fresh random data-encryption key (DEK). The DEK is
// wrapped under a key-encrypting key (KEK) that is itself fresh per payload:
// it is derived with HKDF-SHA-256 from the configured wrapping key and a
// random salt carried inside the wrapped DEK. Discarding the wrapped DEK
// renders the ciphertext unreadable without touching the blob that holds it.
//
// Wrapped DEK layout (version 1):
//
//	version(1) | salt(16) | nonce(12) | AES-256-GCM(kek, dek) (32+16)
//
// Ciphertext layout:
//
//	nonce(24) | XChaCha20-Poly1305(dek, payload)
//
// All operations are pure and safe for concurrent use.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Key sizes and framing constants.
const (
	KeyLen        = 32
	SaltLen       = 16
	GCMNonceLen   = 12
	WrapVersion   = 1
	HKDFInfoKEK   = "segvault:v1:kek"
	wrapAAD       = "segvault/dek/v1"
	WrappedDEKLen = 1 + SaltLen + GCMNonceLen + KeyLen + 16
)

// Errors returned by envelope operations.
var (
	// ErrDecryption covers key mismatch, truncated framing and failed authentication.
	ErrDecryption     = errors.New("decryption failed")
	ErrInvalidKeySize = errors.New("wrapping key must be 32 bytes")
)

// Envelope seals payloads under per-item keys derived from one wrapping key.
type Envelope struct {
	wrappingKey []byte
	rand        io.Reader
}

// New returns an Envelope for the given 32-byte wrapping key.
func New(wrappingKey []byte) (*Envelope, error) {
	return NewWithRand(wrappingKey, nil)
}

// NewWithRand is New with an explicit randomness source (nil = crypto/rand).
func NewWithRand(wrappingKey []byte, r io.Reader) (*Envelope, error) {
	if len(wrappingKey) != KeyLen {
		return nil, ErrInvalidKeySize
	}
	if r == nil {
		r = rand.Reader
	}
	k := make([]byte, KeyLen)
	copy(k, wrappingKey)
	return &Envelope{wrappingKey: k, rand: r}, nil
}

// Encrypt seals payload. It returns the per-item KEK (never persisted), the
// wrapped DEK (persisted in the metadata row) and the ciphertext (packed into
// a blob). Empty payloads are valid.
func (e *Envelope) Encrypt(payload []byte) (kek, dek, ciphertext []byte, err error) {
	salt, err := readRand(e.rand, SaltLen)
	if err != nil {
		return nil, nil, nil, err
	}
	kek, err = deriveKEK(e.wrappingKey, salt)
	if err != nil {
		return nil, nil, nil, err
	}
	plainDEK, err := readRand(e.rand, KeyLen)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err := readRand(e.rand, GCMNonceLen)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, nil, nil, err
	}
	dek = make([]byte, 0, WrappedDEKLen)
	dek = append(dek, WrapVersion)
	dek = append(dek, salt...)
	dek = append(dek, nonce...)
	dek = gcm.Seal(dek, nonce, plainDEK, []byte(wrapAAD))

	ciphertext, err = seal(e.rand, plainDEK, payload)
	if err != nil {
		return nil, nil, nil, err
	}
	return kek, dek, ciphertext, nil
}

// Open decrypts ciphertext using the wrapped dek, re-deriving the per-item
// KEK from the wrapping key.
func (e *Envelope) Open(dek, ciphertext []byte) ([]byte, error) {
	salt, err := wrappedSalt(dek)
	if err != nil {
		return nil, err
	}
	kek, err := deriveKEK(e.wrappingKey, salt)
	if err != nil {
		return nil, err
	}
	return Decrypt(kek, dek, ciphertext)
}

// Decrypt unwraps dek with kek and decrypts ciphertext. Any mismatch or
// corruption yields ErrDecryption; partial output is never returned.
func Decrypt(kek, dek, ciphertext []byte) ([]byte, error) {
	if len(kek) != KeyLen {
		return nil, fmt.Errorf("%w: kek length %d", ErrDecryption, len(kek))
	}
	if _, err := wrappedSalt(dek); err != nil {
		return nil, err
	}
	nonce := dek[1+SaltLen : 1+SaltLen+GCMNonceLen]
	sealed := dek[1+SaltLen+GCMNonceLen:]
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	plainDEK, err := gcm.Open(nil, nonce, sealed, []byte(wrapAAD))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap dek", ErrDecryption)
	}
	return open(plainDEK, ciphertext)
}

func wrappedSalt(dek []byte) ([]byte, error) {
	if len(dek) != WrappedDEKLen {
		return nil, fmt.Errorf("%w: wrapped dek length %d", ErrDecryption, len(dek))
	}
	if dek[0] != WrapVersion {
		return nil, fmt.Errorf("%w: wrapped dek version %d", ErrDecryption, dek[0])
	}
	return dek[1 : 1+SaltLen], nil
}

func seal(r io.Reader, key, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20: %w", err)
	}
	nonce, err := readRand(r, aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(payload)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, payload, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticate payload", ErrDecryption)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func deriveKEK(wrappingKey, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, wrappingKey, salt, []byte(HKDFInfoKEK))
	out := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("HKDF derive: %w", err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}
	return gcm, nil
}

func readRand(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}
