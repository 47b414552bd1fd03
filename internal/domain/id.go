// Package domain id.go contains functions to generate, parse, and validate blob names
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// BlobName is the canonical identifier for a stored blob.
// It is a 128-bit random value encoded as 32 lowercase hex characters.
type BlobName string

// NewBlobName generates a new cryptographically random 128-bit BlobName encoded
// as 32 lowercase hexadecimal characters.
func NewBlobName() (BlobName, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, 32)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return BlobName(dst), nil
}

// ParseBlobName validates s and returns it as a BlobName. It enforces:
// - non-empty
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidBlobName on failure.
func ParseBlobName(s string) (BlobName, error) {
	if !isValidBlobName(s) {
		return "", ErrInvalidBlobName
	}
	return BlobName(s), nil
}

// String returns the string form of the BlobName.
func (n BlobName) String() string { return string(n) }

// Valid reports whether the name satisfies the same rules as ParseBlobName.
func (n BlobName) Valid() bool { return isValidBlobName(string(n)) }

func isValidBlobName(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
