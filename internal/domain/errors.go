// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrNotFound         = errors.New("segment not found")
	ErrInvalidBlobName  = errors.New("invalid blob name")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInvalidKey       = errors.New("invalid segment key")
	ErrNotArchived      = errors.New("segment is not archived")
)
