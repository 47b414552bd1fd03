// Package domain segment.go contains the value types that flow from the
// stream consumer through the packer into blob and index storage.
package domain

import "time"

// Item is a decoded recording segment before encryption. TenantID and
// ReceivedAt feed accounting only; they are not persisted with the row.
type Item struct {
	Key        string
	Payload    []byte
	TenantID   int64
	ReceivedAt time.Time
}

// EncryptedItem is the sealed form of exactly one Item. KEK is kept in memory
// for the lifetime of a flush and never persisted; DEK is the wrapped data key
// stored in the metadata row.
type EncryptedItem struct {
	Key        string
	TenantID   int64
	ReceivedAt time.Time
	KEK        []byte
	DEK        []byte
	Ciphertext []byte
}

// MetadataRow maps a logical segment key to an inclusive byte range inside a
// shared blob. A nil DEK marks a plaintext (legacy) row or a row whose key
// material was discarded after redaction. End < Start describes an empty range.
type MetadataRow struct {
	ID         int64
	Filename   string
	Key        string
	Start      int64
	End        int64
	DEK        []byte
	IsArchived bool
	IsZeroed   bool
}

// Len returns the number of bytes covered by the row.
func (r MetadataRow) Len() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Encrypted reports whether the row carries wrapped key material.
func (r MetadataRow) Encrypted() bool { return r.DEK != nil }

// StagedCommit is one flush worth of packed ciphertext plus the rows that
// address it. It is owned by a single flush and discarded afterwards.
type StagedCommit struct {
	Filename string
	Payload  []byte
	Rows     []MetadataRow
}
