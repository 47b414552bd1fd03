// Package batch accumulates encrypted segments and packs them into a single
// blob payload with one byte-range row per segment.
package batch

import (
	"errors"

	"github.com/haukened/segvault/internal/domain"
)

// ErrEmptyBatch is returned when Pack is asked to stage zero items.
var ErrEmptyBatch = errors.New("empty batch")

// NameFunc generates a fresh blob name. Tests substitute a deterministic one.
type NameFunc func() (domain.BlobName, error)

// Pack concatenates the ciphertexts of items, in order, into one payload under
// a freshly generated blob name. Item i occupies [start_i, end_i] inclusive;
// a zero-length ciphertext yields end == start-1.
func Pack(items []domain.EncryptedItem) (domain.StagedCommit, error) {
	return PackWithName(items, domain.NewBlobName)
}

// PackWithName is Pack with an explicit name generator.
func PackWithName(items []domain.EncryptedItem, newName NameFunc) (domain.StagedCommit, error) {
	if len(items) == 0 {
		return domain.StagedCommit{}, ErrEmptyBatch
	}
	name, err := newName()
	if err != nil {
		return domain.StagedCommit{}, err
	}
	total := 0
	for _, it := range items {
		total += len(it.Ciphertext)
	}
	payload := make([]byte, 0, total)
	rows := make([]domain.MetadataRow, 0, len(items))
	for _, it := range items {
		start := int64(len(payload))
		payload = append(payload, it.Ciphertext...)
		rows = append(rows, domain.MetadataRow{
			Filename: name.String(),
			Key:      it.Key,
			Start:    start,
			End:      int64(len(payload)) - 1,
			DEK:      it.DEK,
		})
	}
	return domain.StagedCommit{Filename: name.String(), Payload: payload, Rows: rows}, nil
}

// Single stages one item as its own blob, the layout used for tenants not yet
// opted into batching.
func Single(item domain.EncryptedItem, newName NameFunc) (domain.StagedCommit, error) {
	return PackWithName([]domain.EncryptedItem{item}, newName)
}
