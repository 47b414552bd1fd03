package batch

import (
	"time"

	"github.com/haukened/segvault/internal/domain"
)

// BufferConfig holds the flush thresholds. A zero value disables that threshold.
type BufferConfig struct {
	MaxRows     int
	MaxBytes    int64
	MaxInterval time.Duration
}

// Buffer is the per-partition accumulation state. It is owned by exactly one
// goroutine and performs no locking.
type Buffer struct {
	cfg      BufferConfig
	items    []domain.EncryptedItem
	size     int64
	deadline time.Time
}

// NewBuffer returns an empty buffer whose first deadline is now+MaxInterval.
func NewBuffer(cfg BufferConfig, now time.Time) *Buffer {
	b := &Buffer{cfg: cfg}
	b.Reset(now)
	return b
}

// Append adds an item in arrival order and accounts its ciphertext size.
func (b *Buffer) Append(item domain.EncryptedItem) {
	b.items = append(b.items, item)
	b.size += int64(len(item.Ciphertext))
}

// ShouldFlush reports whether any threshold has been reached.
func (b *Buffer) ShouldFlush(now time.Time) bool {
	if b.cfg.MaxRows > 0 && len(b.items) >= b.cfg.MaxRows {
		return true
	}
	if b.cfg.MaxBytes > 0 && b.size >= b.cfg.MaxBytes {
		return true
	}
	if b.cfg.MaxInterval > 0 && !now.Before(b.deadline) {
		return true
	}
	return false
}

// Items returns the buffered items without draining them.
func (b *Buffer) Items() []domain.EncryptedItem { return b.items }

// Len returns the number of buffered items.
func (b *Buffer) Len() int { return len(b.items) }

// Size returns the accumulated ciphertext size in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Deadline returns the time at which the interval threshold fires.
func (b *Buffer) Deadline() time.Time { return b.deadline }

// Reset empties the buffer and schedules the next deadline from now.
func (b *Buffer) Reset(now time.Time) {
	b.items = nil
	b.size = 0
	b.deadline = now.Add(b.cfg.MaxInterval)
}
