package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haukened/segvault/internal/domain"
)

// fixedClock implements Clock returning a fixed instant.
type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// memStore is an in-memory SegmentStore with call counters.
type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	rows    []domain.MetadataRow
	nextID  int64
	uploads int

	uploadErr   error
	downloadErr error
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (m *memStore) Upload(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploads++
	m.blobs[name] = append([]byte(nil), payload...)
	return nil
}

func (m *memStore) InsertRows(_ context.Context, rows []domain.MetadataRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if m.indexOf(r.Key) >= 0 {
			continue
		}
		m.nextID++
		r.ID = m.nextID
		m.rows = append(m.rows, r)
	}
	return nil
}

func (m *memStore) Commit(ctx context.Context, staged domain.StagedCommit) error {
	if err := m.Upload(ctx, staged.Filename, staged.Payload); err != nil {
		return err
	}
	return m.InsertRows(ctx, staged.Rows)
}

func (m *memStore) indexOf(key string) int {
	for i, r := range m.rows {
		if r.Key == key {
			return i
		}
	}
	return -1
}

func (m *memStore) Lookup(ctx context.Context, key string) (domain.MetadataRow, error) {
	r, err := m.LookupAny(ctx, key)
	if err != nil || r.IsArchived {
		return domain.MetadataRow{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memStore) LookupAny(_ context.Context, key string) (domain.MetadataRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(key); i >= 0 {
		return m.rows[i], nil
	}
	return domain.MetadataRow{}, domain.ErrNotFound
}

func (m *memStore) LookupPrefix(_ context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MetadataRow
	for _, r := range m.rows {
		if !r.IsArchived && strings.HasPrefix(r.Key, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) LookupKeys(ctx context.Context, keys []string) ([]domain.MetadataRow, error) {
	var out []domain.MetadataRow
	for _, k := range keys {
		if r, err := m.Lookup(ctx, k); err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ReadRow(_ context.Context, row domain.MetadataRow) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[row.Filename]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if row.Len() == 0 {
		return []byte{}, nil
	}
	return append([]byte(nil), b[row.Start:row.End+1]...), nil
}

func (m *memStore) DownloadBlob(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	b, ok := m.blobs[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memStore) Archive(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(key)
	if i < 0 {
		return false, nil
	}
	m.rows[i].IsArchived = true
	return true, nil
}

func (m *memStore) ClearKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexOf(key)
	if i < 0 {
		return domain.ErrNotFound
	}
	if !m.rows[i].IsArchived {
		return domain.ErrNotArchived
	}
	m.rows[i].DEK = nil
	return nil
}

func (m *memStore) PendingZero(_ context.Context, limit int) ([]domain.MetadataRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MetadataRow
	for _, r := range m.rows {
		if r.IsArchived && !r.IsZeroed && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkZeroed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].IsZeroed = true
			m.rows[i].DEK = nil
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) ExpireBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memStore) Reconcile(context.Context) (int, error) { return 0, nil }

// countingRecorder counts Recorder events.
type countingRecorder struct {
	mu        sync.Mutex
	decrypt   int
	redaction map[string]int
}

func (c *countingRecorder) DecryptionFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decrypt++
}

func (c *countingRecorder) Redacted(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redaction == nil {
		c.redaction = map[string]int{}
	}
	c.redaction[stage]++
}
