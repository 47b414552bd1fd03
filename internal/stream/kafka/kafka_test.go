package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/haukened/segvault/internal/batch"
	"github.com/haukened/segvault/internal/consumer"
	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/wire"
)

type fakeSource struct {
	mu      sync.Mutex
	batches []kgo.Fetches
	commits map[int32]int64
	closed  chan struct{}
}

func newFakeSource(batches ...kgo.Fetches) *fakeSource {
	return &fakeSource{batches: batches, commits: map[int32]int64{}, closed: make(chan struct{})}
}

func (f *fakeSource) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	f.mu.Lock()
	if len(f.batches) > 0 {
		next := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return next
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return kgo.NewErrFetch(ctx.Err())
	case <-f.closed:
		return kgo.NewErrFetch(kgo.ErrClientClosed)
	}
}

func (f *fakeSource) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rs {
		f.commits[r.Partition] = r.Offset + 1
	}
	return nil
}

func (f *fakeSource) committed(p int32) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, ok := f.commits[p]
	return off, ok
}

func (f *fakeSource) AllowRebalance() {}
func (f *fakeSource) Close()          { close(f.closed) }

type passSealer struct{}

func (passSealer) Encrypt(p []byte) ([]byte, []byte, []byte, error) { return nil, nil, p, nil }

type memWriter struct {
	mu   sync.Mutex
	rows []domain.MetadataRow
	err  error
}

func (m *memWriter) Upload(context.Context, string, []byte) error { return m.err }

func (m *memWriter) InsertRows(_ context.Context, rows []domain.MetadataRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memWriter) Commit(ctx context.Context, s domain.StagedCommit) error {
	if err := m.Upload(ctx, s.Filename, s.Payload); err != nil {
		return err
	}
	return m.InsertRows(ctx, s.Rows)
}

func (m *memWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func factory(w *memWriter, maxRows int) Factory {
	return func(partition int32, committer consumer.Committer) (*consumer.Consumer, error) {
		return consumer.New(consumer.Config{
			Partition: partition,
			Buffer:    batch.BufferConfig{MaxRows: maxRows},
			Batched:   consumer.NewTenantSet(true),
			Sealer:    passSealer{},
			Committer: committer,
			Batch:     consumer.BatchExecutor{Writer: w},
			Parallel:  consumer.ParallelExecutor{Writer: w},
		})
	}
}

func record(t *testing.T, partition int32, offset int64, key string) *kgo.Record {
	t.Helper()
	v, err := wire.Encode(domain.Item{Key: key, TenantID: 1, Payload: []byte(key)}, wire.EncodingNone)
	require.NoError(t, err)
	return &kgo.Record{Topic: "segments", Partition: partition, Offset: offset, Value: v}
}

func fetch(partition int32, recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "segments",
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: recs}},
	}}}}
}

func TestRunnerFlushesAndCommitsPerPartition(t *testing.T) {
	w := &memWriter{}
	src := newFakeSource(
		fetch(0, record(t, 0, 0, "a"), record(t, 0, 1, "b")),
		fetch(1, record(t, 1, 5, "c")),
	)
	r := newRunner(Config{Topic: "segments", PollInterval: time.Hour}, factory(w, 2))
	r.client = src

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		off, ok := src.committed(0)
		return ok && off == 2
	}, time.Second, 5*time.Millisecond, "partition 0 commits once two rows flush")
	_, ok := src.committed(1)
	assert.False(t, ok, "partition 1 holds a buffered item and must not commit")

	cancel()
	require.NoError(t, <-done)
	off, ok := src.committed(1)
	require.True(t, ok, "shutdown joins partition 1")
	assert.Equal(t, int64(6), off)
	assert.Equal(t, 3, w.count())
}

func TestRunnerReleaseLostDoesNotCommit(t *testing.T) {
	w := &memWriter{}
	src := newFakeSource(fetch(3, record(t, 3, 9, "x")))
	r := newRunner(Config{Topic: "segments", PollInterval: time.Hour}, factory(w, 10))
	r.client = src

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.workers) == 1
	}, time.Second, 5*time.Millisecond)
	r.release(ctx, []int32{3}, false)
	_, ok := src.committed(3)
	assert.False(t, ok)
	assert.Equal(t, 0, w.count())

	src.Close()
	require.NoError(t, <-done)
}

// gatedWriter holds every upload until gate is closed.
type gatedWriter struct {
	memWriter
	gate chan struct{}
}

func (g *gatedWriter) Upload(ctx context.Context, name string, p []byte) error {
	<-g.gate
	return g.memWriter.Upload(ctx, name, p)
}

func (g *gatedWriter) Commit(ctx context.Context, s domain.StagedCommit) error {
	if err := g.Upload(ctx, s.Filename, s.Payload); err != nil {
		return err
	}
	return g.InsertRows(ctx, s.Rows)
}

func TestRunnerRevokeTimeoutDoesNotCommit(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{})}
	rec := record(t, 2, 4, "y")
	rec.LeaderEpoch = 7
	src := newFakeSource(fetch(2, rec))
	r := newRunner(Config{Topic: "segments", PollInterval: time.Hour, JoinTimeout: 10 * time.Millisecond},
		func(partition int32, committer consumer.Committer) (*consumer.Consumer, error) {
			return consumer.New(consumer.Config{
				Partition: partition,
				Buffer:    batch.BufferConfig{MaxRows: 10},
				Batched:   consumer.NewTenantSet(true),
				Sealer:    passSealer{},
				Committer: committer,
				Batch:     consumer.BatchExecutor{Writer: w},
				Parallel:  consumer.ParallelExecutor{Writer: w},
			})
		})
	r.client = src

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		wk, ok := r.workers[2]
		r.mu.Unlock()
		if !ok {
			return false
		}
		wk.committer.mu.Lock()
		defer wk.committer.mu.Unlock()
		return wk.committer.epoch == 7
	}, time.Second, 5*time.Millisecond, "record reached the partition worker")
	r.release(ctx, []int32{2}, true)

	close(w.gate)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		_, ok := src.committed(2)
		return ok
	}, 100*time.Millisecond, 5*time.Millisecond, "a revoked partition must not commit after its join timed out")

	src.Close()
	require.NoError(t, <-done)
}

func TestRunnerFactoryErrorStopsRun(t *testing.T) {
	src := newFakeSource(fetch(0, record(t, 0, 0, "a")))
	boom := errors.New("no consumer")
	r := newRunner(Config{Topic: "segments"}, func(int32, consumer.Committer) (*consumer.Consumer, error) {
		return nil, boom
	})
	r.client = src
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
