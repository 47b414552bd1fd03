package consumer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/haukened/segvault/internal/batch"
	"github.com/haukened/segvault/internal/domain"
)

// Writer is the slice of the segment store a flush needs.
type Writer interface {
	Upload(ctx context.Context, name string, payload []byte) error
	InsertRows(ctx context.Context, rows []domain.MetadataRow) error
	Commit(ctx context.Context, staged domain.StagedCommit) error
}

// FlushExecutor writes one group of buffered items durably: blobs first,
// then their rows.
type FlushExecutor interface {
	Name() string
	Execute(ctx context.Context, items []domain.EncryptedItem) error
}

// Kind names an executor.
type Kind string

const (
	KindBatch    Kind = "batch"
	KindParallel Kind = "parallel"
)

// TenantSet is the allow-list of tenants opted into batched storage.
type TenantSet struct {
	All bool
	IDs map[int64]struct{}
}

// NewTenantSet builds a set from ids.
func NewTenantSet(all bool, ids ...int64) TenantSet {
	s := TenantSet{All: all, IDs: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		s.IDs[id] = struct{}{}
	}
	return s
}

// SelectExecutor picks the executor for tenantID. It is a pure function of
// its inputs.
func SelectExecutor(tenantID int64, batched TenantSet) Kind {
	if batched.All {
		return KindBatch
	}
	if _, ok := batched.IDs[tenantID]; ok {
		return KindBatch
	}
	return KindParallel
}

// BatchExecutor packs all items into one blob and commits it.
type BatchExecutor struct {
	Writer  Writer
	NewName batch.NameFunc
}

func (BatchExecutor) Name() string { return string(KindBatch) }

func (e BatchExecutor) Execute(ctx context.Context, items []domain.EncryptedItem) error {
	newName := e.NewName
	if newName == nil {
		newName = domain.NewBlobName
	}
	staged, err := batch.PackWithName(items, newName)
	if err != nil {
		return err
	}
	return e.Writer.Commit(ctx, staged)
}

// ParallelExecutor uploads each item as its own blob through a bounded pool
// and inserts all rows once every upload has succeeded. Sem may be shared
// across partitions to bound total concurrent uploads.
type ParallelExecutor struct {
	Writer  Writer
	Sem     *semaphore.Weighted
	NewName batch.NameFunc
}

func (ParallelExecutor) Name() string { return string(KindParallel) }

func (e ParallelExecutor) Execute(ctx context.Context, items []domain.EncryptedItem) error {
	if len(items) == 0 {
		return nil
	}
	newName := e.NewName
	if newName == nil {
		newName = domain.NewBlobName
	}
	rows := make([]domain.MetadataRow, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i := range items {
		if e.Sem != nil {
			if err := e.Sem.Acquire(gctx, 1); err != nil {
				break // gctx canceled by a failed upload; Wait reports it
			}
		}
		g.Go(func() error {
			if e.Sem != nil {
				defer e.Sem.Release(1)
			}
			staged, err := batch.Single(items[i], newName)
			if err != nil {
				return err
			}
			if err := e.Writer.Upload(gctx, staged.Filename, staged.Payload); err != nil {
				return fmt.Errorf("upload %q: %w", items[i].Key, err)
			}
			rows[i] = staged.Rows[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Writer.InsertRows(ctx, rows)
}
