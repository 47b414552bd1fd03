// Package consumer turns one stream partition's messages into durable,
// batched segment writes. A Consumer decodes and seals each message as it
// arrives, buffers the sealed items, and on flush writes them through a
// FlushExecutor before the partition's offsets may be committed.
//
// Offsets are never committed for items that are buffered but not yet
// flushed. A failed flush keeps the buffer; the next attempt rewrites the
// same items, and duplicate rows from such retries are tolerated by the
// index (the first committed row for a key wins).
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/segvault/internal/app"
	"github.com/haukened/segvault/internal/batch"
	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/wire"
)

var (
	// ErrTerminated is returned by every call after Terminate.
	ErrTerminated = errors.New("consumer terminated")
	// ErrJoinTimeout means Join stopped waiting; the flush it started keeps
	// running and offsets are committed only if that flush succeeds.
	ErrJoinTimeout = errors.New("join timed out")
)

// Message is one record from a stream partition.
type Message struct {
	Offset    int64
	Value     []byte
	Timestamp time.Time
}

// Sealer encrypts one payload (see envelope.Envelope).
type Sealer interface {
	Encrypt(payload []byte) (kek, dek, ciphertext []byte, err error)
}

// Committer commits the next offset to consume for the partition.
type Committer interface {
	CommitOffset(ctx context.Context, next int64) error
}

// Observer receives flush and ingest telemetry.
type Observer interface {
	Flushed(executor string, items int, bytes int64, elapsed time.Duration)
	FlushFailed(executor string)
	Malformed()
}

// Accountant records durable ingest per tenant.
type Accountant interface {
	RecordIngest(tenantID int64, segments int, bytes int64)
}

// FirstSeen is marked for every tenant whose items were flushed.
type FirstSeen interface {
	MarkSent(ctx context.Context, tenantID int64) error
}

// Config wires a Consumer. Sealer, Committer and both executors are
// required; everything else is optional.
type Config struct {
	Partition  int32
	Buffer     batch.BufferConfig
	Batched    TenantSet
	MaxPayload int

	Sealer    Sealer
	Committer Committer
	Batch     FlushExecutor
	Parallel  FlushExecutor

	Observer   Observer
	Accountant Accountant
	FirstSeen  FirstSeen
	Clock      app.Clock
	Logger     *slog.Logger
}

type state int32

const (
	accumulating state = iota
	flushing
	terminated
)

func (s state) String() string {
	switch s {
	case accumulating:
		return "accumulating"
	case flushing:
		return "flushing"
	case terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Consumer owns the buffer of a single partition. Calls are expected from one
// goroutine; the mutex only orders them against a Join that outlived its
// timeout.
type Consumer struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	buf   *batch.Buffer
	state atomic.Int32

	// next is the offset following the last message fully handled (buffered
	// or classified malformed); committed is the last value committed.
	next      int64
	committed int64
}

// New validates cfg and returns an accumulating Consumer.
func New(cfg Config) (*Consumer, error) {
	switch {
	case cfg.Sealer == nil:
		return nil, errors.New("consumer: sealer is required")
	case cfg.Committer == nil:
		return nil, errors.New("consumer: committer is required")
	case cfg.Batch == nil || cfg.Parallel == nil:
		return nil, errors.New("consumer: both flush executors are required")
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = wire.DefaultMaxPayload
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Consumer{
		cfg: cfg,
		logger: cfg.Logger.With(
			"domain", "consumer",
			"partition", cfg.Partition,
			"instance", uuid.NewString(),
		),
		next:      -1,
		committed: -1,
	}
	c.buf = batch.NewBuffer(cfg.Buffer, c.now())
	return c, nil
}

// Submit decodes, seals and buffers msg. A malformed message is logged and
// skipped but still counts as handled, so it never holds back the
// partition's offsets. Sealing failures are returned and leave the offset
// where it was.
func (c *Consumer) Submit(ctx context.Context, msg Message) error {
	if c.terminated() {
		return ErrTerminated
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	item, err := wire.Decode(msg.Value, c.cfg.MaxPayload)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedMessage) {
			return err
		}
		c.logger.Warn("dropping malformed message", "offset", msg.Offset, "err", err)
		if c.cfg.Observer != nil {
			c.cfg.Observer.Malformed()
		}
		c.advance(msg.Offset)
		return nil
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = msg.Timestamp
	}
	kek, dek, ct, err := c.cfg.Sealer.Encrypt(item.Payload)
	if err != nil {
		return fmt.Errorf("seal %q: %w", item.Key, err)
	}
	c.buf.Append(domain.EncryptedItem{
		Key:        item.Key,
		TenantID:   item.TenantID,
		ReceivedAt: item.ReceivedAt,
		KEK:        kek,
		DEK:        dek,
		Ciphertext: ct,
	})
	c.advance(msg.Offset)
	return nil
}

func (c *Consumer) advance(offset int64) {
	if offset+1 > c.next {
		c.next = offset + 1
	}
}

// ShouldFlush reports whether a row, byte or time threshold has been reached.
func (c *Consumer) ShouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.ShouldFlush(c.now())
}

// Flush writes the buffer when force is set or a threshold is reached and
// reports whether it did. Rows are inserted only after their blobs upload.
// On error the buffer is kept intact for the next attempt.
func (c *Consumer) Flush(ctx context.Context, force bool) (bool, error) {
	if c.terminated() {
		return false, ErrTerminated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx, force)
}

func (c *Consumer) flushLocked(ctx context.Context, force bool) (bool, error) {
	now := c.now()
	if !force && !c.buf.ShouldFlush(now) {
		return false, nil
	}
	items := c.buf.Items()
	if len(items) == 0 {
		c.buf.Reset(now)
		return true, nil
	}
	if !c.state.CompareAndSwap(int32(accumulating), int32(flushing)) {
		return false, ErrTerminated
	}
	defer c.state.CompareAndSwap(int32(flushing), int32(accumulating))

	batched, parallel := c.split(items)
	for _, g := range []struct {
		exec  FlushExecutor
		items []domain.EncryptedItem
	}{{c.cfg.Batch, batched}, {c.cfg.Parallel, parallel}} {
		if len(g.items) == 0 {
			continue
		}
		if err := c.run(ctx, g.exec, g.items); err != nil {
			return false, err
		}
	}

	c.afterFlush(ctx, items)
	c.buf.Reset(c.now())
	return true, nil
}

// split partitions items by executor, preserving arrival order within each
// group.
func (c *Consumer) split(items []domain.EncryptedItem) (batched, parallel []domain.EncryptedItem) {
	for _, it := range items {
		if SelectExecutor(it.TenantID, c.cfg.Batched) == KindBatch {
			batched = append(batched, it)
		} else {
			parallel = append(parallel, it)
		}
	}
	return batched, parallel
}

func (c *Consumer) run(ctx context.Context, exec FlushExecutor, items []domain.EncryptedItem) error {
	start := time.Now()
	var size int64
	for _, it := range items {
		size += int64(len(it.Ciphertext))
	}
	if err := exec.Execute(ctx, items); err != nil {
		c.logger.Error("flush failed", "executor", exec.Name(), "items", len(items), "bytes", size, "err", err)
		if c.cfg.Observer != nil {
			c.cfg.Observer.FlushFailed(exec.Name())
		}
		return fmt.Errorf("%s flush of %d items: %w", exec.Name(), len(items), err)
	}
	elapsed := time.Since(start)
	c.logger.Debug("flushed", "executor", exec.Name(), "items", len(items), "bytes", size, "elapsed", elapsed)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Flushed(exec.Name(), len(items), size, elapsed)
	}
	return nil
}

// afterFlush feeds accounting and the first-seen flag. Neither can undo a
// durable flush, so failures are only logged.
func (c *Consumer) afterFlush(ctx context.Context, items []domain.EncryptedItem) {
	type tally struct {
		segments int
		bytes    int64
	}
	per := make(map[int64]*tally)
	var order []int64
	for _, it := range items {
		t, ok := per[it.TenantID]
		if !ok {
			t = &tally{}
			per[it.TenantID] = t
			order = append(order, it.TenantID)
		}
		t.segments++
		t.bytes += int64(len(it.Ciphertext))
	}
	for _, tenant := range order {
		if c.cfg.Accountant != nil {
			c.cfg.Accountant.RecordIngest(tenant, per[tenant].segments, per[tenant].bytes)
		}
		if c.cfg.FirstSeen != nil {
			if err := c.cfg.FirstSeen.MarkSent(ctx, tenant); err != nil {
				c.logger.Warn("first-seen mark failed", "tenant_id", tenant, "err", err)
			}
		}
	}
}

// Poll flushes if a threshold is reached and, only when that flush
// succeeded, commits the offsets it covers.
func (c *Consumer) Poll(ctx context.Context) error {
	if c.terminated() {
		return ErrTerminated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	flushed, err := c.flushLocked(ctx, false)
	if err != nil || !flushed {
		return err
	}
	return c.commitLocked(ctx)
}

// Join forces a final flush and commits on success. timeout bounds only the
// wait: the flush is not cancelled and its offsets are still committed if it
// completes after Join returned ErrJoinTimeout, unless Terminate is called
// first.
func (c *Consumer) Join(ctx context.Context, timeout time.Duration) error {
	if c.terminated() {
		return ErrTerminated
	}
	done := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Detached so a caller giving up does not abort a half-written flush.
		fctx := context.WithoutCancel(ctx)
		if _, err := c.flushLocked(fctx, true); err != nil {
			done <- err
			return
		}
		done <- c.commitLocked(fctx)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case err := <-done:
		return err
	case <-timer:
		c.logger.Warn("join timed out; flush continues in background", "timeout", timeout)
		return ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate discards the buffer without flushing. Its offsets are never
// committed, so the stream redelivers them. Terminate does not wait for a
// flush left running by a timed-out Join; that flush still completes but
// no longer commits.
func (c *Consumer) Terminate() {
	prev := state(c.state.Swap(int32(terminated)))
	if prev == terminated {
		return
	}
	if !c.mu.TryLock() {
		c.logger.Info("terminated during flush; its offsets will not be committed", "from", prev.String())
		return
	}
	defer c.mu.Unlock()
	dropped := c.buf.Len()
	c.buf.Reset(c.now())
	c.logger.Info("terminated", "from", prev.String(), "discarded", dropped)
}

func (c *Consumer) commitLocked(ctx context.Context) error {
	if c.terminated() {
		return ErrTerminated
	}
	if c.next < 0 || c.next == c.committed {
		return nil
	}
	if err := c.cfg.Committer.CommitOffset(ctx, c.next); err != nil {
		return fmt.Errorf("commit offset %d: %w", c.next, err)
	}
	c.committed = c.next
	return nil
}

func (c *Consumer) terminated() bool {
	return state(c.state.Load()) == terminated
}

func (c *Consumer) now() time.Time {
	if c.cfg.Clock == nil {
		return time.Now()
	}
	return c.cfg.Clock.Now()
}
