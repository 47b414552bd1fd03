// Package janitor runs segment housekeeping in the background: it zeroes the
// bytes of archived rows and, on backends without native object expiry,
// removes expired and orphaned blobs. It is kept apart from the ingest and
// read paths so lifecycle work never runs on a request or partition goroutine.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/segvault/internal/metrics"
)

// Store is the blob lifecycle surface of the segment store.
type Store interface {
	// ExpireBefore removes blobs last written before t and returns the count.
	ExpireBefore(ctx context.Context, t time.Time) (int, error)
	// Reconcile removes blobs no row references once they are old enough.
	Reconcile(ctx context.Context) (int, error)
}

// Purger zeroes archived rows in place.
type Purger interface {
	PurgeArchived(ctx context.Context, limit int) (int, error)
}

// Accounting receives per-cycle totals. *metrics.Manager satisfies it.
type Accounting interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	// BlobTTL is the age past which blobs are expired. Zero disables expiry.
	BlobTTL time.Duration
	// PurgeLimit caps rows zeroed per cycle.
	PurgeLimit int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Stats is a read-only snapshot of cumulative janitor work.
type Stats struct {
	Cycles              uint64
	Zeroed              uint64
	Expired             uint64
	Orphans             uint64
	CycleLastDurationMS int64
}

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store  Store
	purger Purger
	acct   Accounting
	cfg    Config

	mu    sync.Mutex
	stats Stats

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. purger and acct may be nil.
func New(store Store, purger Purger, acct Accounting, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PurgeLimit <= 0 {
		cfg.PurgeLimit = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Janitor{
		store:  store,
		purger: purger,
		acct:   acct,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	}
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Stop on a janitor
// that was never started returns immediately.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// Snapshot returns cumulative stats.
func (j *Janitor) Snapshot() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one purge, expiry and orphan pass. Each step runs even
// when an earlier one fails.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")

	var zeroed, expired, orphans int
	if j.purger != nil {
		n, err := j.purger.PurgeArchived(ctx, j.cfg.PurgeLimit)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("purge", "error", err)
		}
		zeroed = n
	}
	if j.cfg.BlobTTL > 0 {
		n, err := j.store.ExpireBefore(ctx, j.cfg.Clock().Add(-j.cfg.BlobTTL))
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("expire", "error", err)
		}
		expired = n
	}
	n, err := j.store.Reconcile(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconcile", "error", err)
	}
	orphans = n

	elapsed := time.Since(start)
	j.mu.Lock()
	j.stats.Cycles++
	j.stats.Zeroed += uint64(max(zeroed, 0))
	j.stats.Expired += uint64(max(expired, 0))
	j.stats.Orphans += uint64(max(orphans, 0))
	j.stats.CycleLastDurationMS = elapsed.Milliseconds()
	j.mu.Unlock()

	if j.acct != nil {
		j.acct.Inc(metrics.CounterRowsZeroed, int64(zeroed))
		j.acct.Inc(metrics.CounterBlobsExpired, int64(expired))
		j.acct.Inc(metrics.CounterOrphansReclaimed, int64(orphans))
		j.acct.Observe(metrics.SummaryJanitorZeroedCycle, int64(zeroed))
	}
	log.Info("cycle complete", "zeroed", zeroed, "expired", expired, "orphans", orphans, "ms", elapsed.Milliseconds())
}
