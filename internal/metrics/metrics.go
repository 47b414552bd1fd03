// Package metrics keeps two kinds of numbers. The accounting Manager batches
// ingest and housekeeping counters in memory and periodically folds them into
// SQLite so totals survive restarts; Prom exposes live operational series to
// Prometheus.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names.
const (
	CounterSegmentsIngested = "segments_ingested_total"
	CounterBytesIngested    = "bytes_ingested_total"
	CounterBlobsExpired     = "blobs_expired_total"
	CounterOrphansReclaimed = "orphan_blobs_reclaimed_total"
	CounterRowsZeroed       = "rows_zeroed_total"
)

// Summary names.
const (
	SummaryFlushSegments      = "segments_per_flush"
	SummaryJanitorZeroedCycle = "janitor_zeroed_per_cycle"
)

// TenantCounter names the per-tenant variant of counter.
func TenantCounter(tenantID int64, counter string) string {
	return "tenant/" + strconv.FormatInt(tenantID, 10) + "/" + counter
}

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Summary is a (count, sum, min, max) aggregate.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) merge(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Manager aggregates accounting events and flushes them.
type Manager struct {
	cfg      Config
	db       *sql.DB
	events   chan event
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64

	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. Call InitSchema, then Start.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		events:    make(chan event, 4096),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*Summary),
	}
}

// InitSchema ensures the accounting tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS accounting_counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS accounting_summaries (
	name TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	sum INTEGER NOT NULL,
	min INTEGER NOT NULL,
	max INTEGER NOT NULL
);`
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
}

// Stop ends the loop, applies queued events and performs a final flush.
func (m *Manager) Stop(ctx context.Context) error {
	if m.started.Load() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.done
	}
	m.drain()
	return m.flush(ctx)
}

// Inc increments a counter by delta; non-positive deltas are ignored.
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{kind: eventInc, name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{kind: eventObserve, name: name, v: value})
}

// RecordIngest accounts one durable flush worth of a tenant's segments.
func (m *Manager) RecordIngest(tenantID int64, segments int, bytes int64) {
	m.Inc(CounterSegmentsIngested, int64(segments))
	m.Inc(CounterBytesIngested, bytes)
	m.Inc(TenantCounter(tenantID, CounterSegmentsIngested), int64(segments))
	m.Inc(TenantCounter(tenantID, CounterBytesIngested), bytes)
	m.Observe(SummaryFlushSegments, int64(segments))
}

// Dropped reports events discarded because the queue was full.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("accounting stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("accounting stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies every queued event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			agg = &Summary{}
			m.summaries[ev.name] = agg
		}
		agg.merge(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
	}
}

// Snapshot returns persisted totals with unflushed deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	counters := make(map[string]int64)
	summaries := make(map[string]Summary)

	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM accounting_counters`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM accounting_summaries`)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return nil, nil, err
		}
		summaries[n] = s
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := summaries[n]
		cur.merge(*agg)
		summaries[n] = cur
	}
	m.mu.Unlock()
	return counters, summaries, nil
}

// flush writes in-memory deltas in one transaction. On failure the deltas
// are merged back so they are retried on the next tick.
func (m *Manager) flush(ctx context.Context) (err error) {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*Summary)
	m.mu.Unlock()

	defer func() {
		if err != nil {
			m.restore(counters, summaries)
		}
	}()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, delta := range counters {
		if _, err = tx.ExecContext(ctx, `INSERT INTO accounting_counters(name,value) VALUES(?,?)
ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for name, agg := range summaries {
		if _, err = tx.ExecContext(ctx, `INSERT INTO accounting_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET count = accounting_summaries.count + excluded.count,
	sum = accounting_summaries.sum + excluded.sum,
	min = MIN(accounting_summaries.min, excluded.min),
	max = MAX(accounting_summaries.max, excluded.max)`, name, agg.Count, agg.Sum, agg.Min, agg.Max); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]*Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range counters {
		m.counters[n] += v
	}
	for n, agg := range summaries {
		cur := m.summaries[n]
		if cur == nil {
			cur = &Summary{}
			m.summaries[n] = cur
		}
		cur.merge(*agg)
	}
}
