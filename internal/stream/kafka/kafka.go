// Package kafka feeds segment messages from a Kafka consumer group into
// per-partition consumers. Auto-commit is disabled: a partition's offsets are
// committed only when its consumer asks, i.e. after a durable flush.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/haukened/segvault/internal/consumer"
)

// Config holds connection and pacing settings.
type Config struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
	// MaxPollRecords bounds one poll; zero means unbounded.
	MaxPollRecords int
	// PollInterval is how often idle partitions are asked to flush.
	PollInterval time.Duration
	// JoinTimeout bounds the final flush of a revoked partition.
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Factory builds the consumer for a newly seen partition.
type Factory func(partition int32, committer consumer.Committer) (*consumer.Consumer, error)

// source is the part of *kgo.Client the runner uses.
type source interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

// Runner polls the group and dispatches records to one worker goroutine per
// assigned partition.
type Runner struct {
	cfg     Config
	client  source
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[int32]*worker
	err     error
	cancel  context.CancelFunc
}

// New connects a group consumer for cfg.Topic.
func New(cfg Config, factory Factory) (*Runner, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka: brokers, topic and group are required")
	}
	r := newRunner(cfg, factory)
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			r.release(ctx, revoked[cfg.Topic], true)
		}),
		kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
			r.release(ctx, lost[cfg.Topic], false)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	r.client = cl
	return r, nil
}

func newRunner(cfg Config, factory Factory) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger.With("domain", "kafka", "topic", cfg.Topic),
		workers: make(map[int32]*worker),
	}
}

// Run polls until ctx is canceled or a partition fails fatally. On return
// every partition has been joined (flushed and committed) or, after a fatal
// error, terminated so its offsets are redelivered.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for ctx.Err() == nil {
		fetches := r.client.PollRecords(ctx, r.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				r.logger.Warn("fetch error", "partition", partition, "err", err)
			}
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 || ctx.Err() != nil {
				return
			}
			w, err := r.worker(ctx, p.Partition)
			if err != nil {
				r.fail(err)
				return
			}
			select {
			case w.in <- p.Records:
			case <-w.done:
			case <-ctx.Done():
			}
		})
		r.client.AllowRebalance()
	}

	err := r.firstErr()
	r.releaseAll(err == nil)
	return err
}

// Close shuts the client down. Call after Run returns.
func (r *Runner) Close() { r.client.Close() }

func (r *Runner) worker(ctx context.Context, partition int32) (*worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[partition]; ok {
		return w, nil
	}
	pc := &partitionCommitter{client: r.client, topic: r.cfg.Topic, partition: partition}
	c, err := r.factory(partition, pc)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", partition, err)
	}
	w := newWorker(partition, c, pc, r.cfg, r.logger.With("partition", partition))
	r.workers[partition] = w
	go w.run(context.WithoutCancel(ctx), r.fail)
	r.logger.Info("partition assigned", "partition", partition)
	return w, nil
}

// release stops the named partitions. Graceful release joins each consumer
// so its buffer is flushed and committed before the partition moves.
func (r *Runner) release(ctx context.Context, partitions []int32, graceful bool) {
	r.mu.Lock()
	var ws []*worker
	for _, p := range partitions {
		if w, ok := r.workers[p]; ok {
			ws = append(ws, w)
			delete(r.workers, p)
		}
	}
	r.mu.Unlock()
	stopAll(ws, graceful)
	if len(ws) > 0 {
		r.logger.Info("partitions released", "count", len(ws), "graceful", graceful)
	}
}

func (r *Runner) releaseAll(graceful bool) {
	r.mu.Lock()
	ws := make([]*worker, 0, len(r.workers))
	for p, w := range r.workers {
		ws = append(ws, w)
		delete(r.workers, p)
	}
	r.mu.Unlock()
	stopAll(ws, graceful)
}

func stopAll(ws []*worker, graceful bool) {
	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop(graceful)
		}()
	}
	wg.Wait()
}

// fail records the first fatal error and stops Run.
func (r *Runner) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// partitionCommitter commits through the group client. It remembers the
// leader epoch of the newest record so commits carry fencing information.
type partitionCommitter struct {
	client    source
	topic     string
	partition int32

	mu    sync.Mutex
	epoch int32
}

func (p *partitionCommitter) observe(r *kgo.Record) {
	p.mu.Lock()
	p.epoch = r.LeaderEpoch
	p.mu.Unlock()
}

func (p *partitionCommitter) CommitOffset(ctx context.Context, next int64) error {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	// CommitRecords commits Offset+1.
	return p.client.CommitRecords(ctx, &kgo.Record{
		Topic:       p.topic,
		Partition:   p.partition,
		LeaderEpoch: epoch,
		Offset:      next - 1,
	})
}
