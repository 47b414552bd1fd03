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

// worker serializes every call into one partition's consumer.
type worker struct {
	partition int32
	c         *consumer.Consumer
	committer *partitionCommitter
	interval  time.Duration
	joinAfter time.Duration
	logger    *slog.Logger

	in       chan []*kgo.Record
	quit     chan bool // true: join, false: terminate
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(partition int32, c *consumer.Consumer, pc *partitionCommitter, cfg Config, logger *slog.Logger) *worker {
	return &worker{
		partition: partition,
		c:         c,
		committer: pc,
		interval:  cfg.PollInterval,
		joinAfter: cfg.JoinTimeout,
		logger:    logger,
		in:        make(chan []*kgo.Record),
		quit:      make(chan bool, 1),
		done:      make(chan struct{}),
	}
}

func (w *worker) run(ctx context.Context, fail func(error)) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case recs := <-w.in:
			if err := w.submit(ctx, recs); err != nil {
				w.logger.Error("partition failed; terminating without commit", "err", err)
				w.c.Terminate()
				fail(err)
				return
			}
		case <-ticker.C:
			w.poll(ctx)
		case graceful := <-w.quit:
			if !graceful {
				w.c.Terminate()
				return
			}
			err := w.c.Join(ctx, w.joinAfter)
			switch {
			case errors.Is(err, consumer.ErrJoinTimeout):
				// the partition belongs to another member now
				w.c.Terminate()
				w.logger.Warn("final flush outlived revoke; offsets left uncommitted")
			case err != nil && !errors.Is(err, consumer.ErrTerminated):
				w.logger.Error("final flush failed; offsets left uncommitted", "err", err)
			}
			return
		}
	}
}

func (w *worker) submit(ctx context.Context, recs []*kgo.Record) error {
	for _, rec := range recs {
		w.committer.observe(rec)
		err := w.c.Submit(ctx, consumer.Message{Offset: rec.Offset, Value: rec.Value, Timestamp: rec.Timestamp})
		if err != nil {
			return fmt.Errorf("offset %d: %w", rec.Offset, err)
		}
		w.poll(ctx)
	}
	return nil
}

// poll lets the consumer flush; a failed flush keeps its buffer and is
// retried on the next tick.
func (w *worker) poll(ctx context.Context) {
	if err := w.c.Poll(ctx); err != nil && !errors.Is(err, consumer.ErrTerminated) {
		w.logger.Warn("flush failed; will retry", "err", err)
	}
}

func (w *worker) stop(graceful bool) {
	w.stopOnce.Do(func() { w.quit <- graceful })
	<-w.done
}
