// Package main provides the segvault binary. It consumes replay segments from
// Kafka, packs and encrypts them into shared blobs, and serves the operator
// HTTP API over the resulting index.
//
// The application flow:
//  1. Load defaults and apply SEGVAULT_* environment variables.
//  2. Open the metadata index, blob storage and accounting database.
//  3. Start the accounting flusher and the janitor.
//  4. Start the Kafka runner (when brokers are configured) and the HTTP server.
//  5. On SIGINT or SIGTERM, drain partitions, stop background work and exit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/haukened/segvault/internal/app"
	"github.com/haukened/segvault/internal/batch"
	"github.com/haukened/segvault/internal/config"
	"github.com/haukened/segvault/internal/consumer"
	"github.com/haukened/segvault/internal/envelope"
	"github.com/haukened/segvault/internal/firstseen"
	"github.com/haukened/segvault/internal/httpx"
	"github.com/haukened/segvault/internal/janitor"
	"github.com/haukened/segvault/internal/metrics"
	"github.com/haukened/segvault/internal/store"
	"github.com/haukened/segvault/internal/store/filesystem"
	"github.com/haukened/segvault/internal/store/postgres"
	"github.com/haukened/segvault/internal/store/s3store"
	"github.com/haukened/segvault/internal/store/sqlite"
	"github.com/haukened/segvault/internal/stream/kafka"
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ensureDataDir creates dir if needed and checks it is a directory.
func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0o700)
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// openIndex opens the configured metadata index. The returned *sql.DB backs
// readiness checks and is closed by the caller.
func openIndex(ctx context.Context, cfg *config.Config) (*sql.DB, store.Index, error) {
	if cfg.Index.Driver == "postgres" {
		db, err := postgres.Open(ctx, cfg.IndexDSN())
		if err != nil {
			return nil, nil, err
		}
		idx, err := postgres.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, idx, nil
	}
	db, err := sql.Open("sqlite3", cfg.IndexDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	idx, err := sqlite.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, idx, nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (store.BlobStorage, error) {
	if cfg.Blob.Backend == "s3" {
		return s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			KMSKeyARN:       cfg.S3.KMSKeyARN,
		})
	}
	if err := os.MkdirAll(cfg.BlobDir(), 0o700); err != nil {
		return nil, err
	}
	return filesystem.New(cfg.BlobDir())
}

// openAccounting opens the accounting database, which is always SQLite under
// the data directory regardless of the index driver.
func openAccounting(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *metrics.Manager, error) {
	db, err := sql.Open("sqlite3", cfg.AccountingDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open accounting db: %w", err)
	}
	m := metrics.New(db, metrics.Config{FlushInterval: cfg.Metrics.FlushInterval, Logger: logger})
	if err := m.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init accounting schema: %w", err)
	}
	return db, m, nil
}

// ingestDeps are shared by every partition consumer.
type ingestDeps struct {
	store     consumer.Writer
	sealer    consumer.Sealer
	observer  consumer.Observer
	acct      consumer.Accountant
	firstSeen consumer.FirstSeen
	logger    *slog.Logger
}

// consumerFactory builds one Consumer per assigned partition. The parallel
// executor's semaphore is shared so the worker bound holds process-wide.
func consumerFactory(cfg *config.Config, deps ingestDeps) kafka.Factory {
	batched := consumer.NewTenantSet(cfg.Batch.AllTenants, cfg.Batch.Tenants...)
	sem := semaphore.NewWeighted(int64(cfg.Parallel.Workers))
	buf := batch.BufferConfig{
		MaxRows:     cfg.Batch.MaxRows,
		MaxBytes:    int64(cfg.Batch.MaxBytes),
		MaxInterval: cfg.Batch.MaxInterval,
	}
	return func(partition int32, committer consumer.Committer) (*consumer.Consumer, error) {
		return consumer.New(consumer.Config{
			Partition:  partition,
			Buffer:     buf,
			Batched:    batched,
			MaxPayload: int(cfg.Batch.MaxPayload),
			Sealer:     deps.sealer,
			Committer:  committer,
			Batch:      consumer.BatchExecutor{Writer: deps.store},
			Parallel:   consumer.ParallelExecutor{Writer: deps.store, Sem: sem},
			Observer:   deps.observer,
			Accountant: deps.acct,
			FirstSeen:  deps.firstSeen,
			Clock:      realClock{},
			Logger:     deps.logger,
		})
	}
}

func buildHandler(cfg *config.Config, reader *app.Reader, redactor *app.Redactor, db *sql.DB, prom *metrics.Prom, acct *metrics.Manager, logger *slog.Logger) http.Handler {
	readiness := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if cfg.Blob.Backend == "filesystem" {
			if _, err := os.ReadDir(cfg.BlobDir()); err != nil {
				return err
			}
		}
		return nil
	}
	h := httpx.New(reader, redactor, readiness)
	h.Metrics = prom.Handler()
	h.Accounting = metrics.Handler(acct, cfg.Metrics.Token)
	h.Logger = logger.With("domain", "httpx")
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{Addr: cfg.Addr, Handler: handler, ReadTimeout: 5 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 120 * time.Second}
}

func clientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "segvault"
	}
	return "segvault-" + strings.ToLower(host)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := ensureDataDir(cfg.DataDir); err != nil {
		return err
	}
	db, idx, err := openIndex(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}
	acctDB, acct, err := openAccounting(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer acctDB.Close()

	st := store.New(idx, blobs, realClock{}, cfg.Blob.OrphanGrace)
	prom := metrics.NewProm()

	reader := &app.Reader{Store: st, Recorder: prom, Logger: logger.With("domain", "reader")}
	redactor := &app.Redactor{Store: st, Recorder: prom, Logger: logger.With("domain", "redactor")}

	var env *envelope.Envelope
	if key, kerr := cfg.WrappingKey(); kerr == nil {
		if env, err = envelope.New(key); err != nil {
			return err
		}
		reader.Opener = env
	}
	if len(cfg.Kafka.Brokers) > 0 && env == nil {
		return errors.New("crypto.wrapping_key is required for ingest")
	}

	var runner *kafka.Runner
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("ingest disabled", "reason", "no kafka brokers")
	} else {
		fs, err := firstseen.OpenBadger(cfg.FirstSeenDir())
		if err != nil {
			return fmt.Errorf("open first-seen store: %w", err)
		}
		defer fs.Close()
		deps := ingestDeps{
			store:    st,
			sealer:   env,
			observer: prom,
			acct:     acct,
			firstSeen: firstseen.New(fs, firstseen.Config{
				Capacity: cfg.FirstSeen.Capacity,
				MaxAge:   cfg.FirstSeen.MaxAge,
				Logger:   logger,
			}),
			logger: logger,
		}
		runner, err = kafka.New(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			Group:          cfg.Kafka.Group,
			ClientID:       clientID(),
			MaxPollRecords: cfg.Kafka.MaxPollRecords,
			PollInterval:   cfg.Kafka.PollInterval,
			JoinTimeout:    cfg.Kafka.JoinTimeout,
			Logger:         logger,
		}, consumerFactory(cfg, deps))
		if err != nil {
			return err
		}
		defer runner.Close()
	}

	acct.Start(ctx)
	jan := janitor.New(st, redactor, acct, janitor.Config{
		Interval:   cfg.Janitor.Interval,
		BlobTTL:    cfg.Blob.TTL,
		PurgeLimit: cfg.Janitor.PurgeLimit,
		Logger:     logger,
	})
	jan.Start(ctx)

	srv := newServer(cfg, buildHandler(cfg, reader, redactor, db, prom, acct, logger))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if runner != nil {
		g.Go(func() error { return runner.Run(gctx) })
	}

	err = g.Wait()
	jan.Stop()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := acct.Stop(stopCtx); serr != nil {
		logger.Warn("accounting flush on shutdown", "err", serr)
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		slog.Error("segvault exited", "err", err)
		os.Exit(1)
	}
}
