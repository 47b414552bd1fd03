// Package firstseen answers "has this tenant ever sent a segment" from a
// cache in front of a persistent flag store. The ingest path marks tenants
// as it accepts their items; a mark overwrites any cached negative.
package firstseen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haukened/segvault/internal/cache"
)

// Store persists the per-tenant flag.
type Store interface {
	Get(ctx context.Context, tenantID int64) (bool, error)
	Put(ctx context.Context, tenantID int64) error
}

// Config tunes the cache in front of the store.
type Config struct {
	Capacity int
	// MaxAge bounds how long any answer, in particular a negative one, is
	// served from cache.
	MaxAge time.Duration
	Logger *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	store  Store
	cached *cache.Auto[int64, bool]
	logger *slog.Logger
}

// New returns a Service reading through to store.
func New(store Store, cfg Config) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10_000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cache.NewTTL[int64, bool](cache.NewLRU[int64, cache.Stamped[bool]](cfg.Capacity), cfg.MaxAge)
	return &Service{
		store:  store,
		cached: cache.NewAuto[int64, bool](base, store.Get),
		logger: cfg.Logger.With("domain", "firstseen"),
	}
}

// HasSentData reports whether tenantID has ever had a segment accepted.
func (s *Service) HasSentData(ctx context.Context, tenantID int64) (bool, error) {
	ok, err := s.cached.Get(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("first-seen lookup %d: %w", tenantID, err)
	}
	return ok, nil
}

// MarkSent records that tenantID has sent data. Already-marked tenants are
// answered from cache without touching the store.
func (s *Service) MarkSent(ctx context.Context, tenantID int64) error {
	if seen, err := s.cached.Get(ctx, tenantID); err == nil && seen {
		return nil
	}
	if err := s.store.Put(ctx, tenantID); err != nil {
		return fmt.Errorf("first-seen mark %d: %w", tenantID, err)
	}
	s.cached.Set(tenantID, true)
	s.logger.Info("tenant sent first segment", "tenant_id", tenantID)
	return nil
}
