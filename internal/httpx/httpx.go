// Package httpx contains the operator HTTP layer (net/http handlers) for
// segvault. It exposes liveness and readiness probes, Prometheus metrics, the
// accounting snapshot and an internal segment API used by segvaultctl:
// lookups, ranged reads, archiving and purges. Handlers are split across
// files (segments.go, health.go, errors.go, middleware.go).
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/haukened/segvault/internal/domain"
)

// SegmentReader abstracts the subset of app.Reader used by the HTTP layer.
type SegmentReader interface {
	FindByKey(ctx context.Context, key string) (domain.MetadataRow, error)
	FindByPrefix(ctx context.Context, prefix string, limit, offset int) ([]domain.MetadataRow, error)
	Fetch(ctx context.Context, row domain.MetadataRow) ([]byte, error)
}

// SegmentRedactor abstracts the subset of app.Redactor used by the HTTP layer.
type SegmentRedactor interface {
	Archive(ctx context.Context, key string) error
	Redact(ctx context.Context, key string) error
	PurgeArchived(ctx context.Context, limit int) (int, error)
}

// Handler wires HTTP endpoints to the segment services.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Reader     SegmentReader
	Redactor   SegmentRedactor
	Readiness  func(context.Context) error // optional readiness probe
	Metrics    http.Handler                // optional Prometheus exposition
	Accounting http.Handler                // optional accounting snapshot
	MaxList    int                         // upper bound on ?limit for listings
	Logger     *slog.Logger
}

// New returns a configured Handler.
// readiness: optional probe function for /readyz (nil => always ready).
func New(reader SegmentReader, redactor SegmentRedactor, readiness func(context.Context) error) *Handler {
	return &Handler{Reader: reader, Redactor: redactor, Readiness: readiness, MaxList: 1000}
}

// Router constructs and returns an http.Handler with all routes mounted and
// the correlation and security header middleware applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.Accounting != nil {
		mux.Handle("GET /debug/accounting", h.Accounting)
	}
	if h.Reader != nil {
		mux.HandleFunc("GET /internal/segments", h.handleListSegments)
		mux.HandleFunc("GET /internal/segments/{key...}", h.handleGetSegment)
	}
	if h.Redactor != nil {
		// keys contain slashes, so the action is a path suffix
		mux.HandleFunc("POST /internal/segments/{key...}", h.handleSegmentAction)
		mux.HandleFunc("POST /internal/purge", h.handlePurge)
	}
	return CorrelationIDMiddleware(AccessLog(h.logger(), h.secureHeaders(mux)))
}

// secureHeaders middleware adds standard security & cache control headers.
// Nothing served here is cacheable or meant for a browser.
func (h *Handler) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("domain", "httpx")
	}
	return h.Logger
}
