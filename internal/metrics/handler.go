package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// SnapshotProvider abstracts Manager for testing.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error)
}

// Handler serves the accounting snapshot as JSON. A non-empty token requires
// "Authorization: Bearer <token>". The optional tenant query parameter
// narrows counters to that tenant's series.
func Handler(provider SnapshotProvider, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		counters, summaries, err := provider.Snapshot(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if tenant := r.URL.Query().Get("tenant"); tenant != "" {
			prefix := "tenant/" + tenant + "/"
			filtered := make(map[string]int64)
			for k, v := range counters {
				if name, ok := strings.CutPrefix(k, prefix); ok {
					filtered[name] = v
				}
			}
			counters, summaries = filtered, map[string]Summary{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"counters":  counters,
			"summaries": summaries,
		})
	}
}
