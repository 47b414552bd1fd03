package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haukened/segvault/internal/byterange"
	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/envelope"
)

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		h.logger().Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain, range and crypto errors to HTTP responses.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	log := h.logger()
	switch {
	case errors.Is(err, domain.ErrInvalidKey):
		log.Warn("service error", "cid", cid, "code", "invalid_key")
		h.writeError(ctx, w, http.StatusBadRequest, "invalid key")
	case errors.Is(err, byterange.ErrMalformedRangeHeader):
		log.Warn("service error", "cid", cid, "code", "malformed_range")
		h.writeError(ctx, w, http.StatusBadRequest, "malformed range")
	case errors.Is(err, byterange.ErrUnsatisfiableRange):
		log.Info("service error", "cid", cid, "code", "unsatisfiable_range")
		h.writeError(ctx, w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	case errors.Is(err, domain.ErrNotFound):
		log.Info("service error", "cid", cid, "code", "not_found")
		h.writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrNotArchived):
		log.Warn("service error", "cid", cid, "code", "not_archived")
		h.writeError(ctx, w, http.StatusConflict, "not archived")
	case errors.Is(err, envelope.ErrDecryption):
		log.Error("service error", "cid", cid, "code", "decryption_failed")
		h.writeError(ctx, w, http.StatusBadGateway, "decryption failed")
	case errors.Is(err, context.Canceled):
		log.Info("service error", "cid", cid, "code", "canceled")
		h.writeError(ctx, w, 499, "canceled")
	default:
		// segment keys and blob names stay out of the log line
		log.Error("unhandled service error", "cid", cid, "code", "unhandled")
		h.writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
