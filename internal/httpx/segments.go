package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/haukened/segvault/internal/byterange"
	"github.com/haukened/segvault/internal/domain"
)

const defaultListLimit = 100

// SegmentView is the JSON form of a metadata row. Key material is never
// exposed; Encrypted only reports whether the row still carries some.
type SegmentView struct {
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Length    int64  `json:"length"`
	Encrypted bool   `json:"encrypted"`
	Archived  bool   `json:"archived"`
	Zeroed    bool   `json:"zeroed"`
}

func viewOf(r domain.MetadataRow) SegmentView {
	return SegmentView{
		Key:       r.Key,
		Filename:  r.Filename,
		Start:     r.Start,
		End:       r.End,
		Length:    r.Len(),
		Encrypted: r.Encrypted(),
		Archived:  r.IsArchived,
		Zeroed:    r.IsZeroed,
	}
}

// handleGetSegment serves the decrypted bytes of one segment. A single
// Range spec is honored; the header is validated before any lookup.
func (h *Handler) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var rng byterange.Range
	if hdr := r.Header.Get("Range"); hdr != "" {
		parsed, err := byterange.ParseSingle(hdr)
		if err != nil {
			h.mapServiceError(ctx, w, err)
			return
		}
		rng = parsed
	}

	row, err := h.Reader.FindByKey(ctx, r.PathValue("key"))
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	data, err := h.Reader.Fetch(ctx, row)
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	total := int64(len(data))
	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	start, end, err := rng.Bounds(total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		h.mapServiceError(ctx, w, err)
		return
	}
	if end < start {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start : end+1])
}

// handleListSegments lists live rows by key prefix.
func (h *Handler) handleListSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid limit")
		return
	}
	if h.MaxList > 0 && limit > h.MaxList {
		limit = h.MaxList
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid offset")
		return
	}

	rows, err := h.Reader.FindByPrefix(ctx, q.Get("prefix"), limit, offset)
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	out := make([]SegmentView, 0, len(rows))
	for _, row := range rows {
		out = append(out, viewOf(row))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSegmentAction dispatches POST /internal/segments/{key}/{action}.
func (h *Handler) handleSegmentAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rest := r.PathValue("key")
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		h.writeError(ctx, w, http.StatusNotFound, "unknown action")
		return
	}
	key, action := rest[:i], rest[i+1:]

	var err error
	switch action {
	case "archive":
		err = h.Redactor.Archive(ctx, key)
	case "redact":
		err = h.Redactor.Redact(ctx, key)
	default:
		h.writeError(ctx, w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	h.logger().Info("segment "+action, "action", action)
	w.WriteHeader(http.StatusNoContent)
}

// handlePurge runs one bounded purge pass on demand.
func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := queryInt(r.URL.Query().Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid limit")
		return
	}
	n, err := h.Redactor.PurgeArchived(ctx, limit)
	if err != nil {
		h.logger().Error("purge incomplete", "zeroed", n, "err", err)
		h.mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Zeroed int `json:"zeroed"`
	}{Zeroed: n})
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
