// Package api exposes a session to the local UI over HTTP: optimistic
// entity reads and writes, remote reads through the cache, queue
// inspection, manual sync, connectivity reports and a websocket stream of
// sync notifications.
//
// Errors are returned as JSON {"error": ..., "details": ...}:
//   - 400: malformed body or validation failure
//   - 401: no signed-in owner
//   - 404: unknown entity type or row
//   - 502: remote store failure on a read
//   - 500: local storage failure
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/offline"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/session"
)

const maxBodyBytes = 1 << 20

// Handler serves one session.
type Handler struct {
	session *session.Session
	logger  *slog.Logger
}

// NewHandler creates a handler for s.
func NewHandler(s *session.Session, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{session: s, logger: logger}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// StatsResponse reports queue counts and engine state.
type StatsResponse struct {
	mutation.Stats
	Online   bool `json:"online"`
	Draining bool `json:"draining"`
}

// SyncResponse reports one manual drain cycle.
type SyncResponse struct {
	Cycle     int64          `json:"cycle"`
	Skipped   bool           `json:"skipped"`
	Reason    string         `json:"reason,omitempty"`
	Attempted int            `json:"attempted"`
	Synced    int            `json:"synced"`
	Failed    int            `json:"failed"`
	Frozen    int            `json:"frozen"`
	Stats     mutation.Stats `json:"stats"`
}

// ConnectivityRequest is the body of POST /api/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// ConnectivityResponse reports the state after a connectivity report.
type ConnectivityResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

// ListItems returns the optimistic list for an entity type.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	if h.session.Owner() == "" {
		h.writeDomainError(w, mutation.NewAuthError(c.EntityType()))
		return
	}
	writeJSON(w, http.StatusOK, c.Items())
}

// ListRemote returns the owner's remote rows through the cache.
func (h *Handler) ListRemote(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	rows, err := h.session.Read(r.Context(), c.EntityType())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// CreateItem adds an item. The body is the entity object.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	body, ok := readObject(w, r)
	if !ok {
		return
	}
	row, err := c.Add(r.Context(), body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// UpdateItem merges the body into the item with the path id.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	body, ok := readObject(w, r)
	if !ok {
		return
	}
	row, err := c.Update(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// DeleteItem removes the item with the path id.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	if err := c.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats returns queue counts for the signed-in owner.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.session.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:    stats,
		Online:   h.session.Online(),
		Draining: h.session.Engine().Draining(),
	})
}

// ListQueue returns queue records, optionally filtered by ?status=.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := mutation.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status", fmt.Errorf("unknown status %q", status))
		return
	}
	records, err := h.session.Records(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// TriggerSync runs one drain cycle and reports its outcome.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.session.SyncNow(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Cycle:     res.Cycle,
		Skipped:   res.Skipped,
		Reason:    res.Reason,
		Attempted: res.Attempted,
		Synced:    res.Synced,
		Failed:    res.Failed,
		Frozen:    res.Frozen,
		Stats:     res.Stats,
	})
}

// SetConnectivity records a browser online/offline event.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required", nil)
		return
	}
	changed := h.session.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, ConnectivityResponse{Online: h.session.Online(), Changed: changed})
}

func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (*offline.Collection, bool) {
	et, err := mutation.ParseEntityType(chi.URLParam(r, "entity"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown entity type", err)
		return nil, false
	}
	c, err := h.session.Collection(et)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown entity type", err)
		return nil, false
	}
	return c, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case mutation.IsAuthError(err):
		writeError(w, http.StatusUnauthorized, "not signed in", err)
	case mutation.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation failed", err)
	case mutation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case mutation.IsRemoteError(err):
		writeError(w, http.StatusBadGateway, "remote store unavailable", err)
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func readObject(w http.ResponseWriter, r *http.Request) (payload.Object, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	obj, err := payload.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	return obj, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
