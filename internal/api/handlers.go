package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/hyperengineering/ritual/internal/store"
	"github.com/hyperengineering/ritual/internal/types"
)

// Handler implements the completion-log API.
type Handler struct {
	store   store.Store
	apiKey  string
	version string
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// GetLog handles GET /api/v1/logs?type=&date=
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	ritual := types.RitualType(r.URL.Query().Get("type"))
	dateKey := r.URL.Query().Get("date")
	if err := validateKey(ritual, dateKey); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	completion, err := h.store.GetCompletion(r.Context(), ritual, dateKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && completion == nil) {
		WriteProblem(w, r, http.StatusNotFound, "No completion for that date")
		return
	}
	if err != nil {
		slog.Error("get log failed", "error", err, "ritual", ritual, "date_key", dateKey)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completion)
}

// ListRange handles GET /api/v1/logs/range?type=&from=&to=
func (h *Handler) ListRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ritual := types.RitualType(q.Get("type"))
	fromKey, toKey := q.Get("from"), q.Get("to")

	if err := validateKey(ritual, fromKey); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateKey(ritual, toKey); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if toKey < fromKey {
		WriteProblem(w, r, http.StatusBadRequest, "Range end precedes range start")
		return
	}

	completions, err := h.store.ListCompletions(r.Context(), ritual, fromKey, toKey)
	if err != nil {
		slog.Error("list range failed", "error", err, "ritual", ritual)
		MapStoreError(w, r, err)
		return
	}
	if completions == nil {
		completions = []types.Completion{}
	}

	writeJSON(w, http.StatusOK, completions)
}

// UpsertLog handles POST /api/v1/logs. The upsert is keyed by
// (type, date key); re-delivery of an already-applied completion is a no-op
// that returns the stored record. The server timestamp is canonical.
func (h *Handler) UpsertLog(w http.ResponseWriter, r *http.Request) {
	var req types.Completion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if err := validateKey(req.RitualType, req.DateKey); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Payload is not valid JSON")
		return
	}

	req.RecordedAt = time.Now().UTC()
	if err := h.store.UpsertCompletion(r.Context(), req); err != nil {
		slog.Error("upsert failed", "error", err, "ritual", req.RitualType, "date_key", req.DateKey)
		MapStoreError(w, r, err)
		return
	}

	stored, err := h.store.GetCompletion(r.Context(), req.RitualType, req.DateKey)
	if err != nil || stored == nil {
		slog.Error("read-back after upsert failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

var weekKeyPattern = regexp.MustCompile(`^\d{4}-W\d{2}$`)

// validateKey checks the ritual type and that the date key matches the
// ritual's cadence: YYYY-MM-DD for daily, YYYY-Www for weekly.
func validateKey(ritual types.RitualType, dateKey string) error {
	if !ritual.Valid() {
		return fmt.Errorf("unknown ritual type %q", ritual)
	}
	if ritual.Weekly() {
		if !weekKeyPattern.MatchString(dateKey) {
			return fmt.Errorf("date key %q is not a week key (YYYY-Www)", dateKey)
		}
		return nil
	}
	if _, err := types.ParseDayKey(dateKey); err != nil {
		return fmt.Errorf("date key %q is not a day key (YYYY-MM-DD)", dateKey)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
