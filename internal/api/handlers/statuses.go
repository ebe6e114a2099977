package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/figsettings/fig/internal/api/middleware"
	"github.com/figsettings/fig/internal/status"
	pkgmw "github.com/figsettings/fig/pkg/middleware"
	"github.com/figsettings/fig/pkg/models"
)

// Heartbeat handles PUT /statuses/{clientName}.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var mem int64
	if v := r.Header.Get(middleware.HeaderMemoryUsage); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid "+middleware.HeaderMemoryUsage+" header")
			return
		}
		mem = parsed
	}

	resp, err := h.Status.ProcessHeartbeat(r.Context(), status.Heartbeat{
		Key:              clientKey(r),
		Secret:           r.Header.Get(middleware.HeaderClientSecret),
		Caller:           pkgmw.GetCaller(r.Context()),
		MemoryUsageBytes: mem,
		Request:          req,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListStatuses handles GET /statuses.
func (h *Handlers) ListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.Status.ListStatuses(r.Context())
	if !partial(w, r, err) {
		return
	}
	id := pkgmw.GetIdentity(r.Context())
	visible := make([]status.SessionStatus, 0, len(statuses))
	for _, s := range statuses {
		if id == nil || id.CanAccess(s.ClientName) {
			visible = append(visible, s)
		}
	}
	respondJSON(w, http.StatusOK, visible)
}

// ConfigureSession handles PUT /statuses/{clientName}/sessions/{runSessionId}/configuration.
func (h *Handlers) ConfigureSession(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	var req models.RunSessionConfiguration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.Status.ConfigureSession(r.Context(), key, chi.URLParam(r, "runSessionId"), req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
