package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/figsettings/fig/internal/api/middleware"
	pkgmw "github.com/figsettings/fig/pkg/middleware"
	"github.com/figsettings/fig/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Client-facing Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

// RegisterClient handles POST /clients.
func (h *Handlers) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var def models.ClientDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	out, err := h.Registry.Register(r.Context(), r.Header.Get(middleware.HeaderClientSecret), pkgmw.GetCaller(r.Context()), def)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.RegistrationResponse{Outcome: out.Event, ClientID: out.Client.ID})
}

// ReadSettings handles GET /clients/{clientName}/settings.
func (h *Handlers) ReadSettings(w http.ResponseWriter, r *http.Request) {
	values, err := h.Registry.ReadSettings(r.Context(), clientKey(r), r.Header.Get(middleware.HeaderClientSecret), pkgmw.GetCaller(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, values)
}

// ══════════════════════════════════════════════════════════════
// ── Administration Handlers ──────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListClients handles GET /clients. Clients outside the caller's scope are
// left out.
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Registry.ListClients(r.Context())
	if !partial(w, r, err) {
		return
	}
	id := pkgmw.GetIdentity(r.Context())
	visible := make([]models.ClientRegistration, 0, len(clients))
	for _, c := range clients {
		if id == nil || id.CanAccess(c.Name) {
			visible = append(visible, c)
		}
	}
	respondJSON(w, http.StatusOK, visible)
}

// GetClient handles GET /clients/{clientName}.
func (h *Handlers) GetClient(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	client, err := h.Registry.GetClient(r.Context(), key)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// DeleteClient handles DELETE /clients/{clientName}.
func (h *Handlers) DeleteClient(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	if err := h.Registry.DeleteClient(r.Context(), key, user(r)); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateSettings handles PUT /clients/{clientName}/settings.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	var req models.SettingValueUpdates
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	client, err := h.Registry.UpdateValues(r.Context(), key, req, user(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// SettingHistory handles GET /clients/{clientName}/settings/{settingName}/history.
func (h *Handlers) SettingHistory(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	records, err := h.Registry.SettingHistory(r.Context(), key, chi.URLParam(r, "settingName"), queryInt(r, "limit", 100))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []models.SettingValueRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ChangeSecret handles PUT /clients/{clientName}/secret.
func (h *Handlers) ChangeSecret(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	var req models.SecretChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.Registry.ChangeSecret(r.Context(), key, req, user(r)); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateClientConfiguration handles PUT /clients/{clientName}/configuration.
func (h *Handlers) UpdateClientConfiguration(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	var req models.ClientConfiguration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	client, err := h.Registry.SetClientConfiguration(r.Context(), key, req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, client)
}

// RunVerification handles PUT /clients/{clientName}/verifications/{verificationName}.
// Execution failures come back as a 200 with a failed result.
func (h *Handlers) RunVerification(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	result, err := h.Registry.RunVerification(r.Context(), key, chi.URLParam(r, "verificationName"), user(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// VerificationHistory handles GET /clients/{clientName}/verifications/{verificationName}/history.
func (h *Handlers) VerificationHistory(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !authorize(w, r, key.Name) {
		return
	}
	results, err := h.Registry.VerificationHistory(r.Context(), key, chi.URLParam(r, "verificationName"), queryInt(r, "limit", 100))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if results == nil {
		results = []models.VerificationResult{}
	}
	respondJSON(w, http.StatusOK, results)
}
