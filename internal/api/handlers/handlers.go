// Package handlers implements the HTTP handlers for the Fig server.
//
// Client-facing handlers authenticate with the client secret header; the
// administrative handlers run behind the auth middleware and check the
// caller's client scope.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/auth"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/status"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/internal/verification"
	pkgmw "github.com/figsettings/fig/pkg/middleware"
	"github.com/figsettings/fig/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Service
	Status   *status.Service
	Audit    store.AuditStore
}

// New creates a new Handlers instance with all dependencies.
func New(reg *registry.Service, st *status.Service, audit store.AuditStore) *Handlers {
	return &Handlers{Registry: reg, Status: st, Audit: audit}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HeaderSkippedRecords counts the stored records a listing had to leave out.
const HeaderSkippedRecords = "X-Fig-Skipped-Records"

// partial clears the error of a listing that only skipped unreadable
// records, noting the count in a response header. A real failure is answered
// and false returned.
func partial(w http.ResponseWriter, r *http.Request, err error) bool {
	skipped, err := store.Partial(err)
	if err != nil {
		respondServiceError(w, r, err)
		return false
	}
	if skipped != nil {
		w.Header().Set(HeaderSkippedRecords, strconv.Itoa(len(skipped.Records)))
	}
	return true
}

// respondServiceError maps service errors onto status codes.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *registry.ValidationError
		cerr *verification.CompileError
		nf   *store.ErrNotFound
		rerr *store.RecordError
	)
	switch {
	case errors.As(err, &cerr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":        cerr.Error(),
			"verification": cerr.Verification,
			"runtime":      cerr.Runtime,
			"diagnostics":  cerr.Diagnostics,
		})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "invalid request",
			"problems": verr.Problems,
		})
	case errors.Is(err, registry.ErrSecretMismatch), errors.Is(err, auth.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rerr):
		log.Error().Err(err).Str("client", rerr.Client).Str("setting", rerr.Setting).Str("path", r.URL.Path).
			Msg("Unreadable stored record")
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// clientKey reads the client name path parameter and the instance query.
func clientKey(r *http.Request) models.ClientKey {
	return models.ClientKey{
		Name:     chi.URLParam(r, "clientName"),
		Instance: r.URL.Query().Get("instance"),
	}
}

// authorize answers 401 when the authenticated identity's scope excludes the
// client. Anonymous callers only reach here when auth is not required.
func authorize(w http.ResponseWriter, r *http.Request, clientName string) bool {
	id := pkgmw.GetIdentity(r.Context())
	if id == nil || id.CanAccess(clientName) {
		return true
	}
	respondError(w, http.StatusUnauthorized, "access to client "+clientName+" is not permitted")
	return false
}

func user(r *http.Request) string {
	if id := pkgmw.GetIdentity(r.Context()); id != nil {
		return id.Subject
	}
	return "anonymous"
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
