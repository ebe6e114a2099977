package handlers

import (
	"net/http"
	"time"

	pkgmw "github.com/figsettings/fig/pkg/middleware"
	"github.com/figsettings/fig/pkg/models"
)

// ListAuditEvents handles GET /events.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		ClientName: r.URL.Query().Get("client"),
		Type:       models.EventType(r.URL.Query().Get("type")),
		Limit:      queryInt(r, "limit", 100),
	}
	if q := r.URL.Query().Get("since"); q != "" {
		since, err := time.Parse(time.RFC3339, q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	if filter.ClientName != "" && !authorize(w, r, filter.ClientName) {
		return
	}

	events, err := h.Audit.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	id := pkgmw.GetIdentity(r.Context())
	visible := make([]models.AuditEvent, 0, len(events))
	for _, e := range events {
		if id == nil || id.CanAccess(e.ClientName) {
			visible = append(visible, e)
		}
	}
	respondJSON(w, http.StatusOK, visible)
}
