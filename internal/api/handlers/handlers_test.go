package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figsettings/fig/internal/api/handlers"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/status"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

// damagedStore reports one unreadable record on every listing, or fails
// outright when fail is set.
type damagedStore struct {
	*store.MemoryStore
	fail bool
}

func (d *damagedStore) damage() error {
	if d.fail {
		return errors.New("connection reset")
	}
	return &store.SkippedRecords{Records: []*store.RecordError{{Client: "broken", Err: errors.New("bad json")}}}
}

func (d *damagedStore) ListClients(ctx context.Context) ([]models.ClientRegistration, error) {
	clients, _ := d.MemoryStore.ListClients(ctx)
	if d.fail {
		return nil, d.damage()
	}
	return clients, d.damage()
}

func (d *damagedStore) ListSessions(ctx context.Context) ([]models.ClientRunSession, error) {
	sessions, _ := d.MemoryStore.ListSessions(ctx)
	if d.fail {
		return nil, d.damage()
	}
	return sessions, d.damage()
}

func newHandlers(t *testing.T, fail bool) *handlers.Handlers {
	t.Helper()
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	ctx := context.Background()
	require.NoError(t, mem.SaveClient(ctx, &models.ClientRegistration{Name: "orders", SecretHash: "hash"}))
	require.NoError(t, mem.SaveSession(ctx, models.ClientKey{Name: "orders"}, &models.RunSession{RunSessionID: "run-1"}))

	s := &damagedStore{MemoryStore: mem, fail: fail}
	return handlers.New(registry.New(registry.Options{Store: s}), status.New(status.Options{Store: s}), s)
}

func TestListings_ReportSkippedRecords(t *testing.T) {
	h := newHandlers(t, false)

	rec := httptest.NewRecorder()
	h.ListClients(rec, httptest.NewRequest(http.MethodGet, "/clients", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(handlers.HeaderSkippedRecords))
	var clients []models.ClientRegistration
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "orders", clients[0].Name)
	assert.Empty(t, clients[0].SecretHash)

	rec = httptest.NewRecorder()
	h.ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/statuses", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(handlers.HeaderSkippedRecords))
	var statuses []status.SessionStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "run-1", statuses[0].RunSessionID)
}

func TestListings_StoreFailure(t *testing.T) {
	h := newHandlers(t, true)

	rec := httptest.NewRecorder()
	h.ListClients(rec, httptest.NewRequest(http.MethodGet, "/clients", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get(handlers.HeaderSkippedRecords))

	rec = httptest.NewRecorder()
	h.ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/statuses", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
