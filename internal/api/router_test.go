package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/figsettings/fig/internal/api"
	"github.com/figsettings/fig/internal/api/handlers"
	"github.com/figsettings/fig/internal/auth"
	"github.com/figsettings/fig/internal/config"
	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/keylock"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/status"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/internal/verification"
	"github.com/figsettings/fig/pkg/models"
)

const clientSecret = "router-test-secret"

func newServer(t *testing.T, apiKeys string, requireAuth bool) *httptest.Server {
	t.Helper()
	key, err := secrets.ParseKey("router-test-key")
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	recorder := events.NewRecorder(s, m)
	locks := keylock.New()
	runner := verification.NewRunner(s, cipher, recorder, m)
	reg := registry.New(registry.Options{
		Store: s, Locks: locks, Cipher: cipher, Runner: runner, Recorder: recorder, Metrics: m, BcryptCost: bcrypt.MinCost,
	})
	st := status.New(status.Options{Store: s, Locks: locks, Recorder: recorder, Metrics: m, AllowOfflineSettings: true})

	chain := auth.NewProviderChain()
	if apiKeys != "" {
		p, err := auth.NewAPIKeyProvider(apiKeys)
		require.NoError(t, err)
		chain.RegisterProvider(p)
	}

	cfg := config.Load()
	cfg.Version = "test"
	cfg.Auth.RequireAuth = requireAuth

	srv := httptest.NewServer(api.NewRouter(cfg, handlers.New(reg, st, s), chain, m))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func definition() models.ClientDefinition {
	return models.ClientDefinition{
		Name: "web",
		Settings: []models.Setting{
			{Name: "WebsiteAddress", ValueType: models.TypeString, DefaultValue: models.StringValue("http://example.invalid").Ptr()},
			{Name: "Retries", ValueType: models.TypeInt, DefaultValue: models.IntValue(3).Ptr()},
		},
		Verifications: []models.VerificationDefinition{{
			Name: "RetriesPositive", Kind: models.VerificationDynamic, SettingNames: []string{"Retries"},
			Code: "settings.Retries > 0",
		}},
	}
}

func register(t *testing.T, base string) {
	t.Helper()
	resp := do(t, http.MethodPost, base+"/clients", definition(), map[string]string{"clientSecret": clientSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newServer(t, "", false)
	resp := do(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndRead(t *testing.T) {
	srv := newServer(t, "", false)

	resp := do(t, http.MethodPost, srv.URL+"/clients", definition(), map[string]string{"clientSecret": clientSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.RegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, models.EventInitialRegistration, out.Outcome)

	resp = do(t, http.MethodPost, srv.URL+"/clients", definition(), map[string]string{"clientSecret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/clients/web/settings", nil, map[string]string{"clientSecret": clientSecret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var values []models.SettingValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&values))
	assert.Len(t, values, 2)
}

func TestRegisterCompileError(t *testing.T) {
	srv := newServer(t, "", false)
	def := definition()
	def.Verifications[0].Code = "settings.("

	resp := do(t, http.MethodPost, srv.URL+"/clients", def, map[string]string{"clientSecret": clientSecret})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RetriesPositive", body["verification"])
	assert.NotEmpty(t, body["diagnostics"])
}

func TestHeartbeat(t *testing.T) {
	srv := newServer(t, "", false)
	register(t, srv.URL)

	req := models.StatusRequest{RunSessionID: "run-1", UptimeSeconds: 12, PollIntervalMs: 30000, LiveReload: true}
	resp := do(t, http.MethodPut, srv.URL+"/statuses/web", req, map[string]string{
		"clientSecret":         clientSecret,
		"Fig_MemoryUsageBytes": "1048576",
		"Fig_Hostname":         "box-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sr models.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sr))
	assert.Equal(t, int64(30000), sr.PollIntervalMs)
	assert.True(t, sr.SettingUpdateAvailable)
	assert.True(t, sr.AllowOfflineSettings)

	resp = do(t, http.MethodPut, srv.URL+"/statuses/web", req, map[string]string{
		"clientSecret":         clientSecret,
		"Fig_MemoryUsageBytes": "lots",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/statuses", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []status.SessionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "box-1", statuses[0].Hostname)
	assert.Equal(t, int64(1048576), statuses[0].MemoryUsageBytes)
}

func TestRunVerification(t *testing.T) {
	srv := newServer(t, "admin,ops=^billing$", false)
	register(t, srv.URL)

	resp := do(t, http.MethodPut, srv.URL+"/clients/web/verifications/RetriesPositive", nil, map[string]string{"X-API-Key": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result models.VerificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.RequestingUser, "apikey:"))

	resp = do(t, http.MethodPut, srv.URL+"/clients/web/verifications/Missing", nil, map[string]string{"X-API-Key": "admin"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/clients/web/verifications/RetriesPositive", nil, map[string]string{"X-API-Key": "ops"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/clients/web/verifications/RetriesPositive", nil, map[string]string{"X-API-Key": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/clients/web/verifications/RetriesPositive/history", nil, map[string]string{"X-API-Key": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.VerificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Len(t, history, 1)
}

func TestAdminRequiresAuth(t *testing.T) {
	srv := newServer(t, "admin", true)
	register(t, srv.URL)

	resp := do(t, http.MethodGet, srv.URL+"/clients", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/clients", nil, map[string]string{"Authorization": "Bearer admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var clients []models.ClientRegistration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Empty(t, clients[0].SecretHash)
}

func TestScopedKeysRejectAnonymousCallers(t *testing.T) {
	srv := newServer(t, "scoped=^other$", false)
	register(t, srv.URL)

	resp := do(t, http.MethodPut, srv.URL+"/clients/web/verifications/RetriesPositive", nil, map[string]string{"X-API-Key": "scoped"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/clients/web/verifications/RetriesPositive", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/clients", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdateSettingsAndEvents(t *testing.T) {
	srv := newServer(t, "", false)
	register(t, srv.URL)

	update := models.SettingValueUpdates{Values: []models.SettingValueUpdate{{Name: "Retries", Value: models.IntValue(7)}}}
	resp := do(t, http.MethodPut, srv.URL+"/clients/web/settings", update, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bad := models.SettingValueUpdates{Values: []models.SettingValueUpdate{{Name: "Retries", Value: models.StringValue("seven")}}}
	resp = do(t, http.MethodPut, srv.URL+"/clients/web/settings", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/clients/web/settings/Retries/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []models.SettingValueRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "7", records[0].Value)

	resp = do(t, http.MethodGet, srv.URL+"/events?client=web&type=SettingValueUpdated", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs []models.AuditEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
	assert.Len(t, evs, 1)

	resp = do(t, http.MethodGet, srv.URL+"/events?since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/clients/web", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, srv.URL+"/clients/web", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsExposeHeartbeats(t *testing.T) {
	srv := newServer(t, "", false)
	register(t, srv.URL)
	do(t, http.MethodPut, srv.URL+"/statuses/web", models.StatusRequest{RunSessionID: "r"}, map[string]string{"clientSecret": clientSecret})

	resp := do(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "fig_status_heartbeats_total"))
}
