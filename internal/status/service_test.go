package status_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/status"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

const secret = "heartbeat-secret"

func setup(t *testing.T, opts status.Options) (*status.Service, *store.MemoryStore, *models.ClientRegistration) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	hash, err := secrets.HashSecret(secret, bcrypt.MinCost)
	require.NoError(t, err)
	reg := &models.ClientRegistration{
		Name:                   "orders",
		SecretHash:             hash,
		AllowOfflineSettings:   true,
		LastSettingValueUpdate: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveClient(context.Background(), reg))

	opts.Store = s
	if opts.Recorder == nil {
		opts.Recorder = events.NewRecorder(s, nil)
	}
	return status.New(opts), s, reg
}

func beat(session string, uptime float64, mem int64) status.Heartbeat {
	return status.Heartbeat{
		Key:              models.ClientKey{Name: "orders"},
		Secret:           secret,
		MemoryUsageBytes: mem,
		Request: models.StatusRequest{
			RunSessionID:      session,
			UptimeSeconds:     uptime,
			PollIntervalMs:    30000,
			LiveReload:        true,
			LastSettingUpdate: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestProcessHeartbeat_CreatesSession(t *testing.T) {
	svc, s, _ := setup(t, status.Options{AllowOfflineSettings: true})
	ctx := context.Background()

	resp, err := svc.ProcessHeartbeat(ctx, beat("run-1", 5, 2048))
	require.NoError(t, err)
	assert.Equal(t, int64(30000), resp.PollIntervalMs)
	assert.True(t, resp.LiveReload)
	assert.False(t, resp.SettingUpdateAvailable)
	assert.True(t, resp.AllowOfflineSettings)

	_, err = svc.ProcessHeartbeat(ctx, beat("RUN-1", 10, 4096))
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "orders", sessions[0].ClientName)

	rs, err := s.GetSession(ctx, models.ClientKey{Name: "orders"}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, rs.UptimeSeconds)
	assert.Equal(t, int64(4096), rs.MemoryUsageBytes)
	assert.Len(t, rs.HistoricalMemoryUsage, 2)
}

func TestProcessHeartbeat_UpdateAvailable(t *testing.T) {
	svc, _, _ := setup(t, status.Options{})
	hb := beat("run-1", 5, 0)
	hb.Request.LastSettingUpdate = time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)

	resp, err := svc.ProcessHeartbeat(context.Background(), hb)
	require.NoError(t, err)
	assert.True(t, resp.SettingUpdateAvailable)
}

func TestProcessHeartbeat_OfflineSwitches(t *testing.T) {
	svc, _, _ := setup(t, status.Options{AllowOfflineSettings: false})
	resp, err := svc.ProcessHeartbeat(context.Background(), beat("run-1", 5, 0))
	require.NoError(t, err)
	assert.False(t, resp.AllowOfflineSettings, "global switch off")

	svc, s, reg := setup(t, status.Options{AllowOfflineSettings: true})
	reg.AllowOfflineSettings = false
	require.NoError(t, s.SaveClient(context.Background(), reg))
	resp, err = svc.ProcessHeartbeat(context.Background(), beat("run-1", 5, 0))
	require.NoError(t, err)
	assert.False(t, resp.AllowOfflineSettings, "client switch off")
}

func TestProcessHeartbeat_Errors(t *testing.T) {
	svc, _, _ := setup(t, status.Options{})
	ctx := context.Background()

	hb := beat("run-1", 5, 0)
	hb.Secret = "wrong"
	_, err := svc.ProcessHeartbeat(ctx, hb)
	assert.True(t, errors.Is(err, registry.ErrSecretMismatch))

	hb = beat("run-1", 5, 0)
	hb.Key = models.ClientKey{Name: "ghost"}
	_, err = svc.ProcessHeartbeat(ctx, hb)
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))

	hb = beat("", 5, 0)
	_, err = svc.ProcessHeartbeat(ctx, hb)
	var verr *registry.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestProcessHeartbeat_InstanceFallsBackToBase(t *testing.T) {
	svc, s, _ := setup(t, status.Options{})
	hb := beat("run-1", 5, 0)
	hb.Key.Instance = "eu"

	_, err := svc.ProcessHeartbeat(context.Background(), hb)
	require.NoError(t, err)

	_, err = s.GetSession(context.Background(), models.ClientKey{Name: "orders"}, "run-1")
	require.NoError(t, err)
}

func TestProcessHeartbeat_MemoryLeak(t *testing.T) {
	svc, s, _ := setup(t, status.Options{LeakSlopeThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		uptime := 1200 + float64(i)*20
		_, err := svc.ProcessHeartbeat(ctx, beat("run-1", uptime, 1_000_000+int64(i)*20_000))
		require.NoError(t, err)
	}

	rs, err := s.GetSession(ctx, models.ClientKey{Name: "orders"}, "run-1")
	require.NoError(t, err)
	a := rs.MemoryAnalysis
	require.NotNil(t, a)
	assert.True(t, a.PossibleMemoryLeakDetected)
	assert.InDelta(t, 1000, a.TrendSlope, 1e-3)

	leaks, err := s.ListAuditEvents(ctx, models.AuditFilter{Type: models.EventMemoryLeakDetected})
	require.NoError(t, err)
	assert.Len(t, leaks, 1)
}

func TestProcessHeartbeat_FlatMemoryIsNotALeak(t *testing.T) {
	svc, s, _ := setup(t, status.Options{LeakSlopeThreshold: 1})
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := svc.ProcessHeartbeat(ctx, beat("run-1", 1200+float64(i)*20, 1_000_000))
		require.NoError(t, err)
	}

	rs, err := s.GetSession(ctx, models.ClientKey{Name: "orders"}, "run-1")
	require.NoError(t, err)
	a := rs.MemoryAnalysis
	require.NotNil(t, a)
	assert.False(t, a.PossibleMemoryLeakDetected)
	assert.InDelta(t, 0, a.TrendSlope, 1e-3)
}

func TestConfigureSession(t *testing.T) {
	svc, _, _ := setup(t, status.Options{})
	ctx := context.Background()
	key := models.ClientKey{Name: "orders"}

	_, err := svc.ProcessHeartbeat(ctx, beat("run-1", 5, 0))
	require.NoError(t, err)

	interval := int64(5000)
	live := false
	require.NoError(t, svc.ConfigureSession(ctx, key, "run-1", models.RunSessionConfiguration{
		PollIntervalMs: &interval, LiveReload: &live,
	}))

	resp, err := svc.ProcessHeartbeat(ctx, beat("run-1", 35, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), resp.PollIntervalMs)
	assert.False(t, resp.LiveReload)

	hb := beat("run-1", 40, 0)
	hb.Request.PollIntervalMs = 5000
	hb.Request.LiveReload = false
	_, err = svc.ProcessHeartbeat(ctx, hb)
	require.NoError(t, err)

	// Once adopted, the client's own values are echoed back.
	resp, err = svc.ProcessHeartbeat(ctx, beat("run-1", 45, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(30000), resp.PollIntervalMs)
	assert.True(t, resp.LiveReload)

	err = svc.ConfigureSession(ctx, key, "missing", models.RunSessionConfiguration{PollIntervalMs: &interval})
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))

	statuses, err := svc.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "orders", statuses[0].ClientName)
	assert.Equal(t, "run-1", statuses[0].RunSessionID)
}

type countingStore struct {
	*store.MemoryStore
	clientSaves atomic.Int32
}

func (c *countingStore) SaveClient(ctx context.Context, reg *models.ClientRegistration) error {
	c.clientSaves.Add(1)
	return c.MemoryStore.SaveClient(ctx, reg)
}

func TestProcessHeartbeat_LeavesRegistrationAlone(t *testing.T) {
	_, mem, _ := setup(t, status.Options{})
	cs := &countingStore{MemoryStore: mem}
	svc := status.New(status.Options{Store: cs})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.ProcessHeartbeat(ctx, beat("run-1", float64(i+1)*10, 1024))
		require.NoError(t, err)
	}
	assert.Zero(t, cs.clientSaves.Load())

	rs, err := mem.GetSession(ctx, models.ClientKey{Name: "orders"}, "run-1")
	require.NoError(t, err)
	assert.Len(t, rs.HistoricalMemoryUsage, 5)
	assert.Equal(t, 50.0, rs.UptimeSeconds)
}

func TestPruneSessions(t *testing.T) {
	svc, s, _ := setup(t, status.Options{})
	ctx := context.Background()

	_, err := svc.ProcessHeartbeat(ctx, beat("run-1", 5, 0))
	require.NoError(t, err)

	n, err := svc.PruneSessions(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.PruneSessions(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
