package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figsettings/fig/internal/retention"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

func TestRunCycle(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 72 * time.Hour} {
		require.NoError(t, s.AppendVerificationResult(ctx, &models.VerificationResult{
			ID: string(rune('a' + i)), ClientName: "orders", VerificationName: "Ping", Timestamp: now.Add(-age),
		}))
		require.NoError(t, s.CreateAuditEvent(ctx, &models.AuditEvent{
			ID: string(rune('a' + i)), Type: models.EventSettingsRead, ClientName: "orders", Timestamp: now.Add(-age),
		}))
	}

	j := retention.NewJanitor(s, retention.Policy{VerificationHistory: 24 * time.Hour}, time.Hour, nil)
	stats := j.RunCycle(ctx)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, int64(2), stats.VerificationResultsPurged)
	assert.Zero(t, stats.AuditEventsPurged)

	results, err := s.ListVerificationResults(ctx, models.ClientKey{Name: "orders"}, "Ping", 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	evs, err := s.ListAuditEvents(ctx, models.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, evs, 3)

	j = retention.NewJanitor(s, retention.Policy{AuditEvents: 50 * time.Hour}, time.Hour, nil)
	stats = j.RunCycle(ctx)
	assert.Equal(t, int64(1), stats.AuditEventsPurged)
}

func TestRunCycle_IdleSessions(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	key := models.ClientKey{Name: "orders"}

	require.NoError(t, s.SaveSession(ctx, key, &models.RunSession{RunSessionID: "live", LastSeen: now.Add(-time.Minute)}))
	require.NoError(t, s.SaveSession(ctx, key, &models.RunSession{RunSessionID: "gone", LastSeen: now.Add(-48 * time.Hour)}))

	j := retention.NewJanitor(s, retention.Policy{RunSessions: 24 * time.Hour}, time.Hour, nil)
	assert.True(t, j.Enabled())
	stats := j.RunCycle(ctx)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, int64(1), stats.RunSessionsPurged)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].RunSessionID)
}

func TestStartStopsOnCancel(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	j := retention.NewJanitor(s, retention.Policy{AuditEvents: time.Hour}, 0, nil)
	assert.True(t, j.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
