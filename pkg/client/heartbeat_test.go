package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figsettings/fig/pkg/client"
	"github.com/figsettings/fig/pkg/models"
)

// fakeSender answers heartbeats through fn, which sees the 1-based attempt number.
type fakeSender struct {
	mu    sync.Mutex
	calls int
	reqs  []models.StatusRequest
	fn    func(n int) (*models.StatusResponse, error)
}

func (f *fakeSender) SendStatus(_ context.Context, req models.StatusRequest) (*models.StatusResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func drain(m *client.HeartbeatMonitor) []client.EventType {
	var out []client.EventType
	for ev := range m.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestHeartbeatMonitor_OneOfflineTransitionPerOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.StatusResponse{PollIntervalMs: 5, AllowOfflineSettings: true})
	}))
	defer srv.Close()

	c, err := client.New(client.Options{
		BaseURL: srv.URL,
		Secret:  "monitor-secret",
		Schema:  client.Schema{Name: "orders"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	m := client.NewHeartbeatMonitor(c, client.MonitorOptions{
		RunSessionID:           "run-1",
		PollInterval:           5 * time.Millisecond,
		OfflineSettingsEnabled: true,
		Logger:                 zerolog.Nop(),
	})
	m.Start(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 6 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, []client.EventType{client.EventOffline, client.EventReconnected}, drain(m))
	assert.Equal(t, client.Connected, m.State())
	assert.Equal(t, 5*time.Millisecond, m.PollInterval())
}

func TestHeartbeatMonitor_SettingsChangedNeedsLiveReload(t *testing.T) {
	sender := &fakeSender{fn: func(n int) (*models.StatusResponse, error) {
		return &models.StatusResponse{
			PollIntervalMs:         5,
			LiveReload:             n >= 3,
			SettingUpdateAvailable: true,
			AllowOfflineSettings:   true,
		}, nil
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: 5 * time.Millisecond, OfflineSettingsEnabled: true, Logger: zerolog.Nop(),
	})
	m.Start(context.Background())

	var got client.Event
	select {
	case got = <-m.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	m.Stop()

	assert.Equal(t, client.EventSettingsChanged, got.Type)
	assert.GreaterOrEqual(t, sender.Calls(), 3)
}

func TestHeartbeatMonitor_OfflineSettingsDisabled(t *testing.T) {
	sender := &fakeSender{fn: func(n int) (*models.StatusResponse, error) {
		return &models.StatusResponse{PollIntervalMs: 5, AllowOfflineSettings: n < 2}, nil
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: 5 * time.Millisecond, OfflineSettingsEnabled: true, Logger: zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	require.Eventually(t, func() bool { return sender.Calls() >= 5 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, []client.EventType{client.EventOfflineSettingsDisabled}, drain(m))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, sender.reqs[0].OfflineSettingsEnabled)
	assert.False(t, sender.reqs[len(sender.reqs)-1].OfflineSettingsEnabled)
}

func TestHeartbeatMonitor_RejectedHeartbeatStaysConnected(t *testing.T) {
	sender := &fakeSender{fn: func(int) (*models.StatusResponse, error) {
		return nil, &client.StatusError{StatusCode: http.StatusUnauthorized, Message: "secret mismatch"}
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: 5 * time.Millisecond, Logger: zerolog.Nop(),
	})
	m.Start(context.Background())
	require.Eventually(t, func() bool { return sender.Calls() >= 3 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Empty(t, drain(m))
	assert.Equal(t, client.Connected, m.State())
}

func TestHeartbeatMonitor_SurvivesPanics(t *testing.T) {
	sender := &fakeSender{fn: func(n int) (*models.StatusResponse, error) {
		if n == 1 {
			panic("boom")
		}
		return nil, errors.Join(client.ErrTransportUnavailable, errors.New("dial tcp: refused"))
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: 5 * time.Millisecond, Logger: zerolog.Nop(),
	})
	m.Start(context.Background())
	require.Eventually(t, func() bool { return sender.Calls() >= 4 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, []client.EventType{client.EventOffline}, drain(m))
	assert.Equal(t, client.Offline, m.State())
}

func TestHeartbeatMonitor_UnreadEventsDoNotStallHeartbeats(t *testing.T) {
	sender := &fakeSender{fn: func(int) (*models.StatusResponse, error) {
		return &models.StatusResponse{PollIntervalMs: 2, LiveReload: true, SettingUpdateAvailable: true}, nil
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: 2 * time.Millisecond, LiveReload: true, Logger: zerolog.Nop(),
	})
	m.Start(context.Background())

	require.Eventually(t, func() bool { return sender.Calls() >= 40 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, []client.EventType{client.EventSettingsChanged}, drain(m))
}

func TestHeartbeatMonitor_SlowSendIsNeverOverlapped(t *testing.T) {
	const slow = 30 * time.Millisecond
	var inflight, maxInflight atomic.Int32
	var mu sync.Mutex
	var starts []time.Time

	sender := &fakeSender{fn: func(int) (*models.StatusResponse, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		n := inflight.Add(1)
		for {
			cur := maxInflight.Load()
			if n <= cur || maxInflight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(slow)
		inflight.Add(-1)
		return &models.StatusResponse{PollIntervalMs: 1}, nil
	}}
	m := client.NewHeartbeatMonitor(sender, client.MonitorOptions{
		RunSessionID: "run-1", PollInterval: time.Millisecond, Logger: zerolog.Nop(),
	})
	m.Start(context.Background())

	require.Eventually(t, func() bool { return sender.Calls() >= 4 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, int32(1), maxInflight.Load())
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), slow)
	}
}

func TestHeartbeatMonitor_StopWithoutStart(t *testing.T) {
	m := client.NewHeartbeatMonitor(&fakeSender{}, client.MonitorOptions{RunSessionID: "run-1", Logger: zerolog.Nop()})
	m.Stop()
	m.Stop()

	_, open := <-m.Events()
	assert.False(t, open)
}
