package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func testClient(name, instance string) *models.ClientRegistration {
	return &models.ClientRegistration{
		ID:       name + "-id",
		Name:     name,
		Instance: instance,
		Settings: []models.Setting{{
			Name:      "Timeout",
			ValueType: models.TypeInt,
			Value:     models.IntValue(3000).Ptr(),
		}},
	}
}

// ─── Clients ─────────────────────────────────────────────────

func TestSaveAndGetClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("orders", "")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, models.ClientKey{Name: "orders"})
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Name != "orders" {
		t.Errorf("GetClient().Name = %q, want %q", got.Name, "orders")
	}
	if v, _ := got.Settings[0].Value.AsInt64(); v != 3000 {
		t.Errorf("Timeout = %d, want 3000", v)
	}
}

func TestGetClient_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveClient(ctx, testClient("orders", ""))

	got, _ := s.GetClient(ctx, models.ClientKey{Name: "orders"})
	got.Settings[0].Value = models.IntValue(1).Ptr()

	again, _ := s.GetClient(ctx, models.ClientKey{Name: "orders"})
	if v, _ := again.Settings[0].Value.AsInt64(); v != 3000 {
		t.Errorf("stored value mutated through returned copy: %d", v)
	}
}

func TestGetClient_InstancesAreDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveClient(ctx, testClient("orders", ""))

	_, err := s.GetClient(ctx, models.ClientKey{Name: "orders", Instance: "eu"})
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetClient(eu) error = %v, want ErrNotFound", err)
	}
	if nf.Entity != "client" {
		t.Errorf("ErrNotFound.Entity = %q, want client", nf.Entity)
	}
}

func TestListAndDeleteClients(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SaveClient(ctx, testClient("b", ""))
	s.SaveClient(ctx, testClient("a", ""))
	s.SaveClient(ctx, testClient("a", "eu"))

	list, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(list) != 3 || list[0].Name != "a" || list[1].Instance != "eu" || list[2].Name != "b" {
		t.Fatalf("ListClients() order = %+v", list)
	}

	if err := s.DeleteClient(ctx, models.ClientKey{Name: "a", Instance: "eu"}); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if err := s.DeleteClient(ctx, models.ClientKey{Name: "a", Instance: "eu"}); err == nil {
		t.Error("second DeleteClient() should fail")
	}
}

// ─── Verification History ────────────────────────────────────

func TestVerificationHistory_ConcurrentAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.ClientKey{Name: "orders"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AppendVerificationResult(ctx, &models.VerificationResult{
				ClientName:       key.Name,
				VerificationName: "ping",
				Success:          i%2 == 0,
				Timestamp:        time.Now(),
			})
		}(i)
	}
	wg.Wait()

	got, err := s.ListVerificationResults(ctx, key, "ping", 0)
	if err != nil {
		t.Fatalf("ListVerificationResults() error = %v", err)
	}
	if len(got) != 50 {
		t.Errorf("len(history) = %d, want 50", len(got))
	}

	limited, _ := s.ListVerificationResults(ctx, key, "ping", 5)
	if len(limited) != 5 {
		t.Errorf("len(limited) = %d, want 5", len(limited))
	}
}

func TestDeleteVerificationResultsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	s.AppendVerificationResult(ctx, &models.VerificationResult{ClientName: "c", VerificationName: "v", Timestamp: now.Add(-48 * time.Hour)})
	s.AppendVerificationResult(ctx, &models.VerificationResult{ClientName: "c", VerificationName: "v", Timestamp: now})

	n, err := s.DeleteVerificationResultsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteVerificationResultsBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	left, _ := s.ListVerificationResults(ctx, models.ClientKey{Name: "c"}, "v", 0)
	if len(left) != 1 {
		t.Errorf("remaining = %d, want 1", len(left))
	}
}

// ─── Setting History ─────────────────────────────────────────

func TestSettingHistory_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	s.AppendSettingValues(ctx, []models.SettingValueRecord{
		{ClientName: "c", SettingName: "Timeout", Value: "1", ChangedAt: now},
		{ClientName: "c", SettingName: "Timeout", Value: "2", ChangedAt: now.Add(time.Second)},
		{ClientName: "c", SettingName: "Other", Value: "x", ChangedAt: now},
	})

	got, err := s.ListSettingValues(ctx, models.ClientKey{Name: "c"}, "Timeout", 0)
	if err != nil {
		t.Fatalf("ListSettingValues() error = %v", err)
	}
	if len(got) != 2 || got[0].Value != "2" {
		t.Errorf("ListSettingValues() = %+v", got)
	}
}

// ─── Audit ───────────────────────────────────────────────────

func TestAuditEvents_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	s.CreateAuditEvent(ctx, &models.AuditEvent{ID: "1", Type: models.EventInitialRegistration, ClientName: "a", Timestamp: now.Add(-time.Hour)})
	s.CreateAuditEvent(ctx, &models.AuditEvent{ID: "2", Type: models.EventRegistrationNoChange, ClientName: "a", Timestamp: now})
	s.CreateAuditEvent(ctx, &models.AuditEvent{ID: "3", Type: models.EventInitialRegistration, ClientName: "b", Timestamp: now})

	byClient, _ := s.ListAuditEvents(ctx, models.AuditFilter{ClientName: "a"})
	if len(byClient) != 2 || byClient[0].ID != "2" {
		t.Errorf("filter by client = %+v", byClient)
	}

	byType, _ := s.ListAuditEvents(ctx, models.AuditFilter{Type: models.EventInitialRegistration, Since: now.Add(-time.Minute)})
	if len(byType) != 1 || byType[0].ID != "3" {
		t.Errorf("filter by type/since = %+v", byType)
	}

	n, _ := s.DeleteAuditEventsBefore(ctx, now.Add(-time.Minute))
	if n != 1 {
		t.Errorf("DeleteAuditEventsBefore() = %d, want 1", n)
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	s.SaveClient(ctx, testClient("orders", "eu"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()
	got, err := reopened.GetClient(ctx, models.ClientKey{Name: "orders", Instance: "eu"})
	if err != nil {
		t.Fatalf("GetClient() after restart error = %v", err)
	}
	if v, _ := got.Settings[0].Value.AsInt64(); v != 3000 {
		t.Errorf("Timeout after restart = %d, want 3000", v)
	}
}

// ─── Run Sessions ────────────────────────────────────────────

func TestSessions_SaveKeepsSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.ClientKey{Name: "orders"}

	if err := s.SaveSession(ctx, key, &models.RunSession{RunSessionID: "Run-1", UptimeSeconds: 1}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		sample := models.MemoryUsageSample{ClientRunTimeSeconds: float64(i), MemoryUsageBytes: int64(i)}
		if err := s.AppendMemorySample(ctx, key, "run-1", sample, 3); err != nil {
			t.Fatalf("AppendMemorySample() error = %v", err)
		}
	}
	if err := s.SaveSession(ctx, key, &models.RunSession{RunSessionID: "run-1", UptimeSeconds: 9}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, key, "RUN-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UptimeSeconds != 9 {
		t.Errorf("UptimeSeconds = %v, want 9", got.UptimeSeconds)
	}
	if len(got.HistoricalMemoryUsage) != 3 {
		t.Fatalf("len(HistoricalMemoryUsage) = %d, want 3", len(got.HistoricalMemoryUsage))
	}
	if first := got.HistoricalMemoryUsage[0].MemoryUsageBytes; first != 2 {
		t.Errorf("oldest kept sample = %d, want 2", first)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 1 || list[0].ClientName != "orders" {
		t.Fatalf("ListSessions() = %+v, want one session of orders", list)
	}
	if list[0].HistoricalMemoryUsage != nil {
		t.Errorf("ListSessions() returned %d samples, want none", len(list[0].HistoricalMemoryUsage))
	}
}

func TestSessions_MissingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.ClientKey{Name: "orders"}

	var nf *store.ErrNotFound
	if _, err := s.GetSession(ctx, key, "nope"); !errors.As(err, &nf) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
	err := s.AppendMemorySample(ctx, key, "nope", models.MemoryUsageSample{MemoryUsageBytes: 1}, 10)
	if !errors.As(err, &nf) {
		t.Errorf("AppendMemorySample() error = %v, want ErrNotFound", err)
	}
}

func TestSessions_RemovedWithClientAndByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.SaveClient(ctx, testClient("orders", ""))
	s.SaveSession(ctx, models.ClientKey{Name: "orders"}, &models.RunSession{RunSessionID: "a", LastSeen: now})
	s.SaveSession(ctx, models.ClientKey{Name: "billing"}, &models.RunSession{RunSessionID: "old", LastSeen: now.Add(-2 * time.Hour)})
	s.SaveSession(ctx, models.ClientKey{Name: "billing"}, &models.RunSession{RunSessionID: "new", LastSeen: now})

	if err := s.DeleteClient(ctx, models.ClientKey{Name: "orders"}); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	n, err := s.DeleteSessionsNotSeenSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsNotSeenSince() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteSessionsNotSeenSince() = %d, want 1", n)
	}

	list, _ := s.ListSessions(ctx)
	if len(list) != 1 || list[0].RunSessionID != "new" {
		t.Errorf("remaining sessions = %+v, want only billing/new", list)
	}
}

func TestSnapshotKeepsSessions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := models.ClientKey{Name: "orders", Instance: "eu"}

	s := store.NewMemoryStore(dir)
	s.SaveSession(ctx, key, &models.RunSession{RunSessionID: "run-1", Hostname: "box-1"})
	s.AppendMemorySample(ctx, key, "run-1", models.MemoryUsageSample{MemoryUsageBytes: 42}, 10)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()
	got, err := reopened.GetSession(ctx, key, "run-1")
	if err != nil {
		t.Fatalf("GetSession() after restart error = %v", err)
	}
	if got.Hostname != "box-1" || len(got.HistoricalMemoryUsage) != 1 {
		t.Errorf("session after restart = %+v", got)
	}
}
