package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Clients             []*models.ClientRegistration `json:"clients"`
	RunSessions         []*models.ClientRunSession   `json:"run_sessions"`
	VerificationHistory []*models.VerificationResult `json:"verification_history"`
	SettingHistory      []*models.SettingValueRecord `json:"setting_history"`
	AuditEvents         []*models.AuditEvent         `json:"audit_events"`
}

type sessionKey struct {
	client models.ClientKey
	id     string
}

func newSessionKey(client models.ClientKey, id string) sessionKey {
	return sessionKey{client: client, id: strings.ToLower(id)}
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu                  sync.RWMutex
	clients             map[models.ClientKey]*models.ClientRegistration
	sessions            map[sessionKey]*models.ClientRunSession
	verificationHistory []*models.VerificationResult // append-only, oldest first
	settingHistory      []*models.SettingValueRecord // append-only, oldest first
	auditEvents         []*models.AuditEvent         // append-only, oldest first

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty the
// data is persisted to dataDir/fig.json and reloaded on start.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		clients:  make(map[models.ClientKey]*models.ClientRegistration),
		sessions: make(map[sessionKey]*models.ClientRunSession),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "fig.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Clients:             make([]*models.ClientRegistration, 0, len(m.clients)),
		RunSessions:         make([]*models.ClientRunSession, 0, len(m.sessions)),
		VerificationHistory: m.verificationHistory,
		SettingHistory:      m.settingHistory,
		AuditEvents:         m.auditEvents,
	}
	for _, c := range m.clients {
		snap.Clients = append(snap.Clients, c)
	}
	for _, rs := range m.sessions {
		snap.RunSessions = append(snap.RunSessions, rs)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range snap.Clients {
		if c != nil {
			m.clients[c.Key()] = c
		}
	}
	for _, rs := range snap.RunSessions {
		if rs != nil {
			m.sessions[newSessionKey(rs.Key(), rs.RunSessionID)] = rs
		}
	}
	m.verificationHistory = snap.VerificationHistory
	m.settingHistory = snap.SettingHistory
	m.auditEvents = snap.AuditEvents

	log.Info().
		Int("clients", len(m.clients)).
		Int("run_sessions", len(m.sessions)).
		Int("verification_results", len(m.verificationHistory)).
		Int("audit_events", len(m.auditEvents)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Client Store ────────────────────────────────────────────

func (m *MemoryStore) ListClients(_ context.Context) ([]models.ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ClientRegistration, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func (m *MemoryStore) GetClient(_ context.Context, key models.ClientKey) (*models.ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "client", Key: key.String()}
	}
	return c.Clone(), nil
}

func (m *MemoryStore) SaveClient(_ context.Context, client *models.ClientRegistration) error {
	m.mu.Lock()
	m.clients[client.Key()] = client.Clone()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteClient(_ context.Context, key models.ClientKey) error {
	m.mu.Lock()
	_, ok := m.clients[key]
	delete(m.clients, key)
	for k := range m.sessions {
		if k.client == key {
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()
	if !ok {
		return &ErrNotFound{Entity: "client", Key: key.String()}
	}
	m.requestSave()
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, key models.ClientKey, runSessionID string) (*models.RunSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.sessions[newSessionKey(key, runSessionID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "run session", Key: key.String() + "/" + runSessionID}
	}
	out := rs.RunSession.Clone()
	return &out, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, key models.ClientKey, session *models.RunSession) error {
	k := newSessionKey(key, session.RunSessionID)
	cp := withoutSamples(*session)

	m.mu.Lock()
	if prev, ok := m.sessions[k]; ok {
		cp.HistoricalMemoryUsage = prev.HistoricalMemoryUsage
	}
	m.sessions[k] = &models.ClientRunSession{ClientName: key.Name, Instance: key.Instance, RunSession: cp}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendMemorySample(_ context.Context, key models.ClientKey, runSessionID string, sample models.MemoryUsageSample, keep int) error {
	m.mu.Lock()
	rs, ok := m.sessions[newSessionKey(key, runSessionID)]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "run session", Key: key.String() + "/" + runSessionID}
	}
	h := append(rs.HistoricalMemoryUsage, sample)
	if over := len(h) - keep; keep > 0 && over > 0 {
		n := copy(h, h[over:])
		h = h[:n]
	}
	rs.HistoricalMemoryUsage = h
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]models.ClientRunSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ClientRunSession, 0, len(m.sessions))
	for _, rs := range m.sessions {
		out = append(out, models.ClientRunSession{
			ClientName: rs.ClientName,
			Instance:   rs.Instance,
			RunSession: withoutSamples(rs.RunSession),
		})
	}
	return out, nil
}

func withoutSamples(rs models.RunSession) models.RunSession {
	rs.HistoricalMemoryUsage = nil
	return rs.Clone()
}

func (m *MemoryStore) DeleteSessionsNotSeenSince(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	var removed int64
	for k, rs := range m.sessions {
		if rs.LastSeen.Before(cutoff) {
			delete(m.sessions, k)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── Verification History ────────────────────────────────────

func (m *MemoryStore) AppendVerificationResult(_ context.Context, result *models.VerificationResult) error {
	m.mu.Lock()
	cp := *result
	cp.Logs = append([]string(nil), result.Logs...)
	m.verificationHistory = append(m.verificationHistory, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListVerificationResults(_ context.Context, key models.ClientKey, verification string, limit int) ([]models.VerificationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.VerificationResult
	for i := len(m.verificationHistory) - 1; i >= 0; i-- { // newest first
		r := m.verificationHistory[i]
		if r.ClientName != key.Name || r.Instance != key.Instance || r.VerificationName != verification {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteVerificationResultsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	kept := m.verificationHistory[:0]
	var removed int64
	for _, r := range m.verificationHistory {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.verificationHistory = kept
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── Setting History ─────────────────────────────────────────

func (m *MemoryStore) AppendSettingValues(_ context.Context, records []models.SettingValueRecord) error {
	m.mu.Lock()
	for i := range records {
		cp := records[i]
		m.settingHistory = append(m.settingHistory, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSettingValues(_ context.Context, key models.ClientKey, setting string, limit int) ([]models.SettingValueRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SettingValueRecord
	for i := len(m.settingHistory) - 1; i >= 0; i-- {
		r := m.settingHistory[i]
		if r.ClientName != key.Name || r.Instance != key.Instance || r.SettingName != setting {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- { // newest first
		e := m.auditEvents[i]
		if filter.ClientName != "" && e.ClientName != filter.ClientName {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteAuditEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	kept := m.auditEvents[:0]
	var removed int64
	for _, e := range m.auditEvents {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.auditEvents = kept
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}
