// Package status handles client heartbeats: run session bookkeeping, memory
// leak detection and the live reload / offline settings answer.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/keylock"
	"github.com/figsettings/fig/internal/memleak"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

var tracer = otel.Tracer("github.com/figsettings/fig/internal/status")

// MaxSamples bounds the memory history kept per run session. The oldest
// samples are dropped first.
const MaxSamples = 5000

// Store is the storage the heartbeat service needs.
type Store interface {
	store.ClientStore
	store.SessionStore
}

// Options configures the heartbeat service.
type Options struct {
	Store    Store
	Locks    *keylock.Locker
	Recorder *events.Recorder
	Metrics  *metrics.Metrics

	// AllowOfflineSettings is the global switch, combined with the
	// per-client one.
	AllowOfflineSettings bool

	// DefaultPollInterval answers clients that report no interval.
	DefaultPollInterval time.Duration

	// LeakSlopeThreshold is the trend slope in bytes/second above which a
	// growing session is flagged.
	LeakSlopeThreshold float64
}

// Service processes heartbeats.
type Service struct {
	opts  Options
	locks *keylock.Locker
	now   func() time.Time
}

func New(opts Options) *Service {
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	if opts.DefaultPollInterval <= 0 {
		opts.DefaultPollInterval = 30 * time.Second
	}
	return &Service{opts: opts, locks: locks, now: func() time.Time { return time.Now().UTC() }}
}

// Heartbeat is one client status report. MemoryUsageBytes arrives outside
// the request body and is zero when the client did not send it.
type Heartbeat struct {
	Key              models.ClientKey
	Secret           string
	Caller           models.CallerDetails
	MemoryUsageBytes int64
	Request          models.StatusRequest
}

// ── Heartbeats ───────────────────────────────────────────────

// ProcessHeartbeat updates the caller's run session and answers with the
// current poll interval, live reload flag, update availability and offline
// permission.
func (s *Service) ProcessHeartbeat(ctx context.Context, hb Heartbeat) (*models.StatusResponse, error) {
	ctx, span := tracer.Start(ctx, "status.heartbeat")
	defer span.End()
	span.SetAttributes(
		attribute.String("fig.client", hb.Key.Name),
		attribute.String("fig.run_session", hb.Request.RunSessionID),
	)

	if hb.Request.RunSessionID == "" {
		return nil, &registry.ValidationError{Problems: []string{"run session id is required"}}
	}

	key, err := s.resolveKey(ctx, hb.Key)
	if err != nil {
		s.opts.Metrics.Heartbeat("not_found")
		return nil, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	reg, err := s.opts.Store.GetClient(ctx, key)
	if err != nil {
		s.opts.Metrics.Heartbeat("not_found")
		return nil, err
	}
	if !secrets.CheckSecret(reg.SecretHash, hb.Secret) {
		s.opts.Metrics.Heartbeat("secret_mismatch")
		return nil, registry.ErrSecretMismatch
	}

	now := s.now()
	req := hb.Request
	session, err := s.opts.Store.GetSession(ctx, key, req.RunSessionID)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		session = &models.RunSession{
			RunSessionID: req.RunSessionID,
			StartedAt:    now.Add(-time.Duration(req.UptimeSeconds * float64(time.Second))),
		}
		log.Info().
			Str("client", key.Name).
			Str("instance", key.Instance).
			Str("run_session", req.RunSessionID).
			Msg("Run session started")
	case err != nil:
		s.opts.Metrics.Heartbeat("error")
		return nil, fmt.Errorf("load run session %s/%s: %w", key, req.RunSessionID, err)
	}

	session.LastSeen = now
	session.UptimeSeconds = req.UptimeSeconds
	session.PollIntervalMs = req.PollIntervalMs
	session.LiveReload = req.LiveReload
	session.OfflineSettingsEnabled = req.OfflineSettingsEnabled
	session.FigVersion = req.FigVersion
	session.ApplicationVersion = req.ApplicationVersion
	session.LastSettingUpdate = req.LastSettingUpdate
	session.IPAddress = hb.Caller.IPAddress
	session.Hostname = hb.Caller.Hostname

	var sample *models.MemoryUsageSample
	if hb.MemoryUsageBytes > 0 {
		sample = &models.MemoryUsageSample{
			ClientRunTimeSeconds: req.UptimeSeconds,
			MemoryUsageBytes:     hb.MemoryUsageBytes,
		}
		session.MemoryUsageBytes = hb.MemoryUsageBytes
		session.HistoricalMemoryUsage = append(session.HistoricalMemoryUsage, *sample)
		if over := len(session.HistoricalMemoryUsage) - MaxSamples; over > 0 {
			session.HistoricalMemoryUsage = session.HistoricalMemoryUsage[over:]
		}
	}

	leak := s.analyze(session, now)

	resp := &models.StatusResponse{
		PollIntervalMs:         s.pollInterval(session, req),
		LiveReload:             s.liveReload(session, req),
		SettingUpdateAvailable: reg.LastSettingValueUpdate.After(req.LastSettingUpdate),
		AllowOfflineSettings:   s.opts.AllowOfflineSettings && reg.AllowOfflineSettings,
	}

	if err := s.opts.Store.SaveSession(ctx, key, session); err != nil {
		s.opts.Metrics.Heartbeat("error")
		return nil, fmt.Errorf("save run session %s/%s: %w", key, req.RunSessionID, err)
	}
	if sample != nil {
		if err := s.opts.Store.AppendMemorySample(ctx, key, req.RunSessionID, *sample, MaxSamples); err != nil {
			s.opts.Metrics.Heartbeat("error")
			return nil, fmt.Errorf("append memory sample %s/%s: %w", key, req.RunSessionID, err)
		}
	}
	s.opts.Metrics.Heartbeat("ok")

	if leak {
		s.reportLeak(ctx, reg, session)
	}
	return resp, nil
}

// analyze refreshes the session's memory analysis and reports whether a new
// leak was flagged.
func (s *Service) analyze(session *models.RunSession, now time.Time) bool {
	prev := session.MemoryAnalysis
	analysis := memleak.Analyze(*session, now)
	if analysis == nil || analysis == prev {
		return false
	}
	analysis.PossibleMemoryLeakDetected = analysis.TrendSlope > s.opts.LeakSlopeThreshold &&
		analysis.EndingAverage > analysis.StartingAverage
	session.MemoryAnalysis = analysis
	return analysis.PossibleMemoryLeakDetected
}

func (s *Service) reportLeak(ctx context.Context, reg *models.ClientRegistration, session *models.RunSession) {
	a := session.MemoryAnalysis
	s.opts.Metrics.MemoryLeakDetected()
	log.Warn().
		Str("client", reg.Name).
		Str("instance", reg.Instance).
		Str("run_session", session.RunSessionID).
		Float64("slope", a.TrendSlope).
		Float64("starting_average", a.StartingAverage).
		Float64("ending_average", a.EndingAverage).
		Msg("Possible memory leak detected")
	if s.opts.Recorder == nil {
		return
	}
	_ = s.opts.Recorder.Record(ctx, models.AuditEvent{
		Type:         models.EventMemoryLeakDetected,
		ClientName:   reg.Name,
		Instance:     reg.Instance,
		RunSessionID: session.RunSessionID,
		Hostname:     session.Hostname,
		IPAddress:    session.IPAddress,
		Message:      fmt.Sprintf("memory trend %.2f bytes/s over %.0fs", a.TrendSlope, a.SecondsAnalyzed),
	})
}

// pollInterval returns the administrator's requested interval until the
// client reports it, then clears the request.
func (s *Service) pollInterval(session *models.RunSession, req models.StatusRequest) int64 {
	if r := session.RequestedPollIntervalMs; r != nil {
		if *r != req.PollIntervalMs {
			return *r
		}
		session.RequestedPollIntervalMs = nil
	}
	if req.PollIntervalMs <= 0 {
		return s.opts.DefaultPollInterval.Milliseconds()
	}
	return req.PollIntervalMs
}

func (s *Service) liveReload(session *models.RunSession, req models.StatusRequest) bool {
	if r := session.RequestedLiveReload; r != nil {
		if *r != req.LiveReload {
			return *r
		}
		session.RequestedLiveReload = nil
	}
	return req.LiveReload
}

func (s *Service) resolveKey(ctx context.Context, key models.ClientKey) (models.ClientKey, error) {
	_, err := s.opts.Store.GetClient(ctx, key)
	if err == nil {
		return key, nil
	}
	var nf *store.ErrNotFound
	if errors.As(err, &nf) && key.Instance != "" {
		return models.ClientKey{Name: key.Name}, nil
	}
	return key, err
}

// ── Administration ───────────────────────────────────────────

// SessionStatus is a run session together with its owning client.
type SessionStatus = models.ClientRunSession

// ListStatuses returns every run session without its samples, most recently
// seen first. A *store.SkippedRecords error comes back together with the
// readable sessions.
func (s *Service) ListStatuses(ctx context.Context) ([]SessionStatus, error) {
	sessions, err := s.opts.Store.ListSessions(ctx)
	if _, fatal := store.Partial(err); fatal != nil {
		return nil, fatal
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastSeen.After(sessions[j].LastSeen) })
	return sessions, err
}

// ConfigureSession stores administrator overrides for one run session. They
// are sent with every heartbeat response until the client adopts them.
func (s *Service) ConfigureSession(ctx context.Context, key models.ClientKey, runSessionID string, cfg models.RunSessionConfiguration) error {
	if cfg.PollIntervalMs != nil && *cfg.PollIntervalMs <= 0 {
		return &registry.ValidationError{Problems: []string{"poll interval must be positive"}}
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	session, err := s.opts.Store.GetSession(ctx, key, runSessionID)
	if err != nil {
		return err
	}
	if cfg.PollIntervalMs != nil {
		v := *cfg.PollIntervalMs
		session.RequestedPollIntervalMs = &v
	}
	if cfg.LiveReload != nil {
		v := *cfg.LiveReload
		session.RequestedLiveReload = &v
	}
	if err := s.opts.Store.SaveSession(ctx, key, session); err != nil {
		return fmt.Errorf("save run session %s/%s: %w", key, runSessionID, err)
	}
	log.Info().
		Str("client", key.Name).
		Str("instance", key.Instance).
		Str("run_session", runSessionID).
		Msg("Run session configuration requested")
	return nil
}

// PruneSessions removes sessions not seen since cutoff.
func (s *Service) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.opts.Store.DeleteSessionsNotSeenSince(ctx, cutoff)
}
