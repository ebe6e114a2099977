// Package retention prunes verification history, audit events and idle run
// sessions older than their configured retention. A zero retention keeps data forever.
//
// The janitor runs as a background goroutine and stops when its context is
// canceled.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/store"
)

// MinInterval is the shortest sweep interval accepted.
const MinInterval = time.Minute

// Policy holds the retention windows.
type Policy struct {
	VerificationHistory time.Duration
	AuditEvents         time.Duration
	// RunSessions drops sessions whose last heartbeat is older than this.
	RunSessions time.Duration
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	VerificationResultsPurged int64
	AuditEventsPurged         int64
	RunSessionsPurged         int64
	Errors                    []error
}

// Janitor periodically purges expired history.
type Janitor struct {
	store    store.Store
	policy   Policy
	interval time.Duration
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewJanitor creates a janitor that sweeps on the given interval. m may be nil.
func NewJanitor(s store.Store, policy Policy, interval time.Duration, m *metrics.Metrics) *Janitor {
	if interval < MinInterval {
		interval = time.Hour
	}
	return &Janitor{
		store:    s,
		policy:   policy,
		interval: interval,
		metrics:  m,
		now:      time.Now,
	}
}

// Enabled reports whether any retention window is set.
func (j *Janitor) Enabled() bool {
	return j.policy.VerificationHistory > 0 || j.policy.AuditEvents > 0 || j.policy.RunSessions > 0
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("verification_history", j.policy.VerificationHistory).
		Dur("audit_events", j.policy.AuditEvents).
		Dur("run_sessions", j.policy.RunSessions).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	if d := j.policy.VerificationHistory; d > 0 {
		n, err := j.store.DeleteVerificationResultsBefore(ctx, j.now().Add(-d))
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		}
		stats.VerificationResultsPurged = n
		j.metrics.Pruned("verification_results", n)
	}
	if d := j.policy.AuditEvents; d > 0 {
		n, err := j.store.DeleteAuditEventsBefore(ctx, j.now().Add(-d))
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		}
		stats.AuditEventsPurged = n
		j.metrics.Pruned("audit_events", n)
	}
	if d := j.policy.RunSessions; d > 0 {
		n, err := j.store.DeleteSessionsNotSeenSince(ctx, j.now().Add(-d))
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		}
		stats.RunSessionsPurged = n
		j.metrics.Pruned("run_sessions", n)
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.VerificationResultsPurged > 0 || stats.AuditEventsPurged > 0 || stats.RunSessionsPurged > 0 {
		log.Info().
			Int64("purged_verification_results", stats.VerificationResultsPurged).
			Int64("purged_audit_events", stats.AuditEventsPurged).
			Int64("purged_run_sessions", stats.RunSessionsPurged).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}
