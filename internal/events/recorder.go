// Package events records audit events and fans them out to external
// publishers (NATS, webhooks).
//
// Recording is synchronous: the event is in the audit store before Record
// returns. Publishing is asynchronous and best effort.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/contracts"
	"github.com/figsettings/fig/pkg/models"
)

const publishTimeout = 30 * time.Second

// Recorder persists audit events and dispatches them to publishers.
type Recorder struct {
	store   store.AuditStore
	metrics *metrics.Metrics

	pubMu      sync.RWMutex
	publishers []contracts.EventPublisher

	wg sync.WaitGroup
}

// NewRecorder creates a recorder. m may be nil.
func NewRecorder(s store.AuditStore, m *metrics.Metrics) *Recorder {
	return &Recorder{store: s, metrics: m}
}

// RegisterPublisher adds a publisher. Safe to call at any time.
func (r *Recorder) RegisterPublisher(p contracts.EventPublisher) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.publishers = append(r.publishers, p)
	log.Info().Str("kind", p.Kind()).Msg("Registered event publisher")
}

// Record stamps the event with an ID and timestamp when missing, stores it
// and publishes it. A store failure is returned; publish failures are logged.
func (r *Recorder) Record(ctx context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := r.store.CreateAuditEvent(ctx, &event); err != nil {
		log.Error().Err(err).
			Str("type", string(event.Type)).
			Str("client", event.ClientName).
			Msg("Failed to store audit event")
		return err
	}
	r.metrics.EventRecorded(string(event.Type))

	r.pubMu.RLock()
	publishers := make([]contracts.EventPublisher, len(r.publishers))
	copy(publishers, r.publishers)
	r.pubMu.RUnlock()

	for _, p := range publishers {
		r.wg.Add(1)
		go func(p contracts.EventPublisher) {
			defer r.wg.Done()
			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			defer cancel()
			if err := p.Publish(pubCtx, &event); err != nil {
				log.Warn().Err(err).
					Str("publisher", p.Kind()).
					Str("type", string(event.Type)).
					Str("client", event.ClientName).
					Msg("Event publish failed")
			}
		}(p)
	}
	return nil
}

// Close waits for in-flight publishes to finish.
func (r *Recorder) Close() {
	r.wg.Wait()
}
