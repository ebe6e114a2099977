package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/figsettings/fig/pkg/models"
)

// State is the monitor's view of server connectivity.
type State int

const (
	Connected State = iota
	Offline
)

func (s State) String() string {
	if s == Offline {
		return "offline"
	}
	return "connected"
}

// EventType identifies a heartbeat outcome worth acting on.
type EventType int

const (
	EventOffline EventType = iota + 1
	EventReconnected
	EventSettingsChanged
	EventOfflineSettingsDisabled
)

func (t EventType) String() string {
	switch t {
	case EventOffline:
		return "offline"
	case EventReconnected:
		return "reconnected"
	case EventSettingsChanged:
		return "settings_changed"
	case EventOfflineSettingsDisabled:
		return "offline_settings_disabled"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered on the monitor's Events channel.
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

// StatusSender delivers one heartbeat to the server.
type StatusSender interface {
	SendStatus(ctx context.Context, req models.StatusRequest) (*models.StatusResponse, error)
}

// MonitorOptions configures a HeartbeatMonitor.
type MonitorOptions struct {
	RunSessionID           string
	PollInterval           time.Duration
	LiveReload             bool
	OfflineSettingsEnabled bool
	FigVersion             string
	ApplicationVersion     string
	Logger                 zerolog.Logger
}

// maxQueued bounds the events waiting for a consumer that stopped reading.
const maxQueued = 64

// HeartbeatMonitor sends periodic status reports. A single timer drives the
// loop and is re-armed only after each attempt completes, so attempts never
// overlap. Events are handed to a dispatcher goroutine and the loop never
// waits on the consumer.
type HeartbeatMonitor struct {
	sender  StatusSender
	opts    MonitorOptions
	log     zerolog.Logger
	started time.Time
	events  chan Event

	mu                sync.Mutex
	state             State
	interval          time.Duration
	liveReload        bool
	offlineEnabled    bool
	lastSettingUpdate time.Time

	// queue holds events not yet handed to the events channel. sent counts
	// handed events and changedSeq is the count at the last SettingsChanged,
	// so a SettingsChanged is unread while changedSeq > sent-len(events).
	qmu        sync.Mutex
	queue      []Event
	sent       int
	changedSeq int
	wake       chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHeartbeatMonitor returns a monitor in the Connected state.
func NewHeartbeatMonitor(sender StatusSender, opts MonitorOptions) *HeartbeatMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &HeartbeatMonitor{
		sender:         sender,
		opts:           opts,
		log:            opts.Logger.With().Str("run_session", opts.RunSessionID).Logger(),
		started:        time.Now(),
		events:         make(chan Event, 16),
		state:          Connected,
		interval:       opts.PollInterval,
		liveReload:     opts.LiveReload,
		offlineEnabled: opts.OfflineSettingsEnabled,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Events returns the channel of heartbeat events. It is closed once the
// monitor stops.
func (m *HeartbeatMonitor) Events() <-chan Event { return m.events }

func (m *HeartbeatMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PollInterval returns the interval currently in use.
func (m *HeartbeatMonitor) PollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetLastSettingUpdate records when the application last applied settings.
func (m *HeartbeatMonitor) SetLastSettingUpdate(t time.Time) {
	m.mu.Lock()
	m.lastSettingUpdate = t
	m.mu.Unlock()
}

// Start launches the heartbeat loop. It runs until ctx is cancelled or Stop
// is called.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		loopDone := make(chan struct{})
		go m.loop(ctx, loopDone)
		go m.dispatch(loopDone)
	})
}

// Stop ends the loop and waits for the events channel to close.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.startOnce.Do(func() { close(m.events); close(m.done) })
	<-m.done
}

func (m *HeartbeatMonitor) loop(ctx context.Context, loopDone chan<- struct{}) {
	defer close(loopDone)

	timer := time.NewTimer(m.PollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
			func() {
				defer func() { timer.Reset(m.PollInterval()) }()
				m.attempt(ctx)
			}()
		}
	}
}

func (m *HeartbeatMonitor) attempt(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Heartbeat attempt panicked")
		}
	}()

	m.mu.Lock()
	req := models.StatusRequest{
		RunSessionID:           m.opts.RunSessionID,
		UptimeSeconds:          time.Since(m.started).Seconds(),
		LastSettingUpdate:      m.lastSettingUpdate,
		PollIntervalMs:         m.interval.Milliseconds(),
		LiveReload:             m.liveReload,
		FigVersion:             m.opts.FigVersion,
		ApplicationVersion:     m.opts.ApplicationVersion,
		OfflineSettingsEnabled: m.offlineEnabled,
	}
	m.mu.Unlock()

	resp, err := m.sender.SendStatus(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(err)
		return
	}
	m.succeed(resp)
}

func (m *HeartbeatMonitor) fail(err error) {
	if !errors.Is(err, ErrTransportUnavailable) {
		m.log.Warn().Err(err).Msg("Heartbeat rejected")
		return
	}

	m.mu.Lock()
	wasConnected := m.state == Connected
	m.state = Offline
	m.mu.Unlock()

	if !wasConnected {
		m.log.Debug().Err(err).Msg("Heartbeat failed while offline")
		return
	}
	m.log.Warn().Err(err).Msg("Fig server unreachable, running offline")
	m.emit(Event{Type: EventOffline, Err: err})
}

func (m *HeartbeatMonitor) succeed(resp *models.StatusResponse) {
	m.mu.Lock()
	reconnected := m.state == Offline
	m.state = Connected
	if resp.PollIntervalMs > 0 {
		m.interval = time.Duration(resp.PollIntervalMs) * time.Millisecond
	}
	m.liveReload = resp.LiveReload
	offlineDisabled := m.offlineEnabled && !resp.AllowOfflineSettings
	m.offlineEnabled = resp.AllowOfflineSettings
	m.mu.Unlock()

	if reconnected {
		m.log.Info().Msg("Reconnected to Fig server")
		m.emit(Event{Type: EventReconnected})
	}
	if offlineDisabled {
		m.emit(Event{Type: EventOfflineSettingsDisabled})
	}
	if resp.LiveReload && resp.SettingUpdateAvailable {
		m.emit(Event{Type: EventSettingsChanged})
	}
}

// emit queues an event without blocking. A SettingsChanged is dropped while
// another one is still queued or unread; the server keeps reporting the
// update until the application reads the new values.
func (m *HeartbeatMonitor) emit(ev Event) {
	ev.At = time.Now()

	m.qmu.Lock()
	switch {
	case ev.Type == EventSettingsChanged && m.changedPendingLocked():
		m.qmu.Unlock()
		return
	case len(m.queue) >= maxQueued:
		m.log.Warn().Stringer("dropped", m.queue[0].Type).Msg("Heartbeat events are not being read")
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, ev)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *HeartbeatMonitor) changedPendingLocked() bool {
	for _, q := range m.queue {
		if q.Type == EventSettingsChanged {
			return true
		}
	}
	return m.changedSeq > m.sent-len(m.events)
}

func (m *HeartbeatMonitor) head() (Event, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return Event{}, false
	}
	return m.queue[0], true
}

func (m *HeartbeatMonitor) delivered(ev Event) {
	m.qmu.Lock()
	m.queue = m.queue[1:]
	m.sent++
	if ev.Type == EventSettingsChanged {
		m.changedSeq = m.sent
	}
	m.qmu.Unlock()
}

// dispatch moves queued events to the events channel. Once the loop has
// exited it hands over what still fits in the channel buffer and closes it.
func (m *HeartbeatMonitor) dispatch(loopDone <-chan struct{}) {
	defer close(m.done)
	defer close(m.events)

	for {
		ev, ok := m.head()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-loopDone:
				m.flush()
				return
			}
		}
		select {
		case m.events <- ev:
			m.delivered(ev)
		case <-loopDone:
			m.flush()
			return
		}
	}
}

func (m *HeartbeatMonitor) flush() {
	for {
		ev, ok := m.head()
		if !ok {
			return
		}
		select {
		case m.events <- ev:
			m.delivered(ev)
		default:
			return
		}
	}
}
