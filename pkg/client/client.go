// Package client is the Go client library for Fig. It registers an
// application's settings schema, reads its values and keeps a heartbeat
// running so administrator changes are applied live.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/pkg/models"
)

// FigVersion is reported to the server with every heartbeat.
const FigVersion = "1.0.0"

// Options configures a Client.
type Options struct {
	BaseURL  string
	Secret   string
	Instance string
	Schema   Schema

	ApplicationVersion string
	PollInterval       time.Duration
	LiveReload         bool

	// OfflineFile, when set, keeps the last settings read so the application
	// can start while the server is unreachable. Secret values stay sealed
	// under the client secret.
	OfflineFile string

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Settings maps setting names to their current values.
type Settings map[string]models.Value

// Client talks to one Fig server on behalf of one application.
type Client struct {
	opts      Options
	key       *secrets.Cipher
	transport *transport
	memory    memorySampler
	log       zerolog.Logger

	offlineDisabled atomic.Bool

	mu      sync.Mutex
	monitor *HeartbeatMonitor
}

// New validates opts and builds a client. No request is made.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.Secret == "" {
		return nil, errors.New("client secret is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		if httpClient, err = newHTTPClient(opts.Timeout); err != nil {
			return nil, err
		}
	}
	key, err := secrets.ForClientSecret(opts.Secret)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set(HeaderClientSecret, opts.Secret)
	if host, err := os.Hostname(); err == nil {
		headers.Set(HeaderHostname, host)
	}
	if ip := localIP(); ip != "" {
		headers.Set(HeaderIPAddress, ip)
	}

	return &Client{
		opts:      opts,
		key:       key,
		transport: &transport{base: base, http: httpClient, headers: headers},
		log:       opts.Logger.With().Str("client", opts.Schema.Name).Str("instance", opts.Instance).Logger(),
	}, nil
}

func (c *Client) query() url.Values {
	q := url.Values{}
	if c.opts.Instance != "" {
		q.Set("instance", c.opts.Instance)
	}
	return q
}

// Register validates the schema and posts it to the server.
func (c *Client) Register(ctx context.Context) (*models.RegistrationResponse, error) {
	if err := c.opts.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	var out models.RegistrationResponse
	if err := c.transport.do(ctx, http.MethodPost, "/clients", nil, nil, c.opts.Schema.Definition(c.opts.Instance), &out); err != nil {
		return nil, fmt.Errorf("register %s: %w", c.opts.Schema.Name, err)
	}
	c.log.Info().Str("outcome", string(out.Outcome)).Msg("Registered with Fig")
	return &out, nil
}

// FetchSettings reads the current values. Secret values are decrypted with
// the client secret.
func (c *Client) FetchSettings(ctx context.Context) (Settings, error) {
	var values []models.SettingValue
	path := "/clients/" + url.PathEscape(c.opts.Schema.Name) + "/settings"
	if err := c.transport.do(ctx, http.MethodGet, path, c.query(), nil, nil, &values); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	settings, err := c.open(values)
	if err != nil {
		return nil, err
	}
	c.saveOffline(values)
	return settings, nil
}

func (c *Client) open(values []models.SettingValue) (Settings, error) {
	out := make(Settings, len(values))
	for _, sv := range values {
		switch {
		case sv.IsSecret && sv.EncryptedValue != "":
			v, err := secrets.OpenValue(c.key, sv.EncryptedValue)
			if err != nil {
				return nil, fmt.Errorf("decrypt setting %q: %w", sv.Name, err)
			}
			out[sv.Name] = v
		case sv.Value != nil:
			out[sv.Name] = *sv.Value
		}
	}
	return out, nil
}

// SendStatus delivers one heartbeat with the process memory usage attached.
func (c *Client) SendStatus(ctx context.Context, req models.StatusRequest) (*models.StatusResponse, error) {
	extra := http.Header{}
	if mem := c.memory.Sample(); mem > 0 {
		extra.Set(HeaderMemoryUsage, strconv.FormatInt(mem, 10))
	}
	var out models.StatusResponse
	path := "/statuses/" + url.PathEscape(c.opts.Schema.Name)
	if err := c.transport.do(ctx, http.MethodPut, path, c.query(), extra, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run registers, applies the initial settings and keeps the heartbeat going
// until ctx is cancelled. onSettings is called again whenever the server
// reports changed values and live reload is on.
func (c *Client) Run(ctx context.Context, onSettings func(Settings)) error {
	if _, err := c.Register(ctx); err != nil {
		if !errors.Is(err, ErrTransportUnavailable) {
			return err
		}
		c.log.Warn().Err(err).Msg("Registration skipped, server unreachable")
	}

	fetchedAt := time.Now().UTC()
	settings, err := c.FetchSettings(ctx)
	if err != nil {
		if !errors.Is(err, ErrTransportUnavailable) {
			return err
		}
		offline, oerr := c.loadOffline()
		if oerr != nil {
			return fmt.Errorf("%w (offline settings: %v)", err, oerr)
		}
		c.log.Warn().Err(err).Msg("Using offline settings")
		settings = offline
	}
	onSettings(settings)

	monitor := NewHeartbeatMonitor(c, MonitorOptions{
		RunSessionID:           uuid.New().String(),
		PollInterval:           c.opts.PollInterval,
		LiveReload:             c.opts.LiveReload,
		OfflineSettingsEnabled: c.opts.OfflineFile != "",
		FigVersion:             FigVersion,
		ApplicationVersion:     c.opts.ApplicationVersion,
		Logger:                 c.log,
	})
	monitor.SetLastSettingUpdate(fetchedAt)
	c.mu.Lock()
	c.monitor = monitor
	c.mu.Unlock()

	monitor.Start(ctx)
	defer monitor.Stop()

	for ev := range monitor.Events() {
		switch ev.Type {
		case EventSettingsChanged:
			fetchedAt = time.Now().UTC()
			settings, err := c.FetchSettings(ctx)
			if err != nil {
				c.log.Error().Err(err).Msg("Failed to reload settings")
				continue
			}
			monitor.SetLastSettingUpdate(fetchedAt)
			c.log.Info().Int("settings", len(settings)).Msg("Settings reloaded")
			onSettings(settings)
		case EventOfflineSettingsDisabled:
			c.removeOffline()
		}
	}
	return nil
}

// Monitor returns the heartbeat monitor of a running client, or nil.
func (c *Client) Monitor() *HeartbeatMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

// ── Offline Settings ─────────────────────────────────────────

func (c *Client) saveOffline(values []models.SettingValue) {
	if c.opts.OfflineFile == "" || c.offlineDisabled.Load() {
		return
	}
	data, err := json.Marshal(values)
	if err == nil {
		err = os.WriteFile(c.opts.OfflineFile, data, 0o600)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("file", c.opts.OfflineFile).Msg("Failed to save offline settings")
	}
}

func (c *Client) loadOffline() (Settings, error) {
	if c.opts.OfflineFile == "" {
		return nil, errors.New("offline settings disabled")
	}
	data, err := os.ReadFile(c.opts.OfflineFile)
	if err != nil {
		return nil, err
	}
	var values []models.SettingValue
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.opts.OfflineFile, err)
	}
	return c.open(values)
}

func (c *Client) removeOffline() {
	if c.opts.OfflineFile == "" {
		return
	}
	c.offlineDisabled.Store(true)
	if err := os.Remove(c.opts.OfflineFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Msg("Failed to remove offline settings")
		return
	}
	c.log.Info().Msg("Offline settings disabled by server")
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
			return n.IP.String()
		}
	}
	return ""
}
