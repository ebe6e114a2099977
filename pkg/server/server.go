// Package server provides the public entry point for initializing the Fig
// configuration server.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// embed the server and wrap its handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.RunWorkers(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/api"
	"github.com/figsettings/fig/internal/api/handlers"
	"github.com/figsettings/fig/internal/auth"
	"github.com/figsettings/fig/internal/config"
	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/importer"
	"github.com/figsettings/fig/internal/keylock"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/internal/retention"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/status"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/internal/telemetry"
	"github.com/figsettings/fig/internal/verification"
	"github.com/figsettings/fig/pkg/contracts"
)

// devEncryptionKey is used when FIG_ENCRYPTION_KEY is unset.
const devEncryptionKey = "fig-development-key"

// Config is the public configuration for the server.
type Config struct {
	Port         int
	Version      string
	StoreKind    string
	DataDir      string
	DatabaseURL  string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized Fig server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so embedders can reuse it.
	Store store.Store

	// Registry runs registrations and value updates.
	Registry *registry.Service

	// Runner executes verifications. Embedders register plugins on it.
	Runner *verification.Runner

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	recorder *events.Recorder
	janitor  *retention.Janitor
	importer *importer.Watcher
	closers  []func() error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		StoreKind:    cfg.Store.Kind,
		DataDir:      cfg.Store.DataDir,
		DatabaseURL:  cfg.Database.URL,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all server components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the server, letting pubCfg override the
// environment.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	applyOverrides(cfg, pubCfg)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	keyText := cfg.Security.EncryptionKey
	if keyText == "" {
		log.Warn().Msg("FIG_ENCRYPTION_KEY is not set; using the development key")
		keyText = devEncryptionKey
	}
	key, err := secrets.ParseKey(keyText)
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	m := metrics.New()
	recorder := events.NewRecorder(dataStore, m)
	srv := &Server{
		Store:        dataStore,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		recorder:     recorder,
	}
	if err := srv.registerPublishers(cfg.Events); err != nil {
		dataStore.Close()
		return nil, err
	}

	locks := keylock.New()
	runner := verification.NewRunner(dataStore, cipher, recorder, m)
	reg := registry.New(registry.Options{
		Store:      dataStore,
		Locks:      locks,
		Cipher:     cipher,
		Runner:     runner,
		Recorder:   recorder,
		Metrics:    m,
		BcryptCost: cfg.Security.BcryptCost,
	})
	st := status.New(status.Options{
		Store:                dataStore,
		Locks:                locks,
		Recorder:             recorder,
		Metrics:              m,
		AllowOfflineSettings: cfg.Status.AllowOfflineSettings,
		DefaultPollInterval:  cfg.Status.DefaultPollInterval,
		LeakSlopeThreshold:   cfg.Status.LeakSlopeThreshold,
	})

	chain, err := buildAuthChain(cfg.Auth)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	h := handlers.New(reg, st, dataStore)
	srv.Handler = api.NewRouter(cfg, h, chain, m)
	srv.Registry = reg
	srv.Runner = runner

	srv.janitor = retention.NewJanitor(dataStore, retention.Policy{
		VerificationHistory: cfg.Retention.VerificationHistory,
		AuditEvents:         cfg.Retention.AuditEvents,
		RunSessions:         cfg.Retention.RunSessions,
	}, cfg.Retention.Interval, m)
	if cfg.Import.Dir != "" {
		srv.importer = importer.NewWatcher(cfg.Import.Dir, cfg.Import.Interval, reg)
	}

	log.Info().Str("store", cfg.Store.Kind).Msg("Fig server initialized")
	return srv, nil
}

func applyOverrides(cfg *config.Config, pub *Config) {
	if pub == nil {
		return
	}
	if pub.Port > 0 {
		cfg.Port = pub.Port
	}
	if pub.Version != "" {
		cfg.Version = pub.Version
	}
	if pub.StoreKind != "" {
		cfg.Store.Kind = pub.StoreKind
	}
	if pub.DataDir != "" {
		cfg.Store.DataDir = pub.DataDir
	}
	if pub.DatabaseURL != "" {
		cfg.Database.URL = pub.DatabaseURL
	}
	if pub.ServiceName != "" {
		cfg.Telemetry.ServiceName = pub.ServiceName
	}
	if pub.OTELEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = pub.OTELEndpoint
	}
	cfg.Telemetry.Enabled = cfg.Telemetry.Enabled || pub.OTELEnabled
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case "", "memory":
		s := store.NewMemoryStore(cfg.Store.DataDir)
		log.Info().Str("data_dir", cfg.Store.DataDir).Msg("In-memory store initialized")
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		log.Info().Msg("PostgreSQL store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func (s *Server) registerPublishers(cfg config.EventsConfig) error {
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.recorder.RegisterPublisher(p)
		s.closers = append(s.closers, p.Close)
	}
	if len(cfg.WebhookURLs) > 0 {
		s.recorder.RegisterPublisher(events.NewWebhookPublisher(cfg.WebhookURLs, cfg.WebhookSecret))
	}
	return nil
}

func buildAuthChain(cfg config.AuthConfig) (contracts.AuthProviderChain, error) {
	chain := auth.NewProviderChain()
	if cfg.APIKeys == "" {
		return chain, nil
	}
	p, err := auth.NewAPIKeyProvider(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("parse FIG_API_KEYS: %w", err)
	}
	chain.RegisterProvider(p)
	return chain, nil
}

// RunWorkers runs the background workers (retention janitor, import watcher)
// until ctx is canceled.
func (s *Server) RunWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	if s.janitor.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.janitor.Start(ctx)
		}()
	}
	if s.importer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.importer.Start(ctx)
		}()
	}
	wg.Wait()
}

// Close waits for in-flight event publishes and releases the store and
// publisher connections.
func (s *Server) Close() error {
	s.recorder.Close()
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}
