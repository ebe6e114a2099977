// Package importer registers client definitions dropped as JSON files into a
// watched directory. Each file carries the client secret next to the
// definition; imported files are moved to an "imported" subdirectory.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/registry"
	"github.com/figsettings/fig/pkg/models"
)

const (
	// ImportedDir receives files that registered successfully.
	ImportedDir = "imported"

	// FailedDir receives files that could not be parsed or registered.
	FailedDir = "failed"
)

// Registrar is the registration entry point used for imports.
type Registrar interface {
	Register(ctx context.Context, secret string, caller models.CallerDetails, def models.ClientDefinition) (*registry.Outcome, error)
}

// File is the on-disk import format.
type File struct {
	models.ClientDefinition
	ClientSecret string `json:"client_secret"`
}

// Watcher polls a directory for import files.
type Watcher struct {
	dir      string
	interval time.Duration
	reg      Registrar
	hostname string
}

func NewWatcher(dir string, interval time.Duration, reg Registrar) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	host, _ := os.Hostname()
	return &Watcher{dir: dir, interval: interval, reg: reg, hostname: host}
}

// Start polls until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	log.Info().Str("dir", w.dir).Dur("interval", w.interval).Msg("Import watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if _, err := w.Scan(ctx); err != nil {
		log.Warn().Err(err).Str("dir", w.dir).Msg("Import scan failed")
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Import watcher stopped")
			return
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				log.Warn().Err(err).Str("dir", w.dir).Msg("Import scan failed")
			}
		}
	}
}

// Scan imports every pending file once and returns how many registered.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read import directory: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return imported, ctx.Err()
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		outcome, err := w.importFile(ctx, path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Import failed")
			w.move(path, FailedDir)
			continue
		}
		log.Info().
			Str("file", path).
			Str("client", outcome.Client.Name).
			Str("instance", outcome.Client.Instance).
			Str("outcome", string(outcome.Event)).
			Msg("Imported client definition")
		w.move(path, ImportedDir)
		imported++
	}
	return imported, nil
}

func (w *Watcher) importFile(ctx context.Context, path string) (*registry.Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	caller := models.CallerDetails{Hostname: w.hostname, User: "importer"}
	return w.reg.Register(ctx, f.ClientSecret, caller, f.ClientDefinition)
}

func (w *Watcher) move(path, sub string) {
	dir := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to create import subdirectory")
		return
	}
	dest := filepath.Join(dir, time.Now().UTC().Format("20060102T150405Z")+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to move import file")
	}
}
