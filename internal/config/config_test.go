package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/figsettings/fig/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.True(t, cfg.Status.AllowOfflineSettings)
	assert.Equal(t, 30*time.Second, cfg.Status.DefaultPollInterval)
	assert.Zero(t, cfg.Retention.AuditEvents)
	assert.Equal(t, 24*time.Hour, cfg.Retention.RunSessions)
	assert.Empty(t, cfg.Events.WebhookURLs)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FIG_PORT", "9090")
	t.Setenv("FIG_ALLOW_OFFLINE_SETTINGS", "false")
	t.Setenv("FIG_DEFAULT_POLL_INTERVAL_MS", "5000")
	t.Setenv("FIG_MEMORY_LEAK_SLOPE_THRESHOLD", "2.5")
	t.Setenv("FIG_AUDIT_RETENTION", "720h")
	t.Setenv("FIG_RUN_SESSION_RETENTION", "0")
	t.Setenv("FIG_WEBHOOK_URLS", "http://a.example, ,http://b.example")
	t.Setenv("FIG_BCRYPT_COST", "not-a-number")

	cfg := config.Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Status.AllowOfflineSettings)
	assert.Equal(t, 5*time.Second, cfg.Status.DefaultPollInterval)
	assert.Equal(t, 2.5, cfg.Status.LeakSlopeThreshold)
	assert.Equal(t, 720*time.Hour, cfg.Retention.AuditEvents)
	assert.Zero(t, cfg.Retention.RunSessions)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Events.WebhookURLs)
	assert.Equal(t, 10, cfg.Security.BcryptCost)
}
