package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalogsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvPrefix+"_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "most_recent_wins", cfg.Sync.DefaultStrategy)
	assert.Equal(t, "bidirectional", cfg.Sync.DefaultDirection)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, []string{"customer", "inventory"}, cfg.Sync.Kinds)
	assert.Equal(t, 30*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Queue.MaxDelay)
	assert.Equal(t, 6, cfg.Queue.MaxAttempts)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/catalogsync
remote:
  base_url: https://api.example.com
  token: from-file
  timeout: 5s
sync:
  default_strategy: manual
  default_direction: from_remote
  workers: 2
  kinds: [inventory]
queue:
  base_delay: 10s
  max_attempts: 3
`)
	t.Setenv("CATALOGSYNC_REMOTE_TOKEN", "from-env")

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFile())
	assert.Equal(t, "/var/lib/catalogsync", cfg.DataDir)
	assert.Equal(t, "https://api.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, "from-env", cfg.Remote.Token, "environment overrides file")
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "manual", cfg.Sync.DefaultStrategy)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, 10*time.Second, cfg.Queue.BaseDelay)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Queue.MaxDelay, "unset keys keep defaults")

	kinds, err := cfg.EntityKinds()
	require.NoError(t, err)
	assert.Equal(t, []models.EntityKind{models.KindInventory}, kinds)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsNotConfigured(t *testing.T) {
	t.Setenv(EnvPrefix+"_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncNotConfigured))
	assert.Contains(t, err.Error(), "remote.base_url")
	assert.Contains(t, err.Error(), "remote.token")

	cfg.Remote.BaseURL = "https://api.example.com"
	cfg.Remote.Token = "t"
	cfg.Sync.DefaultStrategy = "coin_flip"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin_flip")

	cfg.Sync.DefaultStrategy = "remote_wins"
	cfg.Sync.Enabled = false
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.enabled")
}

func TestRedacted(t *testing.T) {
	cfg := Config{
		Remote:  RemoteConfig{Token: "secret"},
		Server:  ServerConfig{WebhookSecret: "hook"},
		Archive: ArchiveConfig{AccessKey: "ak", SecretKey: ""},
	}
	r := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", r.Remote.Token)
	assert.Equal(t, "***REDACTED***", r.Server.WebhookSecret)
	assert.Equal(t, "***REDACTED***", r.Archive.AccessKey)
	assert.Equal(t, "", r.Archive.SecretKey)
	assert.Equal(t, "secret", cfg.Remote.Token, "original untouched")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "sync:\n  workers: 2\n")
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	loader.Watch(func(cfg *Config, err error) {
		if err == nil {
			changed <- cfg
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  workers: 7\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Sync.Workers == 7 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
