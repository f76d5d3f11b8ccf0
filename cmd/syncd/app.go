package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kimhsiao/catalogsync/internal/config"
	"github.com/kimhsiao/catalogsync/internal/crypto"
	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/remote"
	syncpkg "github.com/kimhsiao/catalogsync/internal/sync"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
	"github.com/kimhsiao/catalogsync/internal/sync/identity"
	"github.com/kimhsiao/catalogsync/internal/sync/lock"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
	"github.com/kimhsiao/catalogsync/internal/uuid"
)

// lockTarget names the single sync target guarded by the distributed lock.
const lockTarget = "default"

// app bundles the components every command works against.
type app struct {
	loader   *config.Loader
	cfg      *config.Config
	db       *db.DB
	repo     *db.Repository
	queue    *queue.Queue
	lock     *lock.Lock
	audit    *audit.Log
	identity *identity.Map
	engine   *syncpkg.SyncEngine

	// configErr is set when the remote side is not usable; local-only
	// commands still work.
	configErr error

	reloadMu sync.Mutex
}

// openApp loads configuration, initializes logging, opens the database and
// assembles the engine.
func openApp(ctx context.Context) (*app, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to load configuration", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logging.Init(logOptions(cfg.Log)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to initialize logging", err)
	}

	database, err := db.Setup(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}

	a := &app{loader: loader, cfg: cfg, db: database, repo: db.NewRepository(database)}
	a.queue = queue.New(a.repo, queue.Config{
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	a.lock = lock.New(a.repo, lockTarget, uuid.NewOwnerToken(hostname()), lock.Config{
		StaleAfter:        cfg.Sync.LockStaleAfter,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
	})
	a.audit = audit.New(a.repo)
	a.identity = identity.New(a.repo)

	settings, err := engineSettings(cfg)
	if err != nil {
		a.configErr = err
		settings = syncpkg.DefaultSettings()
		settings.Enabled = false
	}

	var client syncpkg.RemoteClient
	if a.configErr == nil {
		client, a.configErr = a.remoteClient(ctx)
	}
	if a.configErr != nil {
		logging.Warn("Remote sync is not configured", map[string]interface{}{"reason": a.configErr.Error()})
	}

	a.engine = syncpkg.NewSyncEngine(syncpkg.Deps{
		DB:     database,
		Store:  db.NewLocalRecordStore(),
		Queue:  a.queue,
		Lock:   a.lock,
		Remote: client,
	}, settings)
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		logging.Error("Failed to close database", err, nil)
	}
}

// resolveToken fills in the remote token and base URL from the stored
// credential when the config leaves them empty.
func (a *app) resolveToken(ctx context.Context) error {
	if a.cfg.Remote.Token != "" {
		return nil
	}
	cred, err := a.repo.GetSyncCredential(ctx)
	if db.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load stored credential", err)
	}
	token, err := crypto.OpenToken(cred.TokenEncrypted, crypto.MachineID())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to decrypt stored credential", err)
	}
	a.cfg.Remote.Token = token
	if a.cfg.Remote.BaseURL == "" {
		a.cfg.Remote.BaseURL = cred.BaseURL
	}
	return nil
}

// remoteClient builds the platform client, or returns why it cannot.
func (a *app) remoteClient(ctx context.Context) (syncpkg.RemoteClient, error) {
	if err := a.resolveToken(ctx); err != nil {
		return nil, err
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remoteConfig(a.cfg.Remote))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// requireRemote fails commands that need the platform when it is not
// configured.
func (a *app) requireRemote() error {
	return a.configErr
}

func remoteConfig(rc config.RemoteConfig) remote.Config {
	c := remote.DefaultConfig()
	c.BaseURL = rc.BaseURL
	c.Token = rc.Token
	if rc.Timeout > 0 {
		c.Timeout = rc.Timeout
	}
	if rc.MaxRetries > 0 {
		c.MaxRetries = rc.MaxRetries
	}
	if rc.RateLimit > 0 {
		c.RateLimit = rc.RateLimit
	}
	if rc.RateBurst > 0 {
		c.RateBurst = rc.RateBurst
	}
	if rc.PageSize > 0 {
		c.PageSize = rc.PageSize
	}
	return c
}

// engineSettings maps the sync section of the config onto engine settings.
func engineSettings(cfg *config.Config) (syncpkg.Settings, error) {
	s := syncpkg.DefaultSettings()
	s.Enabled = cfg.Sync.Enabled
	s.Workers = cfg.Sync.Workers
	s.CallTimeout = cfg.Sync.CallTimeout

	kinds, err := cfg.EntityKinds()
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid sync.kinds", err)
	}
	s.Kinds = kinds

	if cfg.Sync.DefaultStrategy != "" {
		strategy, err := models.ParseConflictStrategy(cfg.Sync.DefaultStrategy)
		if err != nil {
			return s, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid sync.default_strategy", err)
		}
		s.DefaultStrategy = strategy
	}
	if cfg.Sync.DefaultDirection != "" {
		direction, err := models.ParseDirection(cfg.Sync.DefaultDirection)
		if err != nil {
			return s, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid sync.default_direction", err)
		}
		s.DefaultDirection = direction
	}
	return s, nil
}

func logOptions(lc config.LogConfig) logging.Options {
	return logging.Options{
		Level:      lc.Level,
		Format:     lc.Format,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Compress:   true,
		Console:    lc.File == "",
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// withApp runs fn against an opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := fn(a); err != nil {
		return err
	}
	return nil
}

// errUsage reports a bad command invocation.
func errUsage(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf(format, args...))
}
