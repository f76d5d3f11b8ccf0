package sync

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
	"github.com/kimhsiao/catalogsync/internal/sync/identity"
	"github.com/kimhsiao/catalogsync/internal/sync/lock"
	"github.com/kimhsiao/catalogsync/internal/sync/queue"
)

// Settings is the engine's view of the sync configuration.
type Settings struct {
	Enabled          bool
	Kinds            []models.EntityKind
	DefaultDirection models.Direction
	DefaultStrategy  models.ConflictStrategy
	Workers          int
	CallTimeout      time.Duration
}

// DefaultSettings returns bidirectional sync of every kind with
// most-recent-wins resolution.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		Kinds:            []models.EntityKind{models.KindCustomer, models.KindInventory},
		DefaultDirection: models.DirectionBidirectional,
		DefaultStrategy:  models.StrategyMostRecentWins,
		Workers:          4,
		CallTimeout:      30 * time.Second,
	}
}

// Deps are the collaborators of a SyncEngine.
type Deps struct {
	DB     *db.DB
	Store  LocalStore
	Queue  *queue.Queue
	Lock   *lock.Lock
	Remote RemoteClient
}

// SyncEngine runs sync batches between the local store and the remote
// platform.
type SyncEngine struct {
	db       *db.DB
	repo     *db.Repository
	store    LocalStore
	queue    *queue.Queue
	lock     *lock.Lock
	identity *identity.Map
	audit    *audit.Log
	now      func() time.Time

	mu         gosync.RWMutex
	remote     RemoteClient
	settings   Settings
	state      RunState
	lastReport *Report
	stopCh     chan struct{}
	stopOnce   *gosync.Once
	handler    SyncEventHandler
}

// NewSyncEngine creates a SyncEngine. A nil Remote leaves the engine
// unconfigured until SetRemote is called.
func NewSyncEngine(deps Deps, settings Settings) *SyncEngine {
	repo := db.NewRepository(deps.DB)
	return &SyncEngine{
		db:       deps.DB,
		repo:     repo,
		store:    deps.Store,
		queue:    deps.Queue,
		lock:     deps.Lock,
		identity: identity.New(repo),
		audit:    audit.New(repo),
		now:      time.Now,
		remote:   deps.Remote,
		settings: normalize(settings),
		state:    RunStateIdle,
	}
}

func normalize(s Settings) Settings {
	def := DefaultSettings()
	if s.Workers <= 0 {
		s.Workers = def.Workers
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = def.CallTimeout
	}
	return s
}

// SetClock replaces the time source.
func (e *SyncEngine) SetClock(now func() time.Time) {
	e.now = now
	e.identity.SetClock(now)
	e.audit.SetClock(now)
}

// SetRemote swaps the remote client, e.g. after credentials change.
func (e *SyncEngine) SetRemote(remote RemoteClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = remote
}

// UpdateSettings applies reloaded configuration. A running batch keeps the
// settings it started with.
func (e *SyncEngine) UpdateSettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = normalize(s)
}

// Settings returns the current settings.
func (e *SyncEngine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	h.OnSyncEvent(event)
}

// configured returns the remote client, or NotConfigured naming what is
// missing.
func (e *SyncEngine) configured() (RemoteClient, Settings, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.settings
	switch {
	case !s.Enabled:
		return nil, s, apperrors.New(apperrors.ErrSyncNotConfigured, "sync is disabled")
	case e.remote == nil:
		return nil, s, apperrors.New(apperrors.ErrSyncNotConfigured, "remote credentials are not configured")
	case len(s.Kinds) == 0:
		return nil, s, apperrors.New(apperrors.ErrSyncNotConfigured, "no entity kinds are enabled")
	case !s.DefaultDirection.Valid():
		return nil, s, apperrors.Newf(apperrors.ErrSyncNotConfigured, "invalid default direction %q", s.DefaultDirection)
	case !s.DefaultStrategy.Valid():
		return nil, s, apperrors.Newf(apperrors.ErrSyncNotConfigured, "invalid default conflict strategy %q", s.DefaultStrategy)
	}
	return e.remote, s, nil
}

// Status is a point-in-time view of the engine.
type Status struct {
	State       RunState                 `json:"state"`
	Configured  bool                     `json:"configured"`
	ConfigError string                   `json:"config_error,omitempty"`
	LastReport  *Report                  `json:"last_report,omitempty"`
	Queue       queue.Stats              `json:"queue"`
	Mappings    map[models.SyncState]int `json:"mappings"`
	Conflicts   int                      `json:"conflicts"`
	LockHolder  *models.SyncLock         `json:"lock_holder,omitempty"`
}

// Status returns the run state together with queue and mapping counts.
func (e *SyncEngine) Status(ctx context.Context) (*Status, error) {
	e.mu.RLock()
	st := &Status{State: e.state}
	if e.lastReport != nil {
		st.LastReport = e.lastReport.snapshot()
	}
	e.mu.RUnlock()

	if _, _, err := e.configured(); err != nil {
		st.ConfigError = err.Error()
	} else {
		st.Configured = true
	}

	var err error
	if st.Queue, err = e.queue.Stats(ctx); err != nil {
		return nil, err
	}
	if st.Mappings, err = e.identity.Counts(ctx); err != nil {
		return nil, err
	}
	st.Conflicts = st.Mappings[models.SyncStateConflict]
	if st.LockHolder, err = e.lock.Holder(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// State returns the current run state.
func (e *SyncEngine) State() RunState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastReport returns the report of the most recent batch, or nil.
func (e *SyncEngine) LastReport() *Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastReport == nil {
		return nil
	}
	return e.lastReport.snapshot()
}

// Stop asks the running batch to finish in-flight operations and return.
func (e *SyncEngine) Stop() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != RunStateRunning || e.stopOnce == nil {
		return false
	}
	e.stopOnce.Do(func() { close(e.stopCh) })
	return true
}

// txn bundles the components bound to one database transaction.
type txn struct {
	q     db.Querier
	repo  *db.Repository
	ids   *identity.Map
	audit *audit.Log
	queue *queue.Queue
}

func (e *SyncEngine) inTx(ctx context.Context, fn func(t *txn) error) error {
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := db.NewRepository(tx)
		t := &txn{
			q:     tx,
			repo:  repo,
			ids:   identity.New(repo),
			audit: audit.New(repo),
			queue: e.queue.Bind(repo),
		}
		t.ids.SetClock(e.now)
		t.audit.SetClock(e.now)
		return fn(t)
	})
}

// call runs one remote call under the configured timeout. A call that runs
// out of time while the caller's context is still live is a NetworkError.
func (e *SyncEngine) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && stderrors.Is(cctx.Err(), context.DeadlineExceeded) {
		return apperrors.Network(err)
	}
	return err
}

// fieldNames returns the sorted keys of f.
func fieldNames(f models.Fields) []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func millisSince(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
