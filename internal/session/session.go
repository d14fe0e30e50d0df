// Package session wires the consistency layer together for one signed-in
// owner: local store, mutation queue, cache, connectivity monitor, remote
// store, sync engine and one offline collection per entity type.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/connectivity"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/offline"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/queue"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/store"
)

// ErrAlreadyStarted is returned by Start when the engine is already running.
var ErrAlreadyStarted = errors.New("session already started")

// Session owns every component for the lifetime of a sign-in.
type Session struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    mutation.Clock
	identity *mutation.Identity

	store       *store.Store
	queue       *queue.Queue
	cache       *cache.Cache
	monitor     *connectivity.Monitor
	remote      remote.Store
	engine      *engine.Engine
	collections map[mutation.EntityType]*offline.Collection

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
	closed bool
}

type options struct {
	remote    remote.Store
	clock     mutation.Clock
	ids       mutation.IDGenerator
	notifiers engine.Notifiers
	logger    *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithRemote supplies the remote store instead of building one from config.
// The session takes ownership and closes it.
func WithRemote(r remote.Store) Option {
	return func(o *options) { o.remote = r }
}

// WithClock sets the clock shared by every component.
func WithClock(c mutation.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the generator for record and row ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithNotifier adds a sync notification sink. May be repeated.
func WithNotifier(n engine.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open builds a session from cfg. The engine is not running until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{
		clock:  mutation.SystemClock{},
		ids:    mutation.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.Database, store.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	r := o.remote
	if r == nil {
		r, err = newRemote(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	s := &Session{
		cfg:         cfg,
		logger:      o.logger,
		clock:       o.clock,
		identity:    mutation.NewIdentity(cfg.Owner),
		store:       st,
		remote:      r,
		collections: make(map[mutation.EntityType]*offline.Collection),
	}
	s.queue = queue.New(st,
		queue.WithClock(o.clock),
		queue.WithIDGenerator(o.ids),
		queue.WithLogger(o.logger),
	)
	s.cache = cache.New(cache.WithClock(o.clock), cache.WithLogger(o.logger))
	s.monitor = connectivity.New(!cfg.Offline, connectivity.WithLogger(o.logger))

	notifiers := append(engine.Notifiers{engine.LogNotifier{Logger: o.logger}}, o.notifiers...)
	s.engine = engine.New(s.queue, r, s.monitor, s.identity.Owner,
		engine.WithMaxRetries(cfg.Sync.MaxRetries),
		engine.WithWorkers(cfg.Sync.Workers),
		engine.WithInterval(cfg.Sync.Interval),
		engine.WithDebounce(cfg.Sync.Debounce),
		engine.WithRetention(cfg.Sync.Retention),
		engine.WithPruneEvery(cfg.Sync.PruneEvery),
		engine.WithClock(o.clock),
		engine.WithNotifier(notifiers),
		engine.WithOnSynced(s.invalidate),
		engine.WithLogger(o.logger),
	)

	validator, err := payload.DefaultValidator()
	if err != nil {
		s.closeResources()
		return nil, err
	}
	for _, et := range mutation.EntityTypes() {
		c, err := offline.New(et, s.queue, st, s.identity.Owner, s.engine,
			offline.WithConnectivity(s.monitor),
			offline.WithValidator(validator),
			offline.WithClock(o.clock),
			offline.WithIDGenerator(o.ids),
			offline.WithOnChange(s.invalidate),
			offline.WithLogger(o.logger),
		)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		s.collections[et] = c
	}
	if err := s.refresh(ctx); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func newRemote(cfg *config.Config) (remote.Store, error) {
	switch cfg.Remote.Kind {
	case config.RemotePostgres:
		return remote.NewPostgres(cfg.Remote.DSN, remote.WithTimeout(cfg.Remote.Timeout))
	case config.RemoteMemory, "":
		return remote.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
	}
}

// Start runs the engine in the background until Close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		err := s.engine.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.runErr = err
	}()
	return nil
}

// Owner returns the signed-in owner, or "".
func (s *Session) Owner() string {
	return s.identity.Owner()
}

// SwitchOwner changes the signed-in owner. Collections reload the new
// owner's snapshots, the cache is cleared and a drain is requested for any
// records the new owner left pending.
func (s *Session) SwitchOwner(ctx context.Context, owner string) error {
	prev := s.identity.Set(owner)
	s.cache.Clear()
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.logger.Info("owner changed", "from", prev, "to", owner)
	if owner != "" && s.monitor.Online() {
		s.engine.Trigger()
	}
	return nil
}

// SignOut clears the owner. Local data stays on disk for the next sign-in.
func (s *Session) SignOut(ctx context.Context) error {
	return s.SwitchOwner(ctx, "")
}

// Collection returns the façade for et.
func (s *Session) Collection(et mutation.EntityType) (*offline.Collection, error) {
	c, ok := s.collections[et]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
	return c, nil
}

// Read returns the owner's remote rows for et through the cache.
func (s *Session) Read(ctx context.Context, et mutation.EntityType) ([]payload.Object, error) {
	owner := s.identity.Owner()
	if owner == "" {
		return nil, mutation.NewAuthError(et)
	}
	if !et.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
	key := offline.SnapshotKey(et, owner)
	rows, err := cache.Fetch(ctx, s.cache, key, func(ctx context.Context) ([]payload.Object, error) {
		rows, err := s.remote.List(ctx, et, owner)
		if err != nil {
			return nil, mutation.NewRemoteError(et, "", err)
		}
		return rows, nil
	}, s.cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}
	out := make([]payload.Object, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out, nil
}

// SetOnline reports a connectivity change. Returns true on a transition.
func (s *Session) SetOnline(online bool) bool {
	return s.monitor.SetOnline(online)
}

// Online reports the current connectivity state.
func (s *Session) Online() bool {
	return s.monitor.Online()
}

// SyncNow runs one drain cycle synchronously.
func (s *Session) SyncNow(ctx context.Context) (engine.Result, error) {
	return s.engine.SyncOnce(ctx)
}

// Stats returns the owner's queue counts.
func (s *Session) Stats(ctx context.Context) (mutation.Stats, error) {
	return s.queue.Stats(ctx, s.identity.Owner())
}

// Records lists the owner's queue records, optionally filtered by status.
func (s *Session) Records(ctx context.Context, status mutation.Status) ([]mutation.Record, error) {
	owner := s.identity.Owner()
	if owner == "" {
		return nil, mutation.NewAuthError("")
	}
	return s.queue.List(ctx, mutation.Filter{OwnerID: owner, Status: status})
}

// Prune deletes synced records older than olderThan. Zero uses the
// configured retention.
func (s *Session) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return s.engine.Prune(ctx)
	}
	return s.queue.Prune(ctx, s.clock.Now().Add(-olderThan))
}

// Engine exposes the sync engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Cache exposes the read-through cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Remote exposes the remote store.
func (s *Session) Remote() remote.Store { return s.remote }

// Close stops the engine and releases every resource. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	var runErr error
	if cancel != nil {
		cancel()
		<-done
		runErr = s.runErr
	}
	return errors.Join(runErr, s.closeResources())
}

func (s *Session) closeResources() error {
	s.cache.Close()
	return errors.Join(s.remote.Close(), s.store.Close())
}

func (s *Session) invalidate(et mutation.EntityType) {
	n := s.cache.Invalidate(string(et))
	s.logger.Debug("cache invalidated", "entity", et, "entries", n)
}

func (s *Session) refresh(ctx context.Context) error {
	for _, et := range mutation.EntityTypes() {
		if err := s.collections[et].RefreshFromStorage(ctx); err != nil {
			return err
		}
	}
	return nil
}
