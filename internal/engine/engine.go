package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/tally/internal/connectivity"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/remote"
)

const (
	// DefaultInterval is the periodic drain interval while online.
	DefaultInterval = 30 * time.Second

	// DefaultDebounce is the delay between a local write and its drain.
	DefaultDebounce = 100 * time.Millisecond

	// DefaultPruneEvery is how often synced records are pruned.
	DefaultPruneEvery = time.Hour

	// DefaultRetention is how long synced records are kept before pruning.
	DefaultRetention = 24 * time.Hour
)

// Queue is the subset of the mutation queue the engine drains.
// Implemented by *queue.Queue.
type Queue interface {
	List(ctx context.Context, f mutation.Filter) ([]mutation.Record, error)
	SetStatus(ctx context.Context, id string, et mutation.EntityType, status mutation.Status) error
	RecordFailure(ctx context.Context, id string, et mutation.EntityType, retryCount int, status mutation.Status, message string) error
	Stats(ctx context.Context, ownerID string) (mutation.Stats, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Monitor reports connectivity. Implemented by *connectivity.Monitor.
type Monitor interface {
	Online() bool
	Subscribe(fn connectivity.Listener) (unsubscribe func())
}

// Engine drains the mutation queue against the remote store.
//
// Every trigger (connectivity, interval, debounced write, explicit) lands in
// a one-slot mailbox read by Run, so bursts coalesce into one wakeup. The
// drain itself is guarded by a mutex taken with TryLock; a cycle requested
// while another is draining is skipped, not queued.
//
// Thread-safety model:
//   - Trigger, Schedule, SyncOnce: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	queue   Queue
	remote  remote.Store
	monitor Monitor
	owner   mutation.OwnerFunc

	clock      mutation.Clock
	notifier   Notifier
	onSynced   func(et mutation.EntityType)
	logger     *slog.Logger
	budget     retryBudget
	interval   time.Duration
	debounce   time.Duration
	pruneEvery time.Duration
	retention  time.Duration
	workers    int

	mailbox  *mailbox
	drain    sync.Mutex
	draining atomic.Bool
	cycles   atomic.Int64

	debounceMu sync.Mutex
	debounceT  *time.Timer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxRetries sets the number of failed attempts after which a record is
// frozen in error.
//
// Default: 3 (mutation.DefaultMaxRetries)
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.budget = retryBudget{max: n}
		}
	}
}

// WithInterval sets the periodic drain interval. Zero disables it.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.interval = d }
}

// WithDebounce sets the delay used by Schedule.
func WithDebounce(d time.Duration) EngineOption {
	return func(e *Engine) { e.debounce = d }
}

// WithPruneEvery sets how often Run prunes synced records. Zero disables it.
func WithPruneEvery(d time.Duration) EngineOption {
	return func(e *Engine) { e.pruneEvery = d }
}

// WithRetention sets how long synced records are kept.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.retention = d }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithClock sets the wall clock used for retention cutoffs.
func WithClock(c mutation.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithOnSynced registers a hook called once per entity type that had at least
// one record synced in a cycle. Used to invalidate read caches.
func WithOnSynced(fn func(et mutation.EntityType)) EngineOption {
	return func(e *Engine) { e.onSynced = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithWorkers drains up to n rows concurrently. Records for the same
// (entity type, row) are still applied one at a time, oldest first.
//
// Default: 1 (strictly sequential in enqueue order)
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an engine. owner returns the authenticated owner; the engine
// never drains while it returns "".
func New(q Queue, r remote.Store, m Monitor, owner mutation.OwnerFunc, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:      q,
		remote:     r,
		monitor:    m,
		owner:      owner,
		clock:      mutation.SystemClock{},
		notifier:   NopNotifier{},
		logger:     slog.Default(),
		budget:     retryBudget{max: mutation.DefaultMaxRetries},
		interval:   DefaultInterval,
		debounce:   DefaultDebounce,
		pruneEvery: DefaultPruneEvery,
		retention:  DefaultRetention,
		workers:    1,
		mailbox:    newMailbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries returns the retry cap.
func (e *Engine) MaxRetries() int {
	return e.budget.max
}

// Draining reports whether a cycle is in progress.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Trigger requests a drain cycle. It is a no-op returning false while a
// cycle is draining; otherwise it posts to the mailbox and returns true. A
// post coalesces with any request not yet finished by the Run loop, so a
// burst of triggers yields at most one cycle.
func (e *Engine) Trigger() bool {
	if e.draining.Load() {
		e.logger.Debug("trigger ignored: drain in progress")
		return false
	}
	return e.mailbox.Post()
}

// Schedule triggers a cycle after the debounce delay. Calls within the delay
// restart it, so a burst of writes produces one trigger.
func (e *Engine) Schedule() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceT != nil {
		e.debounceT.Stop()
	}
	e.debounceT = time.AfterFunc(e.debounce, func() { e.Trigger() })
}

func (e *Engine) stopDebounce() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceT != nil {
		e.debounceT.Stop()
		e.debounceT = nil
	}
}

// Run is the engine's single internal task. It subscribes to connectivity,
// owns the interval and prune tickers and drains once per mailbox wakeup.
// Blocks until ctx is cancelled, then deregisters everything it installed.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		"interval", e.interval,
		"max_retries", e.budget.max,
		"workers", e.workers,
	)

	unsubscribe := e.monitor.Subscribe(func(online bool) {
		if online {
			e.Trigger()
		}
	})
	defer unsubscribe()
	defer e.stopDebounce()
	defer e.mailbox.Close()

	var intervalC, pruneC <-chan time.Time
	if e.interval > 0 {
		t := time.NewTicker(e.interval)
		defer t.Stop()
		intervalC = t.C
	}
	if e.pruneEvery > 0 {
		t := time.NewTicker(e.pruneEvery)
		defer t.Stop()
		pruneC = t.C
	}

	// Drain anything left over from a previous session.
	if e.monitor.Online() {
		e.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-intervalC:
			if e.monitor.Online() {
				e.Trigger()
			}

		case <-pruneC:
			e.prune(ctx)

		case _, ok := <-e.mailbox.Wait():
			if !ok {
				return nil
			}
			_, err := e.SyncOnce(ctx)
			e.mailbox.Ack()
			if err != nil {
				// Only local storage failures reach here; remote failures
				// are recorded per record.
				e.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

func (e *Engine) prune(ctx context.Context) {
	cutoff := e.clock.Now().Add(-e.retention)
	if _, err := e.queue.Prune(ctx, cutoff); err != nil {
		e.logger.Error("prune failed", "cutoff", cutoff, "error", err)
	}
}

// Prune removes synced records older than the retention window.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	return e.queue.Prune(ctx, e.clock.Now().Add(-e.retention))
}
