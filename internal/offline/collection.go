// Package offline implements the offline-first entity façade: one optimistic
// in-memory list per entity type, persisted as a snapshot and mirrored into
// the mutation queue on every write.
//
// Writes return as soon as the snapshot and the queue record are committed
// locally. Syncing happens later in the engine; optimistic state is never
// rolled back when the remote store rejects a write.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/queue"
	"github.com/roach88/tally/internal/store"
)

// Scheduler requests a debounced sync. Implemented by *engine.Engine.
type Scheduler interface {
	Schedule()
}

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Collection is the façade for one entity type. Safe for concurrent use.
type Collection struct {
	entityType mutation.EntityType
	queue      *queue.Queue
	store      *store.Store
	owner      mutation.OwnerFunc
	scheduler  Scheduler

	monitor   Connectivity
	validator *payload.Validator
	clock     mutation.Clock
	ids       mutation.IDGenerator
	onChange  func(mutation.EntityType)
	logger    *slog.Logger

	mu       sync.RWMutex
	items    []payload.Object
	loadedAs string
}

// Option configures a Collection.
type Option func(*Collection)

// WithConnectivity makes writes schedule a sync only while m is online.
func WithConnectivity(m Connectivity) Option {
	return func(c *Collection) { c.monitor = m }
}

// WithValidator sets the payload validator. Defaults to the embedded schemas.
func WithValidator(v *payload.Validator) Option {
	return func(c *Collection) { c.validator = v }
}

// WithClock sets the clock used for created_at/updated_at.
func WithClock(clock mutation.Clock) Option {
	return func(c *Collection) { c.clock = clock }
}

// WithIDGenerator sets the generator for new row ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(c *Collection) { c.ids = g }
}

// WithOnChange registers a hook called after every committed local write.
func WithOnChange(fn func(mutation.EntityType)) Option {
	return func(c *Collection) { c.onChange = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collection) { c.logger = l }
}

// New creates a collection for entityType. scheduler may be nil.
func New(
	entityType mutation.EntityType,
	q *queue.Queue,
	st *store.Store,
	owner mutation.OwnerFunc,
	scheduler Scheduler,
	opts ...Option,
) (*Collection, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	c := &Collection{
		entityType: entityType,
		queue:      q,
		store:      st,
		owner:      owner,
		scheduler:  scheduler,
		monitor:    alwaysOnline{},
		clock:      mutation.SystemClock{},
		ids:        mutation.UUIDv7Generator{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		v, err := payload.DefaultValidator()
		if err != nil {
			return nil, err
		}
		c.validator = v
	}
	return c, nil
}

// EntityType returns the collection's entity type.
func (c *Collection) EntityType() mutation.EntityType {
	return c.entityType
}

// SnapshotKey returns the store key holding the owner's snapshot.
func SnapshotKey(et mutation.EntityType, ownerID string) string {
	return fmt.Sprintf("%s_%s", et, ownerID)
}

// Items returns a copy of the optimistic list for the current owner.
func (c *Collection) Items() []payload.Object {
	owner := c.owner()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if owner == "" || c.loadedAs != owner {
		return []payload.Object{}
	}
	out := make([]payload.Object, len(c.items))
	for i, item := range c.items {
		out[i] = item.Clone()
	}
	return out
}

// Get returns one item by id from the optimistic list.
func (c *Collection) Get(id string) (payload.Object, bool) {
	owner := c.owner()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if owner == "" || c.loadedAs != owner {
		return nil, false
	}
	if i := indexOf(c.items, id); i >= 0 {
		return c.items[i].Clone(), true
	}
	return nil, false
}

// RefreshFromStorage reloads the optimistic list from the current owner's
// snapshot. With no owner the list is emptied.
func (c *Collection) RefreshFromStorage(ctx context.Context) error {
	owner := c.owner()
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner == "" {
		c.items, c.loadedAs = nil, ""
		return nil
	}
	return c.load(ctx, owner)
}

// Add stamps item with a new id (unless it carries one), the owner and
// timestamps, then commits the snapshot and an insert record together.
func (c *Collection) Add(ctx context.Context, item payload.Object) (payload.Object, error) {
	owner := c.owner()
	if owner == "" {
		return nil, mutation.NewAuthError(c.entityType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx, owner); err != nil {
		return nil, err
	}

	row := item.Clone()
	if row == nil {
		row = payload.Object{}
	}
	if row.ID() == "" {
		row[payload.FieldID] = c.ids.Generate()
	}
	if indexOf(c.items, row.ID()) >= 0 {
		return nil, &mutation.Error{
			Code:       mutation.ErrCodeValidation,
			Message:    "duplicate id",
			EntityType: c.entityType,
			RecordID:   row.ID(),
		}
	}
	row[payload.FieldOwner] = owner
	now := c.clock.Now()
	row.Stamp(payload.FieldCreatedAt, now)
	row.Stamp(payload.FieldUpdatedAt, now)

	if err := c.validator.Prepare(string(c.entityType), row); err != nil {
		return nil, mutation.NewValidationError(c.entityType, err)
	}

	next := append(cloneAll(c.items), row)
	if err := c.commit(ctx, owner, next, row.ID(), mutation.OpInsert, row); err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// Update merges partial into the item with id. id and user_id in partial are
// ignored. The merged row must still validate.
func (c *Collection) Update(ctx context.Context, id string, partial payload.Object) (payload.Object, error) {
	owner := c.owner()
	if owner == "" {
		return nil, mutation.NewAuthError(c.entityType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx, owner); err != nil {
		return nil, err
	}

	i := indexOf(c.items, id)
	if i < 0 {
		return nil, mutation.NewNotFoundError(c.entityType, id)
	}

	patch := partial.Clone()
	if patch == nil {
		patch = payload.Object{}
	}
	delete(patch, payload.FieldID)
	delete(patch, payload.FieldOwner)
	delete(patch, payload.FieldCreatedAt)
	patch.Stamp(payload.FieldUpdatedAt, c.clock.Now())

	merged := c.items[i].Merge(patch)
	if err := c.validator.Prepare(string(c.entityType), merged); err != nil {
		return nil, mutation.NewValidationError(c.entityType, err)
	}
	// Send the normalised values, not the raw partial.
	for k := range patch {
		patch[k] = merged[k]
	}

	next := cloneAll(c.items)
	next[i] = merged
	if err := c.commit(ctx, owner, next, id, mutation.OpUpdate, patch); err != nil {
		return nil, err
	}
	return merged.Clone(), nil
}

// Delete removes the item with id.
func (c *Collection) Delete(ctx context.Context, id string) error {
	owner := c.owner()
	if owner == "" {
		return mutation.NewAuthError(c.entityType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(ctx, owner); err != nil {
		return err
	}

	i := indexOf(c.items, id)
	if i < 0 {
		return mutation.NewNotFoundError(c.entityType, id)
	}
	next := make([]payload.Object, 0, len(c.items)-1)
	next = append(next, cloneAll(c.items[:i])...)
	next = append(next, cloneAll(c.items[i+1:])...)

	return c.commit(ctx, owner, next, id, mutation.OpDelete, payload.Object{payload.FieldID: id})
}

// commit writes the snapshot and the queue record in one transaction, then
// publishes next as the in-memory list. Caller holds c.mu.
func (c *Collection) commit(ctx context.Context, owner string, next []payload.Object, rowID string, op mutation.Operation, body payload.Object) error {
	snapshot, err := encodeSnapshot(next)
	if err != nil {
		return mutation.NewStorageError("encode snapshot", err)
	}
	key := SnapshotKey(c.entityType, owner)

	rec, err := c.queue.EnqueueWith(ctx, c.entityType, rowID, body, op, owner, func(tx *store.Tx) error {
		return tx.Put(key, snapshot)
	})
	if err != nil {
		return err
	}
	c.items = next

	c.logger.Debug("local write committed",
		"entity", c.entityType,
		"row_id", rowID,
		"operation", op,
		"record", rec.ID,
	)
	if c.onChange != nil {
		c.onChange(c.entityType)
	}
	if c.scheduler != nil && c.monitor.Online() {
		c.scheduler.Schedule()
	}
	return nil
}

// ensureLoaded loads the owner's snapshot on first use or after the owner
// changed. Caller holds c.mu.
func (c *Collection) ensureLoaded(ctx context.Context, owner string) error {
	if c.loadedAs == owner {
		return nil
	}
	return c.load(ctx, owner)
}

func (c *Collection) load(ctx context.Context, owner string) error {
	data, ok, err := c.store.Get(ctx, SnapshotKey(c.entityType, owner))
	if err != nil {
		return mutation.NewStorageError("load snapshot", err)
	}
	items := []payload.Object{}
	if ok {
		items, err = decodeSnapshot(data)
		if err != nil {
			return mutation.NewStorageError("decode snapshot", err)
		}
	}
	c.items, c.loadedAs = items, owner
	return nil
}

func encodeSnapshot(items []payload.Object) ([]byte, error) {
	return payload.MarshalCanonical(items)
}

func decodeSnapshot(data []byte) ([]payload.Object, error) {
	var items []payload.Object
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []payload.Object{}
	}
	return items, nil
}

func indexOf(items []payload.Object, id string) int {
	for i, item := range items {
		if item.ID() == id {
			return i
		}
	}
	return -1
}

func cloneAll(items []payload.Object) []payload.Object {
	out := make([]payload.Object, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
