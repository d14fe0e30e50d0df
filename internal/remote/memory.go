package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// ErrInjected is the default failure returned by Memory fault injection.
var ErrInjected = errors.New("injected remote failure")

// Call is one observed call against a Memory store.
type Call struct {
	Op         mutation.Operation
	EntityType mutation.EntityType
	RowID      string
	OwnerID    string
}

// Memory is an in-process Store. It keeps rows per entity type in insertion
// order, records every write call and supports fault injection.
//
// Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	rows    map[mutation.EntityType][]payload.Object
	calls   []Call
	failN   map[string]int
	failAll map[string]error
	gate    chan struct{}
	entered chan struct{}
	closed  bool
}

// NewMemory creates an empty in-memory remote store.
func NewMemory() *Memory {
	return &Memory{
		rows:    make(map[mutation.EntityType][]payload.Object),
		failN:   make(map[string]int),
		failAll: make(map[string]error),
	}
}

// FailNext makes the next n write calls for rowID fail. An empty rowID
// matches every row.
func (m *Memory) FailNext(rowID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN[rowID] += n
}

// FailAlways makes every write for rowID fail with err until Heal is called.
// An empty rowID matches every row; a nil err uses ErrInjected.
func (m *Memory) FailAlways(rowID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	m.failAll[rowID] = err
}

// Heal clears all injected failures.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = make(map[string]int)
	m.failAll = make(map[string]error)
}

// Block makes every write call wait until the returned release func is
// called. The entered channel receives once per call as it starts waiting.
func (m *Memory) Block() (entered <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate
	m.entered = make(chan struct{}, 64)
	var once sync.Once
	return m.entered, func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns a copy of the write calls observed so far.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Rows returns a copy of every stored row of et regardless of owner.
func (m *Memory) Rows(et mutation.EntityType) []payload.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]payload.Object, 0, len(m.rows[et]))
	for _, row := range m.rows[et] {
		out = append(out, row.Clone())
	}
	return out
}

// Insert implements Store.
func (m *Memory) Insert(ctx context.Context, et mutation.EntityType, ownerID string, row payload.Object) (payload.Object, error) {
	rowID := row.ID()
	if err := m.begin(ctx, Call{Op: mutation.OpInsert, EntityType: et, RowID: rowID, OwnerID: ownerID}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := stampOwner(row, ownerID)
	rows := m.rows[et]
	for i, existing := range rows {
		if existing.ID() != rowID {
			continue
		}
		if existing.String(payload.FieldOwner) != ownerID {
			return nil, ErrOwnerMismatch
		}
		rows[i] = stored
		return stored.Clone(), nil
	}
	m.rows[et] = append(rows, stored)
	return stored.Clone(), nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, et mutation.EntityType, rowID, ownerID string, patch payload.Object) error {
	if err := m.begin(ctx, Call{Op: mutation.OpUpdate, EntityType: et, RowID: rowID, OwnerID: ownerID}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.rows[et] {
		if existing.ID() == rowID && existing.String(payload.FieldOwner) == ownerID {
			merged := existing.Merge(patch)
			merged[payload.FieldID] = rowID
			merged[payload.FieldOwner] = ownerID
			m.rows[et][i] = merged
			return nil
		}
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, et mutation.EntityType, rowID, ownerID string) error {
	if err := m.begin(ctx, Call{Op: mutation.OpDelete, EntityType: et, RowID: rowID, OwnerID: ownerID}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[et]
	kept := rows[:0]
	for _, existing := range rows {
		if existing.ID() == rowID && existing.String(payload.FieldOwner) == ownerID {
			continue
		}
		kept = append(kept, existing)
	}
	m.rows[et] = kept
	return nil
}

// List implements Store. Reads are not recorded in Calls; only FailAlways
// with an empty rowID makes them fail.
func (m *Memory) List(ctx context.Context, et mutation.EntityType, ownerID string) ([]payload.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("remote store closed")
	}
	if err, ok := m.failAll[""]; ok {
		return nil, fmt.Errorf("list %s: %w", et, err)
	}

	out := []payload.Object{}
	for _, row := range m.rows[et] {
		if row.String(payload.FieldOwner) == ownerID {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// begin records the call, waits on an installed gate and applies injected
// failures.
func (m *Memory) begin(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	gate, entered := m.gate, m.entered
	m.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("remote store closed")
	}
	for _, key := range []string{call.RowID, ""} {
		if err, ok := m.failAll[key]; ok {
			return fmt.Errorf("%s %s/%s: %w", call.Op, call.EntityType, call.RowID, err)
		}
		if m.failN[key] > 0 {
			m.failN[key]--
			return fmt.Errorf("%s %s/%s: %w", call.Op, call.EntityType, call.RowID, ErrInjected)
		}
	}
	return nil
}
