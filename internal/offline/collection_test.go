package offline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/connectivity"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/queue"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/testutil"
)

type countingScheduler struct {
	mu    sync.Mutex
	calls int
}

func (s *countingScheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func (s *countingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	store     *store.Store
	queue     *queue.Queue
	identity  *mutation.Identity
	monitor   *connectivity.Monitor
	clock     *testutil.FakeClock
	scheduler *countingScheduler
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock()
	return &fixture{
		store:     st,
		queue:     queue.New(st, queue.WithClock(clock), queue.WithIDGenerator(mutation.NewFixedGenerator("rec"))),
		identity:  mutation.NewIdentity("u1"),
		monitor:   connectivity.New(online),
		clock:     clock,
		scheduler: &countingScheduler{},
	}
}

func (f *fixture) collection(t *testing.T, et mutation.EntityType, opts ...Option) *Collection {
	t.Helper()
	base := []Option{
		WithConnectivity(f.monitor),
		WithClock(f.clock),
		WithIDGenerator(mutation.NewFixedGenerator(string(et))),
	}
	c, err := New(et, f.queue, f.store, f.identity.Owner, f.scheduler, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func (f *fixture) records(t *testing.T) []mutation.Record {
	t.Helper()
	records, err := f.queue.List(context.Background(), mutation.Filter{OwnerID: "u1"})
	require.NoError(t, err)
	return records
}

func TestNew_RejectsUnknownEntityType(t *testing.T) {
	f := newFixture(t, true)
	_, err := New(mutation.EntityType("budgets"), f.queue, f.store, f.identity.Owner, nil)
	assert.Error(t, err)
}

func TestAdd_StampsAndEnqueues(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityTransactions)

	row, err := c.Add(context.Background(), payload.Object{"title": "Coffee", "amount": 5})
	require.NoError(t, err)

	assert.Equal(t, "transactions-1", row.ID())
	assert.Equal(t, "u1", row.String(payload.FieldOwner))
	assert.Equal(t, json.Number("5.00"), row["amount"])
	assert.Equal(t, "2024-01-01T09:00:00.000Z", row.String(payload.FieldCreatedAt))
	assert.Equal(t, row.String(payload.FieldCreatedAt), row.String(payload.FieldUpdatedAt))

	items := c.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Coffee", items[0].String("title"))

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, mutation.OpInsert, records[0].Operation)
	assert.Equal(t, "transactions-1", records[0].RowID)
	assert.Equal(t, mutation.StatusPending, records[0].Status)
	assert.Equal(t, json.Number("5.00"), records[0].Payload["amount"])

	assert.Equal(t, 1, f.scheduler.count())
}

func TestAdd_RequiresOwner(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityBanks)
	f.identity.Set("")

	_, err := c.Add(context.Background(), payload.Object{"name": "Checking"})
	require.Error(t, err)
	assert.True(t, mutation.IsAuthError(err))
	assert.Empty(t, c.Items())

	f.identity.Set("u1")
	assert.Empty(t, f.records(t), "nothing enqueued without an owner")
}

func TestAdd_ValidationFailureWritesNothing(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityTransactions)

	_, err := c.Add(context.Background(), payload.Object{"title": "No amount"})
	require.Error(t, err)
	assert.True(t, mutation.IsValidation(err))

	_, err = c.Add(context.Background(), payload.Object{"title": "Bad", "amount": 1, "currency": "ZZZ"})
	assert.True(t, mutation.IsValidation(err))

	_, err = c.Add(context.Background(), payload.Object{"title": "Sub-cent", "amount": json.Number("0.005")})
	assert.True(t, mutation.IsValidation(err), "excess precision is rejected, not rounded")

	assert.Empty(t, c.Items())
	assert.Empty(t, f.records(t))
	assert.Zero(t, f.scheduler.count())
}

func TestAdd_DuplicateIDRejected(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityBanks)

	_, err := c.Add(context.Background(), payload.Object{"id": "b1", "name": "Checking"})
	require.NoError(t, err)
	_, err = c.Add(context.Background(), payload.Object{"id": "b1", "name": "Savings"})
	assert.True(t, mutation.IsValidation(err))
	assert.Len(t, c.Items(), 1)
}

func TestAdd_OfflineDoesNotSchedule(t *testing.T) {
	f := newFixture(t, false)
	c := f.collection(t, mutation.EntityBanks)

	_, err := c.Add(context.Background(), payload.Object{"name": "Checking"})
	require.NoError(t, err)
	assert.Zero(t, f.scheduler.count())
	assert.Len(t, f.records(t), 1)
}

func TestAdd_StorageFailureLeavesListUntouched(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityBanks)
	_, err := c.Add(context.Background(), payload.Object{"name": "Checking"})
	require.NoError(t, err)

	require.NoError(t, f.store.Close())
	_, err = c.Add(context.Background(), payload.Object{"name": "Savings"})
	require.Error(t, err)
	assert.True(t, mutation.IsStorageError(err))
	assert.Len(t, c.Items(), 1)
}

func TestUpdate_MergesAndEnqueuesPatch(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityGoals)
	ctx := context.Background()

	row, err := c.Add(ctx, payload.Object{"name": "Trip", "target_amount": "1000"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := c.Update(ctx, row.ID(), payload.Object{"current_amount": 250, "user_id": "intruder"})
	require.NoError(t, err)
	assert.Equal(t, "Trip", updated.String("name"))
	assert.Equal(t, json.Number("250.00"), updated["current_amount"])
	assert.Equal(t, "u1", updated.String(payload.FieldOwner))
	assert.Equal(t, "2024-01-01T09:01:00.000Z", updated.String(payload.FieldUpdatedAt))

	got, ok := c.Get(row.ID())
	require.True(t, ok)
	assert.Equal(t, json.Number("250.00"), got["current_amount"])

	records := f.records(t)
	require.Len(t, records, 2)
	patch := records[1].Payload
	assert.Equal(t, mutation.OpUpdate, records[1].Operation)
	assert.Equal(t, json.Number("250.00"), patch["current_amount"])
	assert.NotContains(t, patch, "name")
	assert.NotContains(t, patch, payload.FieldOwner)
}

func TestUpdate_InvalidMergeRejected(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityCards)
	ctx := context.Background()

	row, err := c.Add(ctx, payload.Object{"name": "Visa", "closing_day": 5})
	require.NoError(t, err)

	_, err = c.Update(ctx, row.ID(), payload.Object{"closing_day": 40})
	assert.True(t, mutation.IsValidation(err))
	got, _ := c.Get(row.ID())
	assert.Equal(t, 5, got["closing_day"])
}

func TestUpdateDelete_MissingRowIsNotFound(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityDebts)
	ctx := context.Background()

	_, err := c.Update(ctx, "nope", payload.Object{"name": "x"})
	assert.True(t, mutation.IsNotFound(err))
	assert.ErrorIs(t, err, mutation.ErrNotFound)

	err = c.Delete(ctx, "nope")
	assert.True(t, mutation.IsNotFound(err))
	assert.Empty(t, f.records(t))
}

func TestDelete_RemovesAndEnqueues(t *testing.T) {
	f := newFixture(t, true)
	c := f.collection(t, mutation.EntityCategories)
	ctx := context.Background()

	a, err := c.Add(ctx, payload.Object{"name": "Food"})
	require.NoError(t, err)
	b, err := c.Add(ctx, payload.Object{"name": "Rent"})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, a.ID()))
	items := c.Items()
	require.Len(t, items, 1)
	assert.Equal(t, b.ID(), items[0].ID())

	records := f.records(t)
	require.Len(t, records, 3)
	assert.Equal(t, mutation.OpDelete, records[2].Operation)
	assert.Equal(t, payload.Object{"id": a.ID()}, records[2].Payload)
}

func TestRefreshFromStorage_ReloadsSnapshotPerOwner(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c := f.collection(t, mutation.EntityBanks)

	_, err := c.Add(ctx, payload.Object{"name": "Checking", "balance": 10})
	require.NoError(t, err)

	// A second façade over the same store sees the committed snapshot.
	other := f.collection(t, mutation.EntityBanks)
	require.NoError(t, other.RefreshFromStorage(ctx))
	items := other.Items()
	require.Len(t, items, 1)
	assert.Equal(t, json.Number("10.00"), items[0]["balance"])

	f.identity.Set("u2")
	assert.Empty(t, c.Items(), "stale owner's list is hidden")
	require.NoError(t, c.RefreshFromStorage(ctx))
	assert.Empty(t, c.Items())

	f.identity.Set("")
	require.NoError(t, c.RefreshFromStorage(ctx))
	assert.Empty(t, c.Items())

	f.identity.Set("u1")
	require.NoError(t, c.RefreshFromStorage(ctx))
	assert.Len(t, c.Items(), 1)

	data, ok, err := f.store.Get(ctx, SnapshotKey(mutation.EntityBanks, "u1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(data), `"name":"Checking"`)
}

func TestOnChange_CalledAfterCommit(t *testing.T) {
	f := newFixture(t, true)
	var changed []mutation.EntityType
	c := f.collection(t, mutation.EntityDebts, WithOnChange(func(et mutation.EntityType) {
		changed = append(changed, et)
	}))

	_, err := c.Add(context.Background(), payload.Object{"name": "Loan", "amount": 100})
	require.NoError(t, err)
	_, err = c.Add(context.Background(), payload.Object{"name": ""})
	require.Error(t, err)

	assert.Equal(t, []mutation.EntityType{mutation.EntityDebts}, changed)
}

// Offline creation followed by reconnect drains exactly one insert.
func TestScenario_OfflineCreationThenReconnect(t *testing.T) {
	f := newFixture(t, false)
	rs := remote.NewMemory()
	eng := engine.New(f.queue, rs, f.monitor, f.identity.Owner,
		engine.WithInterval(0),
		engine.WithPruneEvery(0),
		engine.WithDebounce(5*time.Millisecond),
	)
	c, err := New(mutation.EntityTransactions, f.queue, f.store, f.identity.Owner, eng,
		WithConnectivity(f.monitor),
		WithClock(f.clock),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	row, err := c.Add(context.Background(), payload.Object{"title": "Coffee", "amount": 5})
	require.NoError(t, err)
	require.Len(t, c.Items(), 1)

	records := f.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, mutation.StatusPending, records[0].Status)
	assert.Equal(t, mutation.OpInsert, records[0].Operation)
	assert.Empty(t, rs.Calls())

	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		s, err := f.queue.Stats(context.Background(), "u1")
		return err == nil && s == mutation.Stats{Synced: 1}
	}, 2*time.Second, 5*time.Millisecond)

	calls := rs.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, mutation.OpInsert, calls[0].Op)
	stored := rs.Rows(mutation.EntityTransactions)
	require.Len(t, stored, 1)
	assert.Equal(t, row.ID(), stored[0].ID())
	assert.Equal(t, "u1", stored[0].String(payload.FieldOwner))
}
