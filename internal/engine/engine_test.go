package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/connectivity"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/queue"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/testutil"
)

type recordingNotifier struct {
	mu        sync.Mutex
	synced    []int
	failed    []int
	permanent []mutation.Record
}

func (n *recordingNotifier) Synced(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = append(n.synced, count)
}

func (n *recordingNotifier) Failed(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, count)
}

func (n *recordingNotifier) PermanentlyFailed(rec mutation.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.permanent = append(n.permanent, rec)
}

func (n *recordingNotifier) permanentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.permanent)
}

type fixture struct {
	store    *store.Store
	queue    *queue.Queue
	remote   *remote.Memory
	monitor  *connectivity.Monitor
	identity *mutation.Identity
	clock    *testutil.FakeClock
	notifier *recordingNotifier
	engine   *Engine
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, online bool, opts ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    setupTestStore(t),
		remote:   remote.NewMemory(),
		monitor:  connectivity.New(online),
		identity: mutation.NewIdentity("u1"),
		clock:    testutil.NewFakeClock(),
		notifier: &recordingNotifier{},
	}
	f.queue = queue.New(f.store, queue.WithClock(f.clock), queue.WithIDGenerator(mutation.NewFixedGenerator("rec")))

	base := []EngineOption{
		WithNotifier(f.notifier),
		WithClock(f.clock),
		WithInterval(0),
		WithPruneEvery(0),
		WithDebounce(10 * time.Millisecond),
	}
	f.engine = New(f.queue, f.remote, f.monitor, f.identity.Owner, append(base, opts...)...)
	return f
}

func (f *fixture) enqueue(t *testing.T, et mutation.EntityType, rowID string, op mutation.Operation) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), et, rowID, payload.Object{"id": rowID, "title": "x"}, op, f.identity.Owner())
	require.NoError(t, err)
	return id
}

func (f *fixture) record(t *testing.T, id string) mutation.Record {
	t.Helper()
	rec, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) stats(t *testing.T) mutation.Stats {
	t.Helper()
	s, err := f.queue.Stats(context.Background(), "u1")
	require.NoError(t, err)
	return s
}

func startEngine(t *testing.T, e *Engine) (cancel func(), wait func() error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancelFn()
		<-done
	})
	wait = func() error {
		select {
		case <-done:
			return runErr
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	return cancelFn, wait
}

func TestEngine_New(t *testing.T) {
	f := newFixture(t, true)

	assert.NotNil(t, f.engine.mailbox)
	assert.Equal(t, mutation.DefaultMaxRetries, f.engine.MaxRetries())
	assert.False(t, f.engine.Draining())

	e := New(f.queue, f.remote, f.monitor, f.identity.Owner, WithMaxRetries(5), WithWorkers(4))
	assert.Equal(t, 5, e.MaxRetries())
	assert.Equal(t, 4, e.workers)
	assert.Equal(t, DefaultInterval, e.interval)
	assert.Equal(t, DefaultDebounce, e.debounce)
}

func TestSyncOnce_SyncsPendingInOrder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)
	b := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpUpdate)
	c := f.enqueue(t, mutation.EntityBanks, "b1", mutation.OpInsert)

	res, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, mutation.Stats{Synced: 3}, res.Stats)

	for _, id := range []string{a, b, c} {
		assert.Equal(t, mutation.StatusSynced, f.record(t, id).Status)
	}

	calls := f.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, mutation.OpInsert, calls[0].Op)
	assert.Equal(t, mutation.OpUpdate, calls[1].Op)
	assert.Equal(t, "b1", calls[2].RowID)
	for _, call := range calls {
		assert.Equal(t, "u1", call.OwnerID)
	}

	assert.Equal(t, []int{3}, f.notifier.synced)
	assert.Empty(t, f.notifier.failed)
}

func TestSyncOnce_BoundedRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)
	f.remote.FailAlways("t1", nil)

	for cycle := 1; cycle <= 3; cycle++ {
		res, err := f.engine.SyncOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempted, "cycle %d", cycle)
		assert.Equal(t, 1, res.Failed, "cycle %d", cycle)

		rec := f.record(t, id)
		assert.Equal(t, cycle, rec.RetryCount)
		if cycle < 3 {
			assert.Equal(t, mutation.StatusPending, rec.Status)
			assert.Equal(t, 0, res.Frozen)
		}
	}

	rec := f.record(t, id)
	assert.Equal(t, mutation.StatusError, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Contains(t, rec.LastError, remote.ErrInjected.Error())

	// A fourth cycle leaves the frozen record alone.
	res, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Len(t, f.remote.Calls(), 3)
	assert.Equal(t, 3, f.record(t, id).RetryCount)

	assert.Equal(t, 1, f.notifier.permanentCount())
	assert.Equal(t, id, f.notifier.permanent[0].ID)
	assert.Equal(t, mutation.StatusError, f.notifier.permanent[0].Status)
	assert.Equal(t, mutation.Stats{Error: 1}, f.stats(t))
}

func TestSyncOnce_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t, true)

	first := f.enqueue(t, mutation.EntityCards, "c1", mutation.OpInsert)
	second := f.enqueue(t, mutation.EntityCards, "c2", mutation.OpInsert)
	third := f.enqueue(t, mutation.EntityCards, "c3", mutation.OpInsert)
	f.remote.FailNext("c2", 1)

	res, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, mutation.StatusSynced, f.record(t, first).Status)
	assert.Equal(t, mutation.StatusSynced, f.record(t, third).Status)
	rec := f.record(t, second)
	assert.Equal(t, mutation.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)

	assert.Equal(t, []int{2}, f.notifier.synced)
	assert.Equal(t, []int{1}, f.notifier.failed)
	assert.Zero(t, f.notifier.permanentCount())
}

func TestSyncOnce_UnknownOperationFrozenWithoutRemoteCall(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.InsertRecord(ctx, mutation.Record{
		ID:         "weird",
		EntityType: mutation.EntityGoals,
		RowID:      "g1",
		Operation:  mutation.Operation("upsert"),
		OwnerID:    "u1",
		Status:     mutation.StatusPending,
		CreatedAt:  f.clock.Now(),
		UpdatedAt:  f.clock.Now(),
	})
	require.NoError(t, err)

	res, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Frozen)
	assert.Empty(t, f.remote.Calls())

	rec := f.record(t, "weird")
	assert.Equal(t, mutation.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "upsert")
	assert.Equal(t, 1, f.notifier.permanentCount())
}

func TestSyncOnce_Guards(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.enqueue(t, mutation.EntityDebts, "d1", mutation.OpInsert)

	res, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, skipOffline, res.Reason)

	f.monitor.SetOnline(true)
	f.identity.Set("")
	res, err = f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, skipNoOwner, res.Reason)

	assert.Empty(t, f.remote.Calls())
	assert.Empty(t, f.notifier.synced)
}

func TestSyncOnce_NeverSyncsAnotherOwnersRecords(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, mutation.EntityBanks, "b1", payload.Object{"id": "b1"}, mutation.OpInsert, "u2")
	require.NoError(t, err)
	mine := f.enqueue(t, mutation.EntityBanks, "b2", mutation.OpInsert)

	res, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, mutation.StatusSynced, f.record(t, mine).Status)

	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "u1", calls[0].OwnerID)
	assert.Equal(t, "b2", calls[0].RowID)
}

func TestSyncOnce_NoNotificationWhenNothingChanged(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Empty(t, f.notifier.synced)
	assert.Empty(t, f.notifier.failed)
}

func TestSyncOnce_OnSyncedOncePerEntityType(t *testing.T) {
	var got []mutation.EntityType
	f := newFixture(t, true, WithOnSynced(func(et mutation.EntityType) { got = append(got, et) }))

	f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)
	f.enqueue(t, mutation.EntityTransactions, "t2", mutation.OpInsert)
	f.enqueue(t, mutation.EntityBanks, "b1", mutation.OpInsert)
	f.remote.FailAlways("g1", nil)
	f.enqueue(t, mutation.EntityGoals, "g1", mutation.OpInsert)

	_, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []mutation.EntityType{mutation.EntityTransactions, mutation.EntityBanks}, got)
}

func TestSyncOnce_StorageFailureReturned(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, mutation.EntityBanks, "b1", mutation.OpInsert)
	require.NoError(t, f.store.Close())

	_, err := f.engine.SyncOnce(context.Background())
	require.Error(t, err)
	assert.True(t, mutation.IsStorageError(err))
}

func TestTrigger_IdempotentWhileDraining(t *testing.T) {
	f := newFixture(t, true)
	a := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)
	b := f.enqueue(t, mutation.EntityTransactions, "t2", mutation.OpInsert)
	entered, release := f.remote.Block()

	startEngine(t, f.engine)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the remote store")
	}
	require.True(t, f.engine.Draining())

	assert.False(t, f.engine.Trigger())
	assert.False(t, f.engine.Trigger())
	res, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, skipDraining, res.Reason)

	release()

	require.Eventually(t, func() bool {
		return f.stats(t).Synced == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !f.engine.Draining() && !f.engine.mailbox.Outstanding()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.remote.Calls(), 2, "each record applied exactly once")
	assert.Equal(t, mutation.StatusSynced, f.record(t, a).Status)
	assert.Equal(t, mutation.StatusSynced, f.record(t, b).Status)
}

func TestTrigger_BurstAttemptsFailingRecordOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t, true)
		startEngine(t, f.engine)
		require.Eventually(t, func() bool {
			return f.engine.cycles.Load() == 1 && !f.engine.mailbox.Outstanding()
		}, 2*time.Second, time.Millisecond)

		f.remote.FailAlways("", nil)
		id := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)

		f.engine.Trigger()
		f.engine.Trigger()

		require.Eventually(t, func() bool {
			return f.engine.cycles.Load() >= 2 && !f.engine.mailbox.Outstanding()
		}, 2*time.Second, time.Millisecond)

		assert.Equal(t, int64(2), f.engine.cycles.Load(), "iteration %d", i)
		assert.Equal(t, 1, f.record(t, id).RetryCount, "iteration %d", i)
		assert.Len(t, f.remote.Calls(), 1, "iteration %d", i)
	}
}

func TestRun_DrainsOnReconnect(t *testing.T) {
	f := newFixture(t, false)
	id := f.enqueue(t, mutation.EntityTransactions, "t1", mutation.OpInsert)

	startEngine(t, f.engine)
	assert.Equal(t, mutation.StatusPending, f.record(t, id).Status)

	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return f.record(t, id).Status == mutation.StatusSynced
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, mutation.Stats{Synced: 1}, f.stats(t))
}

func TestSchedule_CoalescesBurst(t *testing.T) {
	f := newFixture(t, true, WithDebounce(100*time.Millisecond))
	startEngine(t, f.engine)

	// Initial drain of an empty queue.
	require.Eventually(t, func() bool { return f.engine.cycles.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	for _, row := range []string{"b1", "b2", "b3", "b4", "b5"} {
		f.enqueue(t, mutation.EntityBanks, row, mutation.OpInsert)
	}
	for i := 0; i < 5; i++ {
		f.engine.Schedule()
	}

	require.Eventually(t, func() bool { return f.stats(t).Synced == 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(2), f.engine.cycles.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, true)
	cancel, wait := startEngine(t, f.engine)

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)

	assert.False(t, f.engine.Trigger(), "mailbox closed after Run returns")
	f.enqueue(t, mutation.EntityBanks, "b1", mutation.OpInsert)
	f.monitor.SetOnline(false)
	f.monitor.SetOnline(true)
	assert.Empty(t, f.remote.Calls(), "listener removed on shutdown")
}

func TestWithWorkers_PreservesPerRowOrder(t *testing.T) {
	f := newFixture(t, true, WithWorkers(4))

	for _, row := range []string{"t1", "t2", "t3"} {
		f.enqueue(t, mutation.EntityTransactions, row, mutation.OpInsert)
	}
	for _, row := range []string{"t1", "t2", "t3"} {
		f.enqueue(t, mutation.EntityTransactions, row, mutation.OpUpdate)
		f.enqueue(t, mutation.EntityTransactions, row, mutation.OpDelete)
	}

	res, err := f.engine.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, res.Synced)

	perRow := make(map[string][]mutation.Operation)
	for _, call := range f.remote.Calls() {
		perRow[call.RowID] = append(perRow[call.RowID], call.Op)
	}
	want := []mutation.Operation{mutation.OpInsert, mutation.OpUpdate, mutation.OpDelete}
	for _, row := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, want, perRow[row], row)
	}
	assert.Empty(t, f.remote.Rows(mutation.EntityTransactions))
}

func TestPrune_UsesRetention(t *testing.T) {
	f := newFixture(t, true, WithRetention(time.Hour))
	ctx := context.Background()

	id := f.enqueue(t, mutation.EntityBanks, "b1", mutation.OpInsert)
	_, err := f.engine.SyncOnce(ctx)
	require.NoError(t, err)

	n, err := f.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.queue.Get(ctx, id)
	assert.True(t, mutation.IsNotFound(err))
}
