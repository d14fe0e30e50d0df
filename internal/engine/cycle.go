package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
)

// Result summarises one drain cycle.
type Result struct {
	// Cycle is the engine-local cycle number, starting at 1.
	Cycle int64

	// Skipped is set when the cycle did not run: offline, signed out, or
	// another cycle was draining. Reason says which.
	Skipped bool
	Reason  string

	Attempted int
	Synced    int
	Failed    int

	// Frozen counts records moved to error in this cycle.
	Frozen int

	// Stats is recomputed after the loop.
	Stats mutation.Stats
}

// Changed reports whether any record changed state.
func (r Result) Changed() bool {
	return r.Synced > 0 || r.Failed > 0
}

const (
	skipDraining = "draining"
	skipOffline  = "offline"
	skipNoOwner  = "no owner"
)

// SyncOnce runs one drain cycle on the caller's goroutine.
//
// Remote failures are recorded on each record and never returned. The
// returned error is only ever a local storage failure.
func (e *Engine) SyncOnce(ctx context.Context) (Result, error) {
	if !e.drain.TryLock() {
		return Result{Skipped: true, Reason: skipDraining}, nil
	}
	defer e.drain.Unlock()

	if !e.monitor.Online() {
		return Result{Skipped: true, Reason: skipOffline}, nil
	}
	owner := e.owner()
	if owner == "" {
		return Result{Skipped: true, Reason: skipNoOwner}, nil
	}

	e.draining.Store(true)
	defer e.draining.Store(false)

	res := Result{Cycle: e.cycles.Add(1)}
	log := e.logger.With("cycle", res.Cycle, "owner", owner)

	records, err := e.queue.List(ctx, mutation.Filter{
		OwnerID:    owner,
		Status:     mutation.StatusPending,
		MaxRetries: e.budget.max,
	})
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		log.Debug("nothing to sync")
		res.Stats, err = e.queue.Stats(ctx, owner)
		return res, err
	}

	log.Debug("drain starting", "records", len(records))

	t := &tally{synced: make(map[mutation.EntityType]bool)}
	if e.workers <= 1 {
		for _, rec := range records {
			e.process(ctx, log, owner, rec, t)
		}
	} else {
		e.processConcurrently(ctx, log, owner, records, t)
	}

	res.Attempted = t.attempted
	res.Synced = t.syncedN
	res.Failed = t.failed
	res.Frozen = t.frozen

	res.Stats, err = e.queue.Stats(ctx, owner)
	if err != nil {
		return res, err
	}

	if res.Synced > 0 {
		e.notifier.Synced(res.Synced)
	}
	if res.Failed > 0 {
		e.notifier.Failed(res.Failed)
	}
	if e.onSynced != nil {
		for _, et := range mutation.EntityTypes() {
			if t.synced[et] {
				e.onSynced(et)
			}
		}
	}
	if err := t.storageErr; err != nil {
		return res, err
	}

	log.Info("drain finished",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"failed", res.Failed,
		"frozen", res.Frozen,
		"pending", res.Stats.Pending,
	)
	return res, nil
}

// tally collects per-record outcomes; safe for concurrent workers.
type tally struct {
	mu         sync.Mutex
	attempted  int
	syncedN    int
	failed     int
	frozen     int
	synced     map[mutation.EntityType]bool
	storageErr error
}

// processConcurrently drains records with up to e.workers goroutines. Records
// sharing (entity type, row) form one sub-queue processed in order.
func (e *Engine) processConcurrently(ctx context.Context, log *slog.Logger, owner string, records []mutation.Record, t *tally) {
	type key struct {
		et    mutation.EntityType
		rowID string
	}
	var order []key
	groups := make(map[key][]mutation.Record)
	for _, rec := range records {
		k := key{rec.EntityType, rec.RowID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, k := range order {
		group := groups[k]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, rec := range group {
				e.process(ctx, log, owner, rec, t)
			}
		}()
	}
	wg.Wait()
}

// process applies one record and records its outcome. It never returns an
// error: remote failures go onto the record, storage failures into t.
func (e *Engine) process(ctx context.Context, log *slog.Logger, owner string, rec mutation.Record, t *tally) {
	if rec.OwnerID != owner || !e.budget.Eligible(rec) {
		return
	}

	t.mu.Lock()
	t.attempted++
	t.mu.Unlock()

	err := e.apply(ctx, rec)
	if err == nil {
		if serr := e.queue.SetStatus(ctx, rec.ID, rec.EntityType, mutation.StatusSynced); serr != nil {
			t.storage(serr)
			return
		}
		log.Debug("record synced", "id", rec.ID, "entity", rec.EntityType, "row_id", rec.RowID, "operation", rec.Operation)
		t.mu.Lock()
		t.syncedN++
		t.synced[rec.EntityType] = true
		t.mu.Unlock()
		return
	}

	var (
		retryCount int
		status     mutation.Status
		exhausted  error
	)
	if mutation.IsUnknownOperation(err) {
		retryCount, status, exhausted = e.budget.Abandon(rec, err)
	} else {
		retryCount, status, exhausted = e.budget.Fail(rec, err)
	}

	if serr := e.queue.RecordFailure(ctx, rec.ID, rec.EntityType, retryCount, status, err.Error()); serr != nil {
		t.storage(serr)
		return
	}

	t.mu.Lock()
	t.failed++
	if exhausted != nil {
		t.frozen++
	}
	t.mu.Unlock()

	if exhausted == nil {
		log.Warn("record sync failed, will retry",
			"id", rec.ID,
			"entity", rec.EntityType,
			"row_id", rec.RowID,
			"retry_count", retryCount,
			"error", err,
		)
		return
	}

	log.Error("record sync failed permanently", "error", exhausted)
	frozen := rec
	frozen.Status = status
	frozen.RetryCount = retryCount
	frozen.LastError = err.Error()
	e.notifier.PermanentlyFailed(frozen)
}

// apply dispatches rec to the remote store.
func (e *Engine) apply(ctx context.Context, rec mutation.Record) error {
	op, err := mutation.ParseOperation(string(rec.Operation))
	if err != nil {
		return err
	}
	switch op {
	case mutation.OpInsert:
		row := rec.Payload.Clone()
		if row == nil {
			row = payload.Object{}
		}
		if row.ID() == "" {
			row[payload.FieldID] = rec.RowID
		}
		_, err = e.remote.Insert(ctx, rec.EntityType, rec.OwnerID, row)
	case mutation.OpUpdate:
		err = e.remote.Update(ctx, rec.EntityType, rec.RowID, rec.OwnerID, rec.Payload)
	case mutation.OpDelete:
		err = e.remote.Delete(ctx, rec.EntityType, rec.RowID, rec.OwnerID)
	}
	if err != nil {
		return mutation.NewRemoteError(rec.EntityType, rec.RowID, err)
	}
	return nil
}

func (t *tally) storage(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.storageErr == nil {
		t.storageErr = err
	} else {
		t.storageErr = errors.Join(t.storageErr, err)
	}
}
